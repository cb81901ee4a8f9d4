// Package scheduler drives one run of the pipeline: it pulls ready
// descriptors from the resolver, dispatches them to a bounded worker pool,
// and owns every ledger write. Workers only execute and report back, so all
// queue and ledger state is touched by a single control goroutine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vk/aisflow/internal/ctxlog"
	"github.com/vk/aisflow/internal/graph"
	"github.com/vk/aisflow/internal/ledger"
	"github.com/vk/aisflow/internal/stages"
	"github.com/vk/aisflow/internal/task"
)

// Outcome is the terminal state of one scheduler run.
type Outcome int

const (
	// OutcomeCompleted means the run drained: every descriptor is either
	// terminal or permanently blocked by a failed dependency.
	OutcomeCompleted Outcome = iota
	// OutcomeAborted means the run stopped early: the context was canceled
	// or the ledger could no longer be trusted.
	OutcomeAborted
)

func (o Outcome) String() string {
	if o == OutcomeAborted {
		return "aborted"
	}
	return "completed"
}

// RetryPolicy bounds the automatic retries of one stage. Only failures
// tagged transient are retried; a permanent failure is terminal after its
// first attempt.
type RetryPolicy struct {
	// MaxAttempts is the attempt budget per run, including the first.
	MaxAttempts int
	// InitialInterval seeds the exponential backoff between attempts.
	InitialInterval time.Duration
	// MaxInterval caps the backoff.
	MaxInterval time.Duration
}

// DefaultRetryPolicy applies to stages without an explicit policy.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     30 * time.Second,
}

// Options configures a Scheduler.
type Options struct {
	// Workers is the number of concurrent execution slots. Minimum 1.
	Workers int
	// Retry overrides the default policy per stage.
	Retry map[task.Stage]RetryPolicy
}

// Scheduler executes one descriptor set to completion.
type Scheduler struct {
	resolver *graph.Resolver
	ledger   ledger.Ledger
	registry *stages.Registry
	workers  int
	retry    map[task.Stage]RetryPolicy
}

// New builds a scheduler and verifies that every stage in the run has an
// executor, so a missing binding fails before any work starts.
func New(resolver *graph.Resolver, led ledger.Ledger, registry *stages.Registry, opts Options) (*Scheduler, error) {
	if opts.Workers < 1 {
		return nil, fmt.Errorf("worker count %d below minimum 1", opts.Workers)
	}
	if err := registry.Validate(resolver.Descriptors()); err != nil {
		return nil, err
	}
	return &Scheduler{
		resolver: resolver,
		ledger:   led,
		registry: registry,
		workers:  opts.Workers,
		retry:    opts.Retry,
	}, nil
}

func (s *Scheduler) policy(stage task.Stage) RetryPolicy {
	p, ok := s.retry[stage]
	if !ok {
		p = DefaultRetryPolicy
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultRetryPolicy.MaxInterval
	}
	return p
}

type job struct {
	desc task.Descriptor
	exec stages.Executor
	in   stages.Inputs
}

type result struct {
	desc task.Descriptor
	ref  stages.ArtifactRef
	err  error
}

// runState is the control goroutine's private view of the run. Nothing in
// here is shared with workers.
type runState struct {
	snap     ledger.Snapshot
	inflight map[string]struct{}
	attempts map[string]int
	// transient remembers whether a descriptor's last failure in this run
	// was tagged retryable.
	transient map[string]bool
	backoffs  map[string]*backoff.ExponentialBackOff
	retryAt   map[string]time.Time
}

// Run executes the descriptor set and returns when nothing is ready and
// nothing is in flight. Leaf failures do not stop the run; only context
// cancellation and ledger write failures do. The returned error is non-nil
// only for those fatal conditions.
func (s *Scheduler) Run(ctx context.Context) (Outcome, error) {
	logger := ctxlog.FromContext(ctx)

	// Cancellation only stops new dispatch. In-flight executions and the
	// ledger writes recording their outcomes run under a context that
	// survives it, so every started descriptor still reaches a terminal
	// status in the durable record.
	persist := context.WithoutCancel(ctx)

	snap, err := s.ledger.Snapshot(persist)
	if err != nil {
		return OutcomeAborted, ledger.Durability(err)
	}
	st := &runState{
		snap:      snap,
		inflight:  make(map[string]struct{}),
		attempts:  make(map[string]int),
		transient: make(map[string]bool),
		backoffs:  make(map[string]*backoff.ExponentialBackOff),
		retryAt:   make(map[string]time.Time),
	}
	if err := s.adoptInterrupted(persist, st); err != nil {
		return OutcomeAborted, err
	}

	dispatch := make(chan job, s.workers)
	results := make(chan result, s.workers)
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.worker(persist, id, dispatch, results)
		}(i)
	}
	defer func() {
		close(dispatch)
		wg.Wait()
	}()

	aborted := false
	var fatal error
	for {
		// Observe cancellation before dispatching, so a result arriving
		// together with the cancel cannot unlock new work.
		if !aborted && ctx.Err() != nil {
			logger.Warn("abort requested, letting in-flight work finish", "inflight", len(st.inflight))
			aborted, fatal = true, ctx.Err()
		}
		if !aborted {
			if err := s.dispatchReady(persist, st, dispatch); err != nil {
				logger.Error("run aborted", "error", err)
				aborted, fatal = true, err
			}
		}

		if len(st.inflight) == 0 {
			if aborted {
				return OutcomeAborted, fatal
			}
			eligible, next := s.pendingWork(st)
			if !eligible {
				logger.Debug("run drained, nothing ready and nothing in flight")
				return OutcomeCompleted, nil
			}
			// Everything eligible is waiting out a backoff.
			select {
			case <-time.After(time.Until(next)):
				continue
			case <-ctx.Done():
				return OutcomeAborted, ctx.Err()
			}
		}

		// Wake up for a due retry when a slot is free, not only on the
		// next worker result.
		var retryTimer <-chan time.Time
		if !aborted && len(st.inflight) < s.workers {
			if eligible, next := s.pendingWork(st); eligible {
				retryTimer = time.After(time.Until(next))
			}
		}

		select {
		case res := <-results:
			if err := s.settle(persist, st, res); err != nil {
				logger.Error("run aborted", "error", err)
				aborted, fatal = true, err
			}
		case <-retryTimer:
			// Re-enter the dispatch pass.
		case <-ctx.Done():
			if !aborted {
				logger.Warn("abort requested, letting in-flight work finish", "inflight", len(st.inflight))
				aborted, fatal = true, ctx.Err()
			}
			// Keep draining results so in-flight descriptors reach a
			// terminal status.
			res := <-results
			if err := s.settle(persist, st, res); err != nil && fatal == nil {
				fatal = err
			}
		}
	}
}

// adoptInterrupted marks entries a previous process left Running as failed,
// so this run can retry them instead of tripping the concurrency guard.
func (s *Scheduler) adoptInterrupted(ctx context.Context, st *runState) error {
	for id, e := range st.snap {
		if e.Status != ledger.StatusRunning {
			continue
		}
		cause := errors.New("interrupted by process restart")
		if err := s.ledger.RecordFailure(ctx, e.Descriptor, cause); err != nil {
			return err
		}
		e.Status = ledger.StatusFailed
		e.LastError = cause.Error()
		st.snap[id] = e
	}
	return nil
}

// retryable reports whether a failed entry may run again: entries that
// failed in an earlier run get one fresh attempt, entries that failed in
// this run only if the failure was transient and budget remains.
func (s *Scheduler) retryable(st *runState) func(ledger.Entry) bool {
	return func(e ledger.Entry) bool {
		id := e.Descriptor.ID()
		attempts := st.attempts[id]
		if attempts == 0 {
			return true
		}
		return st.transient[id] && attempts < s.policy(e.Descriptor.Stage).MaxAttempts
	}
}

// dispatchReady starts every descriptor that is ready, past its backoff,
// and fits in a free slot. The dispatch channel holds one slot per worker,
// so sends never block.
func (s *Scheduler) dispatchReady(ctx context.Context, st *runState, dispatch chan<- job) error {
	logger := ctxlog.FromContext(ctx)
	now := time.Now()
	for _, d := range s.resolver.ReadySet(st.snap, s.retryable(st)) {
		if len(st.inflight) >= s.workers {
			return nil
		}
		id := d.ID()
		if at, ok := st.retryAt[id]; ok && now.Before(at) {
			continue
		}
		exec, err := s.registry.Lookup(d.Stage)
		if err != nil {
			return err
		}

		if err := s.ledger.RecordStart(ctx, d); err != nil {
			if errors.Is(err, ledger.ErrAlreadyRunning) {
				return fmt.Errorf("concurrency violation on %s: %w", id, err)
			}
			return err
		}
		entry := st.snap[id]
		entry.Descriptor = d
		entry.Status = ledger.StatusRunning
		entry.Attempts++
		st.snap[id] = entry
		st.attempts[id]++
		st.inflight[id] = struct{}{}
		delete(st.retryAt, id)

		logger.Debug("descriptor dispatched", "id", id, "attempt", st.attempts[id])
		dispatch <- job{
			desc: d,
			exec: exec,
			in:   stages.Inputs{Satisfied: s.resolver.SatisfiedDependencies(id, st.snap)},
		}
	}
	return nil
}

// settle records one worker result in the ledger and arms a retry when the
// failure allows it.
func (s *Scheduler) settle(ctx context.Context, st *runState, res result) error {
	logger := ctxlog.FromContext(ctx)
	id := res.desc.ID()
	delete(st.inflight, id)
	entry := st.snap[id]
	entry.Descriptor = res.desc

	if res.err == nil {
		if err := s.ledger.RecordSuccess(ctx, res.desc); err != nil {
			return err
		}
		entry.Status = ledger.StatusSucceeded
		entry.LastError = ""
		st.snap[id] = entry
		logger.Info("descriptor succeeded", "id", id, "artifacts", len(res.ref.Paths), "rows", res.ref.Rows)
		return nil
	}

	if err := s.ledger.RecordFailure(ctx, res.desc, res.err); err != nil {
		return err
	}
	entry.Status = ledger.StatusFailed
	entry.LastError = res.err.Error()
	st.snap[id] = entry
	st.transient[id] = stages.IsTransient(res.err)

	pol := s.policy(res.desc.Stage)
	if st.transient[id] && st.attempts[id] < pol.MaxAttempts {
		bo, ok := st.backoffs[id]
		if !ok {
			bo = backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(pol.InitialInterval),
				backoff.WithMaxInterval(pol.MaxInterval),
				backoff.WithMaxElapsedTime(0),
			)
			st.backoffs[id] = bo
		}
		delay := bo.NextBackOff()
		st.retryAt[id] = time.Now().Add(delay)
		logger.Warn("descriptor failed, retry scheduled",
			"id", id, "attempt", st.attempts[id], "delay", delay, "error", res.err)
		return nil
	}

	logger.Error("descriptor failed", "id", id, "attempt", st.attempts[id], "error", res.err)
	return nil
}

// pendingWork reports whether any descriptor could still run, and if so the
// earliest time one becomes dispatchable again.
func (s *Scheduler) pendingWork(st *runState) (bool, time.Time) {
	ready := s.resolver.ReadySet(st.snap, s.retryable(st))
	if len(ready) == 0 {
		return false, time.Time{}
	}
	var next time.Time
	for _, d := range ready {
		if at, ok := st.retryAt[d.ID()]; ok {
			if next.IsZero() || at.Before(next) {
				next = at
			}
		}
	}
	if next.IsZero() {
		next = time.Now()
	}
	return true, next
}

func (s *Scheduler) worker(ctx context.Context, id int, jobs <-chan job, results chan<- result) {
	logger := ctxlog.FromContext(ctx).With("worker", id)
	for j := range jobs {
		logger.Debug("descriptor picked up", "id", j.desc.ID())
		ref, err := j.exec.Execute(ctx, j.desc, j.in)
		results <- result{desc: j.desc, ref: ref, err: err}
	}
}
