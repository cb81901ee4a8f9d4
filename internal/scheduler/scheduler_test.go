package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/aisflow/internal/graph"
	"github.com/vk/aisflow/internal/ledger"
	"github.com/vk/aisflow/internal/stages"
	"github.com/vk/aisflow/internal/task"
)

type execFunc func(ctx context.Context, d task.Descriptor, in stages.Inputs) (stages.ArtifactRef, error)

func (f execFunc) Execute(ctx context.Context, d task.Descriptor, in stages.Inputs) (stages.ArtifactRef, error) {
	return f(ctx, d, in)
}

// recorder is a thread-safe trace of executions.
type recorder struct {
	mu    sync.Mutex
	order []string
	calls map[string]int
	in    map[string]stages.Inputs
}

func newRecorder() *recorder {
	return &recorder{calls: make(map[string]int), in: make(map[string]stages.Inputs)}
}

func (r *recorder) note(d task.Descriptor, in stages.Inputs) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, d.ID())
	r.calls[d.ID()]++
	r.in[d.ID()] = in
}

func (r *recorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func (r *recorder) indexOf(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, got := range r.order {
		if got == id {
			return i
		}
	}
	return -1
}

// pipeline returns the descriptor set for the given archive keys plus the
// load join.
func pipeline(keys ...string) []task.Descriptor {
	var descs []task.Descriptor
	for _, k := range keys {
		descs = append(descs,
			task.Descriptor{Stage: task.Decompress, Key: k},
			task.Descriptor{Stage: task.Clean, Key: k},
			task.Descriptor{Stage: task.Dedup, Key: k},
		)
	}
	descs = append(descs, task.Descriptor{Stage: task.Load, Key: "run"})
	return descs
}

// newRun wires a resolver, a seeded in-memory ledger, and a registry binding
// the same executor to every stage.
func newRun(t *testing.T, exec stages.Executor, keys ...string) (*graph.Resolver, *ledger.Memory, *stages.Registry) {
	t.Helper()
	descs := pipeline(keys...)
	resolver, err := graph.New(descs)
	require.NoError(t, err)

	led := ledger.NewMemory()
	require.NoError(t, led.Seed(context.Background(), descs))

	reg := stages.NewRegistry()
	for _, stage := range task.Stages {
		reg.Register(stage, exec)
	}
	return resolver, led, reg
}

func statuses(t *testing.T, led ledger.Ledger) map[string]ledger.Status {
	t.Helper()
	snap, err := led.Snapshot(context.Background())
	require.NoError(t, err)
	out := make(map[string]ledger.Status, len(snap))
	for id, e := range snap {
		out[id] = e.Status
	}
	return out
}

// quickRetry keeps test backoffs in the microsecond range.
func quickRetry(attempts int) map[task.Stage]RetryPolicy {
	retry := make(map[task.Stage]RetryPolicy)
	for _, stage := range task.Stages {
		retry[stage] = RetryPolicy{
			MaxAttempts:     attempts,
			InitialInterval: time.Microsecond,
			MaxInterval:     time.Millisecond,
		}
	}
	return retry
}

func TestNewValidatesOptions(t *testing.T) {
	rec := newRecorder()
	exec := execFunc(func(_ context.Context, d task.Descriptor, in stages.Inputs) (stages.ArtifactRef, error) {
		rec.note(d, in)
		return stages.ArtifactRef{}, nil
	})
	resolver, led, reg := newRun(t, exec, "a.zip")

	_, err := New(resolver, led, reg, Options{Workers: 0})
	assert.ErrorContains(t, err, "below minimum")

	_, err = New(resolver, led, stages.NewRegistry(), Options{Workers: 1})
	assert.ErrorContains(t, err, "no executor registered")
}

func TestRunExecutesWholeGraph(t *testing.T) {
	rec := newRecorder()
	exec := execFunc(func(_ context.Context, d task.Descriptor, in stages.Inputs) (stages.ArtifactRef, error) {
		rec.note(d, in)
		return stages.ArtifactRef{}, nil
	})
	resolver, led, reg := newRun(t, exec, "a.zip", "b.zip")

	s, err := New(resolver, led, reg, Options{Workers: 4})
	require.NoError(t, err)
	outcome, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	for id, status := range statuses(t, led) {
		assert.Equal(t, ledger.StatusSucceeded, status, id)
		assert.Equal(t, 1, rec.count(id), id)
	}

	// Dependency order holds per branch, and the join runs last.
	for _, key := range []string{"a.zip", "b.zip"} {
		assert.Less(t, rec.indexOf("decompress/"+key), rec.indexOf("clean/"+key))
		assert.Less(t, rec.indexOf("clean/"+key), rec.indexOf("dedup/"+key))
		assert.Less(t, rec.indexOf("dedup/"+key), rec.indexOf("load/run"))
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	rec := newRecorder()
	var mu sync.Mutex
	failures := 2
	exec := execFunc(func(_ context.Context, d task.Descriptor, in stages.Inputs) (stages.ArtifactRef, error) {
		rec.note(d, in)
		if d.ID() == "decompress/a.zip" {
			mu.Lock()
			defer mu.Unlock()
			if failures > 0 {
				failures--
				return stages.ArtifactRef{}, stages.Transient(errors.New("flaky disk"))
			}
		}
		return stages.ArtifactRef{}, nil
	})
	resolver, led, reg := newRun(t, exec, "a.zip")

	s, err := New(resolver, led, reg, Options{Workers: 2, Retry: quickRetry(3)})
	require.NoError(t, err)
	outcome, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	assert.Equal(t, 3, rec.count("decompress/a.zip"))
	snap, err := led.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSucceeded, snap["decompress/a.zip"].Status)
	assert.Equal(t, 3, snap["decompress/a.zip"].Attempts)
}

func TestRunExhaustsRetryBudget(t *testing.T) {
	rec := newRecorder()
	exec := execFunc(func(_ context.Context, d task.Descriptor, in stages.Inputs) (stages.ArtifactRef, error) {
		rec.note(d, in)
		if d.Stage == task.Decompress {
			return stages.ArtifactRef{}, stages.Transient(errors.New("still flaky"))
		}
		return stages.ArtifactRef{}, nil
	})
	resolver, led, reg := newRun(t, exec, "a.zip")

	s, err := New(resolver, led, reg, Options{Workers: 1, Retry: quickRetry(2)})
	require.NoError(t, err)
	outcome, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	assert.Equal(t, 2, rec.count("decompress/a.zip"))
	got := statuses(t, led)
	assert.Equal(t, ledger.StatusFailed, got["decompress/a.zip"])
	assert.Equal(t, ledger.StatusPending, got["clean/a.zip"])
	assert.Equal(t, ledger.StatusPending, got["load/run"])
}

func TestRunDoesNotRetryPermanentFailures(t *testing.T) {
	rec := newRecorder()
	exec := execFunc(func(_ context.Context, d task.Descriptor, in stages.Inputs) (stages.ArtifactRef, error) {
		rec.note(d, in)
		if d.ID() == "decompress/a.zip" {
			return stages.ArtifactRef{}, stages.Permanent(errors.New("truncated archive"))
		}
		return stages.ArtifactRef{}, nil
	})
	resolver, led, reg := newRun(t, exec, "a.zip", "b.zip")

	s, err := New(resolver, led, reg, Options{Workers: 2, Retry: quickRetry(5)})
	require.NoError(t, err)
	outcome, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	assert.Equal(t, 1, rec.count("decompress/a.zip"), "permanent failures burn one attempt")

	got := statuses(t, led)
	assert.Equal(t, ledger.StatusFailed, got["decompress/a.zip"])
	assert.Equal(t, ledger.StatusPending, got["clean/a.zip"])
	assert.Equal(t, ledger.StatusPending, got["dedup/a.zip"])
	// The sibling branch and the join still complete.
	assert.Equal(t, ledger.StatusSucceeded, got["dedup/b.zip"])
	assert.Equal(t, ledger.StatusSucceeded, got["load/run"])
}

func TestRunJoinReceivesSurvivingBranches(t *testing.T) {
	rec := newRecorder()
	exec := execFunc(func(_ context.Context, d task.Descriptor, in stages.Inputs) (stages.ArtifactRef, error) {
		rec.note(d, in)
		if d.ID() == "decompress/c.zip" {
			return stages.ArtifactRef{}, stages.Permanent(errors.New("corrupt member"))
		}
		return stages.ArtifactRef{}, nil
	})
	resolver, led, reg := newRun(t, exec, "a.zip", "b.zip", "c.zip")

	s, err := New(resolver, led, reg, Options{Workers: 3})
	require.NoError(t, err)
	outcome, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	rec.mu.Lock()
	in := rec.in["load/run"]
	rec.mu.Unlock()
	var keys []string
	for _, dep := range in.SatisfiedAt(task.Dedup) {
		keys = append(keys, dep.Key)
	}
	assert.ElementsMatch(t, []string{"a.zip", "b.zip"}, keys)
}

func TestRunHonorsConcurrencyLimit(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	exec := execFunc(func(_ context.Context, d task.Descriptor, _ stages.Inputs) (stages.ArtifactRef, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return stages.ArtifactRef{}, nil
	})
	resolver, led, reg := newRun(t, exec, "a.zip", "b.zip", "c.zip", "d.zip")

	s, err := New(resolver, led, reg, Options{Workers: 1})
	require.NoError(t, err)
	_, err = s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, peak, "one worker means strictly serial execution")
	assert.Equal(t, ledger.StatusSucceeded, statuses(t, led)["load/run"])
}

func TestRunOverlapsIndependentBranches(t *testing.T) {
	// Both roots must be in flight at once before either may proceed, so a
	// serial scheduler would deadlock here instead of passing.
	arrivals := make(chan struct{}, 2)
	proceed := make(chan struct{})
	var once sync.Once
	exec := execFunc(func(ctx context.Context, d task.Descriptor, _ stages.Inputs) (stages.ArtifactRef, error) {
		if d.Stage == task.Decompress {
			arrivals <- struct{}{}
			if len(arrivals) == 2 {
				once.Do(func() { close(proceed) })
			}
			select {
			case <-proceed:
			case <-ctx.Done():
				return stages.ArtifactRef{}, ctx.Err()
			}
		}
		return stages.ArtifactRef{}, nil
	})
	resolver, led, reg := newRun(t, exec, "a.zip", "b.zip")

	s, err := New(resolver, led, reg, Options{Workers: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	outcome, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
}

func TestRunAbort(t *testing.T) {
	rec := newRecorder()
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	exec := execFunc(func(_ context.Context, d task.Descriptor, in stages.Inputs) (stages.ArtifactRef, error) {
		rec.note(d, in)
		started <- struct{}{}
		<-release
		return stages.ArtifactRef{}, nil
	})
	resolver, led, reg := newRun(t, exec, "a.zip", "b.zip")

	s, err := New(resolver, led, reg, Options{Workers: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var outcome Outcome
	go func() {
		defer close(done)
		outcome, _ = s.Run(ctx)
	}()

	<-started
	<-started
	cancel()
	close(release)
	<-done

	assert.Equal(t, OutcomeAborted, outcome)
	got := statuses(t, led)
	// In-flight work finished and reached a terminal status; nothing new
	// was dispatched after the cancellation.
	assert.Equal(t, ledger.StatusSucceeded, got["decompress/a.zip"])
	assert.Equal(t, ledger.StatusSucceeded, got["decompress/b.zip"])
	assert.Equal(t, ledger.StatusPending, got["clean/a.zip"])
	assert.Equal(t, ledger.StatusPending, got["clean/b.zip"])
	assert.Equal(t, ledger.StatusPending, got["load/run"])
	assert.Equal(t, 1, rec.count("decompress/a.zip"))
}

// cancelSensitiveLedger refuses writes once the caller's context is canceled,
// the way a database-backed ledger does.
type cancelSensitiveLedger struct {
	ledger.Ledger
}

func (l *cancelSensitiveLedger) RecordStart(ctx context.Context, d task.Descriptor) error {
	if err := ctx.Err(); err != nil {
		return ledger.Durability(err)
	}
	return l.Ledger.RecordStart(ctx, d)
}

func (l *cancelSensitiveLedger) RecordSuccess(ctx context.Context, d task.Descriptor) error {
	if err := ctx.Err(); err != nil {
		return ledger.Durability(err)
	}
	return l.Ledger.RecordSuccess(ctx, d)
}

func (l *cancelSensitiveLedger) RecordFailure(ctx context.Context, d task.Descriptor, cause error) error {
	if err := ctx.Err(); err != nil {
		return ledger.Durability(err)
	}
	return l.Ledger.RecordFailure(ctx, d, cause)
}

func TestRunAbortRecordsInFlightDespiteCanceledContext(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	exec := execFunc(func(_ context.Context, d task.Descriptor, _ stages.Inputs) (stages.ArtifactRef, error) {
		if d.Stage == task.Decompress {
			started <- struct{}{}
			<-release
		}
		return stages.ArtifactRef{}, nil
	})
	resolver, led, reg := newRun(t, exec, "a.zip", "b.zip")

	s, err := New(resolver, &cancelSensitiveLedger{Ledger: led}, reg, Options{Workers: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var outcome Outcome
	var runErr error
	go func() {
		defer close(done)
		outcome, runErr = s.Run(ctx)
	}()

	<-started
	<-started
	cancel()
	close(release)
	<-done

	assert.Equal(t, OutcomeAborted, outcome)
	assert.ErrorIs(t, runErr, context.Canceled)
	assert.NotErrorIs(t, runErr, ledger.ErrDurability)

	// Both in-flight descriptors were recorded terminal even though the run
	// context was already canceled when their results came back.
	got := statuses(t, led)
	assert.Equal(t, ledger.StatusSucceeded, got["decompress/a.zip"])
	assert.Equal(t, ledger.StatusSucceeded, got["decompress/b.zip"])
	assert.Equal(t, ledger.StatusPending, got["clean/a.zip"])
}

// failingLedger breaks on the first success write, simulating a journal the
// run can no longer trust.
type failingLedger struct {
	ledger.Ledger
}

func (f *failingLedger) RecordSuccess(context.Context, task.Descriptor) error {
	return ledger.Durability(errors.New("disk full"))
}

func TestRunAbortsWhenLedgerWriteFails(t *testing.T) {
	exec := execFunc(func(context.Context, task.Descriptor, stages.Inputs) (stages.ArtifactRef, error) {
		return stages.ArtifactRef{}, nil
	})
	resolver, led, reg := newRun(t, exec, "a.zip")

	s, err := New(resolver, &failingLedger{Ledger: led}, reg, Options{Workers: 1})
	require.NoError(t, err)

	outcome, err := s.Run(context.Background())
	assert.Equal(t, OutcomeAborted, outcome)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrDurability)
}

func TestRunAfterSuccessDoesNothing(t *testing.T) {
	rec := newRecorder()
	exec := execFunc(func(_ context.Context, d task.Descriptor, in stages.Inputs) (stages.ArtifactRef, error) {
		rec.note(d, in)
		return stages.ArtifactRef{}, nil
	})
	resolver, led, reg := newRun(t, exec, "a.zip")

	s, err := New(resolver, led, reg, Options{Workers: 2})
	require.NoError(t, err)
	_, err = s.Run(context.Background())
	require.NoError(t, err)
	first := rec.count("load/run")
	require.Equal(t, 1, first)

	// A second run over the same ledger finds everything done.
	s2, err := New(resolver, led, reg, Options{Workers: 2})
	require.NoError(t, err)
	outcome, err := s2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	for id, n := range rec.calls {
		assert.Equal(t, 1, n, id)
	}
}

func TestRunAdoptsInterruptedEntries(t *testing.T) {
	rec := newRecorder()
	exec := execFunc(func(_ context.Context, d task.Descriptor, in stages.Inputs) (stages.ArtifactRef, error) {
		rec.note(d, in)
		return stages.ArtifactRef{}, nil
	})
	resolver, led, reg := newRun(t, exec, "a.zip")

	// A previous process died while decompress was running.
	stale := task.Descriptor{Stage: task.Decompress, Key: "a.zip"}
	require.NoError(t, led.RecordStart(context.Background(), stale))

	s, err := New(resolver, led, reg, Options{Workers: 1})
	require.NoError(t, err)
	outcome, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	assert.Equal(t, 1, rec.count("decompress/a.zip"))
	got := statuses(t, led)
	for id, status := range got {
		assert.Equal(t, ledger.StatusSucceeded, status, id)
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "completed", OutcomeCompleted.String())
	assert.Equal(t, "aborted", fmt.Sprint(OutcomeAborted))
}
