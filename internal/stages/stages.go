// Package stages implements the four pipeline stage executors and the
// registry the scheduler dispatches through.
package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/vk/aisflow/internal/task"
)

// ArtifactRef describes what one execution produced: file artifacts for the
// filesystem stages, row counts for the database stage.
type ArtifactRef struct {
	// Paths are the produced artifact locations.
	Paths []string
	// Rows is the number of records written, where the stage counts rows.
	Rows int
	// Dropped counts discarded inputs: malformed lines for Clean, duplicate
	// reports for Dedup.
	Dropped int
}

// ErrorKind classifies an execution failure for the scheduler's retry
// decision.
type ErrorKind int

const (
	// KindPermanent marks failures that will not succeed on retry
	// (malformed input, schema violations). The default for unclassified
	// errors.
	KindPermanent ErrorKind = iota
	// KindTransient marks failures worth retrying (I/O timeouts, lock
	// contention).
	KindTransient
)

// ExecError is the tagged failure returned by executors. The scheduler
// inspects Kind rather than matching error text.
type ExecError struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *ExecError) Error() string { return e.Err.Error() }

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *ExecError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable execution failure.
func Transient(err error) error {
	return &ExecError{Kind: KindTransient, Err: err}
}

// Permanent wraps err as a non-retryable execution failure.
func Permanent(err error) error {
	return &ExecError{Kind: KindPermanent, Err: err}
}

// IsTransient reports whether err is tagged retryable. Untagged errors are
// treated as permanent.
func IsTransient(err error) bool {
	var ee *ExecError
	return errors.As(err, &ee) && ee.Kind == KindTransient
}

// Inputs carries the dependencies that were satisfied when a descriptor was
// dispatched. For the chain stages this is at most one predecessor; for the
// join stage it lists every upstream descriptor that actually succeeded,
// which may be a subset of the full run when an independent branch failed.
type Inputs struct {
	Satisfied []task.Descriptor
}

// SatisfiedAt returns the satisfied dependencies belonging to one stage.
func (in Inputs) SatisfiedAt(stage task.Stage) []task.Descriptor {
	var out []task.Descriptor
	for _, d := range in.Satisfied {
		if d.Stage == stage {
			out = append(out, d)
		}
	}
	return out
}

// Executor runs one stage. Implementations must be safe for concurrent use:
// the scheduler calls Execute from multiple workers at once (always for
// distinct descriptors).
type Executor interface {
	Execute(ctx context.Context, d task.Descriptor, in Inputs) (ArtifactRef, error)
}

// Registry maps each stage to its executor.
type Registry struct {
	executors map[task.Stage]Executor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[task.Stage]Executor)}
}

// Register binds an executor to a stage, replacing any previous binding.
func (r *Registry) Register(stage task.Stage, e Executor) {
	r.executors[stage] = e
}

// Lookup returns the executor for a stage.
func (r *Registry) Lookup(stage task.Stage) (Executor, error) {
	e, ok := r.executors[stage]
	if !ok {
		return nil, fmt.Errorf("no executor registered for stage %s", stage)
	}
	return e, nil
}

// Validate checks that every stage in the given descriptor set has an
// executor, so a missing binding fails the run at construction rather than
// mid-flight.
func (r *Registry) Validate(descs []task.Descriptor) error {
	for _, d := range descs {
		if _, ok := r.executors[d.Stage]; !ok {
			return fmt.Errorf("no executor registered for stage %s (needed by %s)", d.Stage, d.ID())
		}
	}
	return nil
}
