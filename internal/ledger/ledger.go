// Package ledger tracks the durable completion state of every pipeline
// descriptor. The ledger exclusively owns entry lifecycle: executors report
// outcomes to the scheduler, and only the scheduler writes here.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/vk/aisflow/internal/task"
)

// Status is the lifecycle state of one ledger entry. Transitions only move
// forward: Pending→Running→{Succeeded|Failed}, plus Failed→Running when the
// scheduler retries.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
)

var statusNames = map[Status]string{
	StatusPending:   "pending",
	StatusRunning:   "running",
	StatusSucceeded: "succeeded",
	StatusFailed:    "failed",
}

// String returns the lowercase status name.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ParseStatus converts a status name back into a Status.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

var (
	// ErrAlreadyRunning is returned by RecordStart when another attempt for
	// the same identity is concurrently running. The scheduler prevents
	// this; observing it indicates a scheduling bug.
	ErrAlreadyRunning = errors.New("descriptor is already running")

	// ErrDurability wraps any failure to persist a ledger transition. A run
	// cannot safely continue without a trustworthy completion record, so
	// callers must abort on it.
	ErrDurability = errors.New("ledger write failed")

	// ErrInvalidTransition is returned when a recorded transition would move
	// an entry backwards (e.g. failing an entry that already succeeded).
	ErrInvalidTransition = errors.New("invalid ledger transition")
)

// Durability wraps err as a durability failure.
func Durability(err error) error {
	return fmt.Errorf("%w: %v", ErrDurability, err)
}

// Entry is the ledger record for one descriptor identity.
type Entry struct {
	Descriptor task.Descriptor
	Status     Status
	Attempts   int
	LastError  string
}

// Snapshot is a consistent point-in-time view of all entries, keyed by
// descriptor ID. It is a detached copy; mutating it does not touch the ledger.
type Snapshot map[string]Entry

// Status returns the entry status for the descriptor, defaulting to Pending
// for identities the snapshot has never seen.
func (s Snapshot) Status(d task.Descriptor) Status {
	if e, ok := s[d.ID()]; ok {
		return e.Status
	}
	return StatusPending
}

// Ledger is the durable completion record consulted before scheduling and
// written after execution.
type Ledger interface {
	// Seed inserts a Pending entry for every descriptor not already present.
	// Existing entries, whatever their status, are left untouched.
	Seed(ctx context.Context, descs []task.Descriptor) error

	// RecordStart transitions the entry to Running and increments its
	// attempt count. Returns ErrAlreadyRunning if the identity is
	// concurrently Running, and ErrInvalidTransition if it already succeeded.
	RecordStart(ctx context.Context, d task.Descriptor) error

	// RecordSuccess transitions the entry to Succeeded. Idempotent when the
	// entry already succeeded.
	RecordSuccess(ctx context.Context, d task.Descriptor) error

	// RecordFailure transitions the entry to Failed and stores the error.
	RecordFailure(ctx context.Context, d task.Descriptor, cause error) error

	// Snapshot returns a consistent view of all entries.
	Snapshot(ctx context.Context) (Snapshot, error)
}
