package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/vk/aisflow/internal/task"
)

// Memory is an in-process ledger. It enforces the full transition rules but
// persists nothing; it backs tests and serves as the replay target of the
// file ledger.
type Memory struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

// Seed implements Ledger.
func (m *Memory) Seed(_ context.Context, descs []task.Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range descs {
		if _, ok := m.entries[d.ID()]; !ok {
			m.entries[d.ID()] = Entry{Descriptor: d, Status: StatusPending}
		}
	}
	return nil
}

// RecordStart implements Ledger.
func (m *Memory) RecordStart(_ context.Context, d task.Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[d.ID()]
	if !ok {
		e = Entry{Descriptor: d, Status: StatusPending}
	}
	switch e.Status {
	case StatusRunning:
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, d.ID())
	case StatusSucceeded:
		return fmt.Errorf("%w: %s already succeeded", ErrInvalidTransition, d.ID())
	}
	e.Status = StatusRunning
	e.Attempts++
	m.entries[d.ID()] = e
	return nil
}

// RecordSuccess implements Ledger.
func (m *Memory) RecordSuccess(_ context.Context, d task.Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[d.ID()]
	if !ok {
		return fmt.Errorf("%w: success for unknown entry %s", ErrInvalidTransition, d.ID())
	}
	if e.Status == StatusSucceeded {
		return nil // duplicate success reports are tolerated
	}
	if e.Status != StatusRunning {
		return fmt.Errorf("%w: success for %s in state %s", ErrInvalidTransition, d.ID(), e.Status)
	}
	e.Status = StatusSucceeded
	e.LastError = ""
	m.entries[d.ID()] = e
	return nil
}

// RecordFailure implements Ledger.
func (m *Memory) RecordFailure(_ context.Context, d task.Descriptor, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[d.ID()]
	if !ok {
		return fmt.Errorf("%w: failure for unknown entry %s", ErrInvalidTransition, d.ID())
	}
	if e.Status == StatusSucceeded {
		return fmt.Errorf("%w: failure for %s after success", ErrInvalidTransition, d.ID())
	}
	e.Status = StatusFailed
	if cause != nil {
		e.LastError = cause.Error()
	}
	m.entries[d.ID()] = e
	return nil
}

// Snapshot implements Ledger.
func (m *Memory) Snapshot(_ context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := make(Snapshot, len(m.entries))
	for id, e := range m.entries {
		snap[id] = e
	}
	return snap, nil
}

var _ Ledger = (*Memory)(nil)
