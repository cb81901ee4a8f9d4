package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vk/aisflow/internal/task"
)

// File is a ledger journaled to a local JSON-lines file so that runs without
// a database remain resumable across restarts. Each transition appends the
// entry's full post-transition state and syncs before returning; on open the
// journal is replayed, last record per identity winning.
type File struct {
	mem  *Memory
	f    *os.File
	path string
}

// record is the serialized form of one journal line.
type record struct {
	ID       string            `json:"id"`
	Params   map[string]string `json:"params,omitempty"`
	Status   string            `json:"status"`
	Attempts int               `json:"attempts"`
	Error    string            `json:"error,omitempty"`
}

// OpenFile opens (or creates) the journal at path and replays it.
func OpenFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger journal: %w", err)
	}

	mem := NewMemory()
	if err := replay(f, mem); err != nil {
		f.Close()
		return nil, fmt.Errorf("replay ledger journal %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	return &File{mem: mem, f: f, path: path}, nil
}

// Close closes the underlying journal file.
func (l *File) Close() error {
	return l.f.Close()
}

func replay(r io.Reader, mem *Memory) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		stage, key, err := task.ParseID(rec.ID)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		status, err := ParseStatus(rec.Status)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		mem.mu.Lock()
		mem.entries[rec.ID] = Entry{
			Descriptor: task.Descriptor{Stage: stage, Key: key, Params: rec.Params},
			Status:     status,
			Attempts:   rec.Attempts,
			LastError:  rec.Error,
		}
		mem.mu.Unlock()
	}
	return scanner.Err()
}

// append journals the current state of the entry for d. Failures wrap
// ErrDurability since the on-disk record no longer matches memory.
func (l *File) append(d task.Descriptor) error {
	l.mem.mu.Lock()
	e := l.mem.entries[d.ID()]
	l.mem.mu.Unlock()

	rec := record{
		ID:       d.ID(),
		Params:   d.Params,
		Status:   e.Status.String(),
		Attempts: e.Attempts,
		Error:    e.LastError,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return Durability(err)
	}
	if _, err := l.f.Write(append(data, '\n')); err != nil {
		return Durability(err)
	}
	if err := l.f.Sync(); err != nil {
		return Durability(err)
	}
	return nil
}

// Seed implements Ledger.
func (l *File) Seed(ctx context.Context, descs []task.Descriptor) error {
	snap, err := l.mem.Snapshot(ctx)
	if err != nil {
		return err
	}
	if err := l.mem.Seed(ctx, descs); err != nil {
		return err
	}
	for _, d := range descs {
		if _, seen := snap[d.ID()]; seen {
			continue
		}
		if err := l.append(d); err != nil {
			return err
		}
	}
	return nil
}

// RecordStart implements Ledger.
func (l *File) RecordStart(ctx context.Context, d task.Descriptor) error {
	if err := l.mem.RecordStart(ctx, d); err != nil {
		return err
	}
	return l.append(d)
}

// RecordSuccess implements Ledger.
func (l *File) RecordSuccess(ctx context.Context, d task.Descriptor) error {
	if err := l.mem.RecordSuccess(ctx, d); err != nil {
		return err
	}
	return l.append(d)
}

// RecordFailure implements Ledger.
func (l *File) RecordFailure(ctx context.Context, d task.Descriptor, cause error) error {
	if err := l.mem.RecordFailure(ctx, d, cause); err != nil {
		return err
	}
	return l.append(d)
}

// Snapshot implements Ledger.
func (l *File) Snapshot(ctx context.Context) (Snapshot, error) {
	return l.mem.Snapshot(ctx)
}

var _ Ledger = (*File)(nil)
