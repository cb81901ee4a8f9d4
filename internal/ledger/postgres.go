package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vk/aisflow/internal/task"
)

// Postgres is a ledger backed by the task_ledger table. Entries are scoped
// to a run id, so re-invoking the same run resumes its prior state while a
// fresh run starts clean. The conditional UPDATE in RecordStart makes the
// at-most-one-Running guard hold across processes, not just goroutines.
type Postgres struct {
	pool  *pgxpool.Pool
	runID string
}

// NewPostgres returns a ledger writing to pool under the given run id.
func NewPostgres(pool *pgxpool.Pool, runID string) *Postgres {
	return &Postgres{pool: pool, runID: runID}
}

// Seed implements Ledger.
func (l *Postgres) Seed(ctx context.Context, descs []task.Descriptor) error {
	for _, d := range descs {
		params, err := json.Marshal(d.Params)
		if err != nil {
			return Durability(err)
		}
		_, err = l.pool.Exec(ctx, `
			INSERT INTO task_ledger (run_id, stage, key, params, status, attempts)
			VALUES ($1, $2, $3, $4, 'pending', 0)
			ON CONFLICT (run_id, stage, key) DO NOTHING`,
			l.runID, d.Stage.String(), d.Key, params)
		if err != nil {
			return Durability(err)
		}
	}
	return nil
}

// RecordStart implements Ledger.
func (l *Postgres) RecordStart(ctx context.Context, d task.Descriptor) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE task_ledger
		SET status = 'running', attempts = attempts + 1, updated_at = now()
		WHERE run_id = $1 AND stage = $2 AND key = $3
		  AND status IN ('pending', 'failed')`,
		l.runID, d.Stage.String(), d.Key)
	if err != nil {
		return Durability(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var status string
	err = l.pool.QueryRow(ctx, `
		SELECT status FROM task_ledger
		WHERE run_id = $1 AND stage = $2 AND key = $3`,
		l.runID, d.Stage.String(), d.Key).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%w: start for unseeded entry %s", ErrInvalidTransition, d.ID())
	case err != nil:
		return Durability(err)
	case status == "running":
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, d.ID())
	default:
		return fmt.Errorf("%w: start for %s in state %s", ErrInvalidTransition, d.ID(), status)
	}
}

// RecordSuccess implements Ledger.
func (l *Postgres) RecordSuccess(ctx context.Context, d task.Descriptor) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE task_ledger
		SET status = 'succeeded', last_error = NULL, updated_at = now()
		WHERE run_id = $1 AND stage = $2 AND key = $3
		  AND status IN ('running', 'succeeded')`,
		l.runID, d.Stage.String(), d.Key)
	if err != nil {
		return Durability(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: success for %s not in running state", ErrInvalidTransition, d.ID())
	}
	return nil
}

// RecordFailure implements Ledger.
func (l *Postgres) RecordFailure(ctx context.Context, d task.Descriptor, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	tag, err := l.pool.Exec(ctx, `
		UPDATE task_ledger
		SET status = 'failed', last_error = $4, updated_at = now()
		WHERE run_id = $1 AND stage = $2 AND key = $3
		  AND status <> 'succeeded'`,
		l.runID, d.Stage.String(), d.Key, msg)
	if err != nil {
		return Durability(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: failure for %s after success", ErrInvalidTransition, d.ID())
	}
	return nil
}

// Snapshot implements Ledger.
func (l *Postgres) Snapshot(ctx context.Context) (Snapshot, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT stage, key, params, status, attempts, COALESCE(last_error, '')
		FROM task_ledger WHERE run_id = $1`, l.runID)
	if err != nil {
		return nil, Durability(err)
	}
	defer rows.Close()

	snap := make(Snapshot)
	for rows.Next() {
		var stageName, key, statusName, lastErr string
		var params []byte
		var attempts int
		if err := rows.Scan(&stageName, &key, &params, &statusName, &attempts, &lastErr); err != nil {
			return nil, Durability(err)
		}
		stage, err := task.ParseStage(stageName)
		if err != nil {
			return nil, err
		}
		status, err := ParseStatus(statusName)
		if err != nil {
			return nil, err
		}
		var paramMap map[string]string
		if len(params) > 0 {
			if err := json.Unmarshal(params, &paramMap); err != nil {
				return nil, fmt.Errorf("decode params for %s/%s: %w", stageName, key, err)
			}
		}
		d := task.Descriptor{Stage: stage, Key: key, Params: paramMap}
		snap[d.ID()] = Entry{Descriptor: d, Status: status, Attempts: attempts, LastError: lastErr}
	}
	if err := rows.Err(); err != nil {
		return nil, Durability(err)
	}
	return snap, nil
}

var _ Ledger = (*Postgres)(nil)
