package stages

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vk/aisflow/internal/ctxlog"
	"github.com/vk/aisflow/internal/fsutil"
	"github.com/vk/aisflow/internal/store"
	"github.com/vk/aisflow/internal/task"
)

// CleanFileLoader is the slice of the store the loader needs.
type CleanFileLoader interface {
	LoadCleanFile(ctx context.Context, path string) (store.LoadResult, error)
	EnsureIndexes(ctx context.Context) error
}

// Loader is the join-point executor: it loads the deduplicated output of
// every upstream descriptor that succeeded into the database and finishes by
// ensuring the lookup indexes exist. Archives whose branch failed upstream
// simply do not appear in its inputs.
type Loader struct {
	Workspace fsutil.Workspace
	Store     CleanFileLoader
}

// Execute implements Executor.
func (e *Loader) Execute(ctx context.Context, d task.Descriptor, in Inputs) (ArtifactRef, error) {
	logger := ctxlog.FromContext(ctx).With("stage", "load")

	deps := in.SatisfiedAt(task.Dedup)
	if len(deps) == 0 {
		return ArtifactRef{}, Permanent(fmt.Errorf("%s has no dedup outputs to load", d.ID()))
	}

	ref := ArtifactRef{}
	for _, dep := range deps {
		path := e.Workspace.DedupFile(fsutil.ArchiveBase(dep.Key))
		if _, err := os.Stat(path); err != nil {
			// The dedup stage succeeded, so its output must exist.
			return ArtifactRef{}, Permanent(fmt.Errorf("dedup output missing: %w", err))
		}
		res, err := e.Store.LoadCleanFile(ctx, path)
		if err != nil {
			return ArtifactRef{}, classifyDBError(err)
		}
		logger.Info("file loaded", "file", path, "copied", res.Copied, "inserted", res.Inserted)
		ref.Paths = append(ref.Paths, path)
		ref.Rows += int(res.Inserted)
		ref.Dropped += int(res.Copied - res.Inserted)
	}

	if err := e.Store.EnsureIndexes(ctx); err != nil {
		return ArtifactRef{}, classifyDBError(err)
	}
	return ref, nil
}

// classifyDBError tags a database failure for the retry decision: connection
// loss, serialization conflicts, and resource exhaustion are worth retrying;
// constraint and schema violations are not.
func classifyDBError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		switch {
		case strings.HasPrefix(code, "08"), // connection exception
			code == "40001", code == "40P01", // serialization failure, deadlock
			strings.HasPrefix(code, "53"), // insufficient resources
			strings.HasPrefix(code, "57"): // operator intervention, e.g. shutdown
			return Transient(err)
		default:
			return Permanent(err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return Transient(err)
	}
	return Permanent(err)
}
