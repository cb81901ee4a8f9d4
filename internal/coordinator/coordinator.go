// Package coordinator turns an archive folder into one pipeline run: it
// expands the archives into the full descriptor set, seeds the ledger,
// drives the scheduler, and condenses the final ledger state into a report.
package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vk/aisflow/internal/ctxlog"
	"github.com/vk/aisflow/internal/fsutil"
	"github.com/vk/aisflow/internal/graph"
	"github.com/vk/aisflow/internal/ledger"
	"github.com/vk/aisflow/internal/scheduler"
	"github.com/vk/aisflow/internal/stages"
	"github.com/vk/aisflow/internal/task"
)

// LoadKey names the single join descriptor of a run. It is stable so a
// restarted run finds the prior entry.
const LoadKey = "run"

// Outcome is the overall result of one run.
type Outcome int

const (
	// RunSucceeded means every descriptor finished successfully.
	RunSucceeded Outcome = iota
	// RunFailed means the run drained but at least one descriptor failed
	// or never became runnable.
	RunFailed
	// RunAborted means the run stopped before draining.
	RunAborted
)

func (o Outcome) String() string {
	switch o {
	case RunSucceeded:
		return "succeeded"
	case RunFailed:
		return "failed"
	default:
		return "aborted"
	}
}

// Failure describes one terminally failed descriptor.
type Failure struct {
	ID    string
	Error string
}

// Report is the terminal state of one run. A run with failures still
// produces a full report; turning that into an exit code is the caller's
// decision.
type Report struct {
	RunID   string
	Outcome Outcome
	Elapsed time.Duration
	// Succeeded counts finished descriptors per stage.
	Succeeded map[task.Stage]int
	// Failed lists every descriptor that ended Failed, with its last error.
	Failed []Failure
	// NeverCompleted lists descriptors that are not terminal: blocked by a
	// failed dependency or cut off by an abort.
	NeverCompleted []string
}

// Coordinator wires one run. The ledger and registry come from the caller,
// so the same coordinator serves database-backed and file-backed runs.
type Coordinator struct {
	Ledger   ledger.Ledger
	Registry *stages.Registry
	Sched    scheduler.Options

	// RunID resumes a prior run when set; empty means a fresh id.
	RunID string
	// Keep overrides the dedup tie-break rule when non-empty.
	Keep string
	// WithDB controls whether the run includes the Load join. Off, the
	// pipeline stops after Dedup and no database is touched.
	WithDB bool
}

// Start runs the pipeline over every zip archive under archiveDir. The
// returned error covers only fatal conditions (unusable input, ledger
// breakdown, cancellation); per-descriptor failures are in the report.
func (c *Coordinator) Start(ctx context.Context, archiveDir string) (Report, error) {
	logger := ctxlog.FromContext(ctx)

	archives, err := fsutil.FindFilesByExtension(archiveDir, ".zip")
	if err != nil {
		return Report{}, fmt.Errorf("scan archive folder: %w", err)
	}
	if len(archives) == 0 {
		return Report{}, fmt.Errorf("no zip archives under %s", archiveDir)
	}
	sort.Strings(archives)

	runID := c.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	descs := c.expand(archives)
	resolver, err := graph.New(descs)
	if err != nil {
		return Report{}, err
	}
	if err := c.Ledger.Seed(ctx, descs); err != nil {
		return Report{}, err
	}
	sched, err := scheduler.New(resolver, c.Ledger, c.Registry, c.Sched)
	if err != nil {
		return Report{}, err
	}

	logger.Info("run started",
		"run_id", runID, "archives", len(archives), "workers", c.Sched.Workers, "with_db", c.WithDB)
	start := time.Now()
	outcome, runErr := sched.Run(ctx)

	// The final snapshot must stay readable when the run was aborted by
	// cancellation, or the report would be lost exactly when it matters.
	report, err := c.report(context.WithoutCancel(ctx), runID, outcome, time.Since(start))
	if err != nil {
		return Report{}, err
	}
	logger.Info("run finished",
		"run_id", runID, "outcome", report.Outcome.String(),
		"failed", len(report.Failed), "never_completed", len(report.NeverCompleted),
		"elapsed", report.Elapsed)
	return report, runErr
}

// expand builds the descriptor set: one Decompress/Clean/Dedup chain per
// archive, plus the Load join over all of them when the database is in play.
func (c *Coordinator) expand(archives []string) []task.Descriptor {
	var descs []task.Descriptor
	for _, path := range archives {
		key := filepath.Base(path)
		var dedupParams map[string]string
		if c.Keep != "" {
			dedupParams = map[string]string{stages.ParamDedupKeep: c.Keep}
		}
		descs = append(descs,
			task.Descriptor{Stage: task.Decompress, Key: key, Params: map[string]string{stages.ParamArchivePath: path}},
			task.Descriptor{Stage: task.Clean, Key: key},
			task.Descriptor{Stage: task.Dedup, Key: key, Params: dedupParams},
		)
	}
	if c.WithDB {
		descs = append(descs, task.Descriptor{Stage: task.Load, Key: LoadKey})
	}
	return descs
}

func (c *Coordinator) report(ctx context.Context, runID string, outcome scheduler.Outcome, elapsed time.Duration) (Report, error) {
	snap, err := c.Ledger.Snapshot(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("final ledger snapshot: %w", err)
	}

	rep := Report{
		RunID:     runID,
		Elapsed:   elapsed,
		Succeeded: make(map[task.Stage]int),
	}
	for id, e := range snap {
		switch e.Status {
		case ledger.StatusSucceeded:
			rep.Succeeded[e.Descriptor.Stage]++
		case ledger.StatusFailed:
			rep.Failed = append(rep.Failed, Failure{ID: id, Error: e.LastError})
		default:
			rep.NeverCompleted = append(rep.NeverCompleted, id)
		}
	}
	sort.Slice(rep.Failed, func(i, j int) bool { return rep.Failed[i].ID < rep.Failed[j].ID })
	sort.Strings(rep.NeverCompleted)

	switch {
	case outcome == scheduler.OutcomeAborted:
		rep.Outcome = RunAborted
	case len(rep.Failed) > 0 || len(rep.NeverCompleted) > 0:
		rep.Outcome = RunFailed
	default:
		rep.Outcome = RunSucceeded
	}
	return rep, nil
}
