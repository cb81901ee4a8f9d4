package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/vk/aisflow/internal/coordinator"
	"github.com/vk/aisflow/internal/ctxlog"
	"github.com/vk/aisflow/internal/fsutil"
	"github.com/vk/aisflow/internal/ledger"
	"github.com/vk/aisflow/internal/scheduler"
	"github.com/vk/aisflow/internal/stages"
	"github.com/vk/aisflow/internal/store"
	"github.com/vk/aisflow/internal/task"
)

// Run executes one full pipeline invocation. The returned error is non-nil
// when the run did not fully succeed; the caller decides what that means
// for the process exit code.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	ws, err := fsutil.ResolveWorkspace(a.appCfg.ArchivesPath)
	if err != nil {
		return err
	}
	a.logger.Debug("Workspace resolved.", "root", ws.Root)

	retries, err := a.pipeline.RetryPolicies()
	if err != nil {
		return err
	}

	runID := a.appCfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	registry := stages.NewRegistry()
	registry.Register(task.Decompress, &stages.Decompressor{Workspace: ws})
	registry.Register(task.Clean, &stages.Cleaner{Workspace: ws})
	registry.Register(task.Dedup, &stages.Deduper{Workspace: ws})

	var led ledger.Ledger
	if a.appCfg.WithDB {
		st, err := store.Connect(ctx, a.pipeline.Database.DSN())
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer st.Close()
		if err := st.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		registry.Register(task.Load, &stages.Loader{Workspace: ws, Store: st})
		led = ledger.NewPostgres(st.Pool(), runID)
	} else {
		fl, err := ledger.OpenFile(ws.LedgerFile())
		if err != nil {
			return err
		}
		defer fl.Close()
		led = fl
	}

	coord := &coordinator.Coordinator{
		Ledger:   led,
		Registry: registry,
		Sched:    scheduler.Options{Workers: a.workers(), Retry: retries},
		RunID:    runID,
		Keep:     a.keep(),
		WithDB:   a.appCfg.WithDB,
	}

	report, err := coord.Start(ctx, a.appCfg.ArchivesPath)
	// An aborted run still carries a report; its failures are logged before
	// the error surfaces.
	for _, f := range report.Failed {
		a.logger.Error("Descriptor ended failed.", "id", f.ID, "error", f.Error)
	}
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	if report.Outcome != coordinator.RunSucceeded {
		return fmt.Errorf("run %s %s: %d failed, %d never completed",
			report.RunID, report.Outcome, len(report.Failed), len(report.NeverCompleted))
	}
	a.logger.Info("Run fully succeeded.", "run_id", report.RunID, "elapsed", report.Elapsed)
	return nil
}
