package app

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/aisflow/internal/config"
)

// App encapsulates the application's dependencies, configuration, and
// lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	appCfg   *Config
	pipeline *config.Config
}

// NewApp is the constructor for the main application. It configures the
// logger and loads the pipeline configuration; everything touching the
// filesystem or the database waits until Run.
func NewApp(outW io.Writer, appConfig *Config) (*App, error) {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, outW)
	logger.Debug("Logger configured successfully.")

	pipeline := config.Default()
	if appConfig.ConfigPath != "" {
		loaded, err := config.Load(appConfig.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load pipeline config: %w", err)
		}
		pipeline = loaded
		logger.Debug("Pipeline config file loaded.", "path", appConfig.ConfigPath)
	}

	return &App{
		outW:     outW,
		logger:   logger,
		appCfg:   appConfig,
		pipeline: pipeline,
	}, nil
}

// workers resolves the worker-pool size: the CLI flag wins over the config
// file.
func (a *App) workers() int {
	if a.appCfg.WorkerCount > 0 {
		return a.appCfg.WorkerCount
	}
	return a.pipeline.Workers
}

// keep resolves the dedup tie-break rule the same way.
func (a *App) keep() string {
	if a.appCfg.Keep != "" {
		return a.appCfg.Keep
	}
	return a.pipeline.DedupKeep
}
