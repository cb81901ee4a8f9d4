package app

import "errors"

// Config holds everything an App instance needs to run one invocation.
type Config struct {
	// ArchivesPath is the folder holding the zip archives to ingest.
	ArchivesPath string
	// ConfigPath optionally names an HCL pipeline config file.
	ConfigPath string
	// RunID resumes a prior database-backed run when set.
	RunID string
	// Keep overrides the dedup tie-break rule ("first" or "last").
	Keep string

	LogFormat string
	LogLevel  string
	// WorkerCount overrides the configured worker-pool size when positive.
	WorkerCount int
	// WithDB controls whether the run loads into the database or stops
	// after dedup, tracking state in the file ledger instead.
	WithDB bool
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.ArchivesPath == "" {
		return nil, errors.New("ArchivesPath is a required configuration field and cannot be empty")
	}
	if cfg.Keep != "" && cfg.Keep != "first" && cfg.Keep != "last" {
		return nil, errors.New("Keep must be 'first' or 'last'")
	}
	return &cfg, nil
}
