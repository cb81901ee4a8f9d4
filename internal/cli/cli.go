package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/vk/aisflow/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated app.Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	flagSet := flag.NewFlagSet("aisflow", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
aisflow - resumable ingestion of archived AIS vessel-tracking data.

Usage:
  aisflow [options] [ARCHIVES_DIR]

Arguments:
  ARCHIVES_DIR
    Folder containing the zip archives to ingest.

Options:
`)
		flagSet.PrintDefaults()
	}

	archivesFlag := flagSet.String("archives", "", "Folder containing the zip archives to ingest.")
	configFlag := flagSet.String("config", "", "Path to an HCL pipeline config file.")
	workersFlag := flagSet.Int("workers", 0, "Worker-pool size. 0 takes the configured value.")
	withDBFlag := flagSet.Bool("with-db", true, "Load results into the database. When false the pipeline stops after dedup.")
	runIDFlag := flagSet.String("run-id", "", "Resume the database-backed run with this id.")
	keepFlag := flagSet.String("keep", "", "Dedup tie-break rule: 'first' or 'last'.")
	logFormatFlag := flagSet.String("log-format", "json", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	path := *archivesFlag
	if path == "" && flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	if path == "" {
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	if *workersFlag < 0 {
		return nil, false, &ExitError{Code: 2, Message: "invalid workers: must not be negative"}
	}

	config, err := app.NewConfig(app.Config{
		ArchivesPath: path,
		ConfigPath:   *configFlag,
		RunID:        *runIDFlag,
		Keep:         strings.ToLower(*keepFlag),
		LogFormat:    logFormat,
		LogLevel:     logLevel,
		WorkerCount:  *workersFlag,
		WithDB:       *withDBFlag,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	return config, false, nil
}
