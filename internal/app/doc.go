// Package app wires one pipeline invocation together: logger, pipeline
// configuration, store, ledger, stage executors, and the run coordinator,
// decoupled from any specific entrypoint like a CLI.
package app
