// Package logger provides the process-wide zerolog logger used by every
// component of the orchestration subsystem.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance.
var Log zerolog.Logger

func init() {
	// Default to JSON output for production
	Log = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()

	// Pretty print for development if requested
	if os.Getenv("APP_ENV") != "production" {
		Log = Log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// GetLogger returns the global logger instance.
func GetLogger() zerolog.Logger {
	return Log
}

// Component returns a child logger tagged with a "component" field, so
// log lines from the dispatcher, runner, watcher, and bridge can be
// filtered independently.
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}

// ForTask returns a child logger tagged with the task's id, the common
// case across admission, dispatch, runner, and watcher code.
func ForTask(taskID string) zerolog.Logger {
	return Log.With().Str("task_id", taskID).Logger()
}
