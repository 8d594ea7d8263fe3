// Package logging provides CAM's logging infrastructure built on
// charmbracelet/log. All output goes to stderr; stdout stays clean for
// structured command output. Setup must be called before New so child
// loggers inherit level and formatter settings.
package logging

import (
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// Setup configures the global logging defaults. Call once at process start.
// level is one of debug|info|warn|error (empty means info); jsonFormat
// switches to NDJSON output for daemon deployments.
func Setup(level string, jsonFormat bool) {
	parsed := log.InfoLevel
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		parsed = log.DebugLevel
	case "", "info":
		parsed = log.InfoLevel
	case "warn", "warning":
		parsed = log.WarnLevel
	case "error":
		parsed = log.ErrorLevel
	}

	log.SetLevel(parsed)
	log.SetOutput(os.Stderr)
	log.SetReportTimestamp(true)
	if jsonFormat {
		log.SetFormatter(log.JSONFormatter)
	}
}

// New returns a child logger with the given component prefix.
func New(component string) *log.Logger {
	return log.Default().WithPrefix(component)
}
