// Package logger builds the pion logger factory shared by every component.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/pion/logging"
)

// ParseLevel maps "trace", "debug", "info", "warn", "error" and "disabled"
// to a pion log level. Anything else is info.
func ParseLevel(level string) logging.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return logging.LogLevelTrace
	case "debug":
		return logging.LogLevelDebug
	case "warn", "warning":
		return logging.LogLevelWarn
	case "error":
		return logging.LogLevelError
	case "disabled", "off":
		return logging.LogLevelDisabled
	default:
		return logging.LogLevelInfo
	}
}

// NewFactory returns a logger factory writing to w (stderr when nil) at the
// given level.
func NewFactory(level string, w io.Writer) *logging.DefaultLoggerFactory {
	if w == nil {
		w = os.Stderr
	}

	f := logging.NewDefaultLoggerFactory()
	f.Writer = w
	f.DefaultLogLevel = ParseLevel(level)

	return f
}
