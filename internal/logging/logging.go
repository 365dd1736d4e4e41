// Package logging carries the operational logger and the log-callback
// machinery shared by the injector and the in-target runtime.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// Log levels as they travel through the shared log stash and the callback
// ABI. They are ordered; Disable suppresses everything.
const (
	LevelTrace uint32 = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelDisable
)

// SlogLevelTrace sits below slog.LevelDebug so trace records survive the
// slog level filter when tracing is requested.
const SlogLevelTrace = slog.LevelDebug - 4

var (
	opLogger atomic.Pointer[slog.Logger]
	logLevel = new(slog.LevelVar)
)

func init() {
	logLevel.Set(slog.LevelInfo)
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	opLogger.Store(slog.New(handler))
}

// Op returns the operational logger for injector/runtime infrastructure
// logs. Records arriving from a target process through the log stash are
// re-emitted here by the stash consumer.
func Op() *slog.Logger {
	return opLogger.Load()
}

// SetLevel changes the level of the operational logger.
func SetLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLevelFromString sets the level from its textual form.
// Valid values: "trace", "debug", "info", "warn", "error", "disable"
func SetLevelFromString(level string) {
	switch level {
	case "trace", "TRACE":
		logLevel.Set(SlogLevelTrace)
	case "debug", "DEBUG":
		logLevel.Set(slog.LevelDebug)
	case "info", "INFO":
		logLevel.Set(slog.LevelInfo)
	case "warn", "WARN", "warning", "WARNING":
		logLevel.Set(slog.LevelWarn)
	case "error", "ERROR":
		logLevel.Set(slog.LevelError)
	case "disable", "DISABLE", "off", "OFF":
		logLevel.Set(slog.LevelError + 4)
	}
}

// InitStructured reconfigures the operational logger.
// format: "text" (default) or "json"; w defaults to stderr when nil.
func InitStructured(format, level string, w io.Writer) {
	SetLevelFromString(level)

	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	opLogger.Store(slog.New(handler))
}

// SlogLevel maps a stash/callback level onto the slog scale.
func SlogLevel(level uint32) slog.Level {
	switch level {
	case LevelTrace:
		return SlogLevelTrace
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// LevelString is the textual form used in log files and errors.
func LevelString(level uint32) string {
	switch level {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "disable"
	}
}
