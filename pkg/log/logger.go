// Package log provides structured logging for the pool services.
// It wraps the standard library's slog package with domain helpers.
package log

import (
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with service context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a logger writing to stdout. Level is one of debug/info/warn/
// error, format is json or text; anything unrecognized falls back to
// info-level JSON.
func New(service, version, level, format string) *Logger {
	logLevel := parseLevel(level)

	baseLogger := slog.New(newHandler(format, logLevel)).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newHandler(format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if strings.ToLower(format) == "text" {
		return slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.NewJSONHandler(os.Stdout, opts)
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// WithSession returns a logger with session-specific fields
func (l *Logger) WithSession(sessionID uint32, remoteAddr string) *Logger {
	return l.WithFields("session_id", sessionID, "remote_addr", remoteAddr)
}

// Connection logging helpers

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs Stratum protocol messages (debug level)
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// Mining-specific logging helpers

// LogShare logs a classified share submission
func (l *Logger) LogShare(workerFullName string, jobID uint64, shareDiff uint64, result string) {
	l.Info("share",
		"worker", workerFullName,
		"job_id", jobID,
		"share_diff", shareDiff,
		"result", result,
	)
}

// LogBlockSolved logs when a share solves a block
func (l *Logger) LogBlockSolved(jobID uint64, height int32, workerFullName string) {
	l.Info("block solved",
		"job_id", jobID,
		"height", height,
		"worker", workerFullName,
	)
}

// LogJobBroadcast logs a mining.notify broadcast
func (l *Logger) LogJobBroadcast(jobID uint64, height int32, cleanJobs bool, sessionCount int) {
	l.Info("job broadcast",
		"job_id", jobID,
		"height", height,
		"clean_jobs", cleanJobs,
		"session_count", sessionCount,
	)
}
