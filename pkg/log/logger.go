// Package log provides structured logging for the miner and the job server.
// It wraps the standard library's slog package with domain-specific helpers.
package log

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bardlex/prefixminer/pkg/errors"
)

type contextKey string

// RunIDKey is the context key under which a run identifier is stored
const RunIDKey contextKey = "run_id"

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a logger writing to stderr. Stdout is reserved for the
// miner's console report.
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stderr, service, version, level, format)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Discard returns a logger that drops everything; handy in tests
func Discard() *Logger {
	return NewWithWriter(io.Discard, "test", "test", "error", "text")
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
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

// WithContext returns a logger carrying the run id stored in ctx, if any
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if runID := ctx.Value(RunIDKey); runID != nil {
		return l.WithFields("run_id", runID)
	}
	return l
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

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID, prevHash string) *Logger {
	return l.WithFields("job_id", jobID, "prev_hash", prevHash)
}

// WithError returns a logger with error context. A ServiceError anywhere in
// the chain contributes its type, operation and context fields.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	var se *errors.ServiceError
	if stderrors.As(err, &se) {
		fields := se.LogFields()
		fields[1] = err.Error()
		return l.WithFields(fields...)
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, duration time.Duration) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ns", duration.Nanoseconds(),
		"duration_ms", float64(duration.Nanoseconds())/1e6,
	)
}

// LogThroughput logs throughput metrics
func (l *Logger) LogThroughput(operation string, count uint64, duration time.Duration) {
	var throughput float64
	if duration > 0 {
		throughput = float64(count) / duration.Seconds()
	}
	l.Info("throughput metrics",
		"operation", operation,
		"count", count,
		"duration_ns", duration.Nanoseconds(),
		"throughput_ops_sec", throughput,
	)
}

// LogSolutionFound logs the winning nonce of a search
func (l *Logger) LogSolutionFound(jobID string, nonce uint64, hash string, difficulty int) {
	l.Info("solution found",
		"job_id", jobID,
		"nonce", nonce,
		"hash", hash,
		"difficulty", difficulty,
	)
}

// LogSubmission logs the outcome of a solution submission
func (l *Logger) LogSubmission(jobID, address string, statusCode int, status string) {
	l.Info("solution submitted",
		"job_id", jobID,
		"miner_address", address,
		"status_code", statusCode,
		"status", status,
	)
}

// LogJobServed logs a job handed out by the job server
func (l *Logger) LogJobServed(jobID, remoteAddr string, cleanJobs bool) {
	l.Debug("job served",
		"job_id", jobID,
		"remote_addr", remoteAddr,
		"clean_jobs", cleanJobs,
	)
}

// LogBreakerState logs a circuit breaker transition. Opening is a warning,
// everything else is informational.
func (l *Logger) LogBreakerState(breaker, from, to string) {
	level := slog.LevelInfo
	if to == "open" {
		level = slog.LevelWarn
	}
	l.Log(context.Background(), level, "circuit breaker state changed",
		"breaker", breaker,
		"from", from,
		"to", to,
	)
}
