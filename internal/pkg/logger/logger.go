// Package logger wraps log/slog with request and job scoped helpers.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type contextKey string

const (
	// RequestIDKey carries the X-Request-ID of an HTTP request.
	RequestIDKey contextKey = "request_id"
	// JobIDKey carries the ID of the render job being processed.
	JobIDKey contextKey = "job_id"
)

// Logger is a slog.Logger that knows the service's standard attributes.
type Logger struct {
	*slog.Logger
}

type Config struct {
	Level  string // debug, info, warn or error
	Format string // json (default) or text
	Output io.Writer

	AddSource bool

	// ServiceName is attached to every entry as "service".
	ServiceName string
}

// New builds a Logger. Output defaults to stdout and timestamps are UTC.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if t, ok := a.Value.Any().(time.Time); ok && a.Key == slog.TimeKey {
				a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
			}
			return a
		},
	}

	var h slog.Handler = slog.NewJSONHandler(out, opts)
	if cfg.Format == "text" {
		h = slog.NewTextHandler(out, opts)
	}
	if cfg.ServiceName != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("service", cfg.ServiceName)})
	}
	return &Logger{Logger: slog.New(h)}
}

// NewDefault is the fallback for components built without a logger. It reads
// LOG_LEVEL and LOG_FORMAT directly.
func NewDefault() *Logger {
	return New(Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Format:      os.Getenv("LOG_FORMAT"),
		ServiceName: "texrender",
	})
}

// NewNop discards everything.
func NewNop() *Logger {
	return New(Config{Level: "error", Output: io.Discard})
}

func (l *Logger) with(key, value string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String(key, value))}
}

// WithJobID tags entries with job_id.
func (l *Logger) WithJobID(jobID string) *Logger { return l.with("job_id", jobID) }

// WithComponent tags entries with component, e.g. "compiler" or "worker".
func (l *Logger) WithComponent(name string) *Logger { return l.with("component", name) }

// FromContext adds the request and job IDs carried by ctx, if any.
func (l *Logger) FromContext(ctx context.Context) *Logger {
	out := l
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		out = out.with("request_id", id)
	}
	if id, ok := ctx.Value(JobIDKey).(string); ok && id != "" {
		out = out.WithJobID(id)
	}
	return out
}

// LogFatal logs msg at error level and exits with status 1.
func (l *Logger) LogFatal(msg string, err error, args ...any) {
	if err != nil {
		args = append(args, "error", err.Error())
	}
	l.Error(msg, args...)
	os.Exit(1)
}

func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func ContextWithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobIDKey, jobID)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
