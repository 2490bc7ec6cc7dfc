// Package logger configures log/slog for Ascend services and provides
// attribute helpers for the fields every award log line carries.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Format selects the slog handler.
type Format string

const (
	// FormatJSON is used in production (better for log aggregators).
	FormatJSON Format = "json"
	// FormatText is used in development.
	FormatText Format = "text"
)

// Options configures a logger.
type Options struct {
	Level     string
	Format    Format
	Output    io.Writer
	AddSource bool
	Service   string
}

// DefaultOptions returns options for local development.
func DefaultOptions() Options {
	return Options{
		Level:  "info",
		Format: FormatText,
		Output: os.Stdout,
	}
}

// ParseLevel parses a string into a slog.Level. Unknown values map to Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a slog.Logger from options.
func New(opts Options) *slog.Logger {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	hopts := &slog.HandlerOptions{
		Level:     ParseLevel(opts.Level),
		AddSource: opts.AddSource,
	}

	var handler slog.Handler
	if opts.Format == FormatJSON {
		handler = slog.NewJSONHandler(opts.Output, hopts)
	} else {
		handler = slog.NewTextHandler(opts.Output, hopts)
	}

	log := slog.New(handler)
	if opts.Service != "" {
		log = log.With(slog.String("service", opts.Service))
	}
	return log
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// ─────────────────────────────────────────────────────────────────────────────
// Context propagation
// ─────────────────────────────────────────────────────────────────────────────

type contextKey struct{}

// WithContext stores a logger in the context.
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext returns the logger stored in ctx, or slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}

// ─────────────────────────────────────────────────────────────────────────────
// Domain attributes
// ─────────────────────────────────────────────────────────────────────────────

func User(id int64) slog.Attr           { return slog.Int64("user_id", id) }
func Scope(key string) slog.Attr        { return slog.String("scope", key) }
func Achievement(id int) slog.Attr      { return slog.Int("achievement_id", id) }
func Key(key string) slog.Attr          { return slog.String("contribution_key", key) }
func Component(name string) slog.Attr   { return slog.String("component", name) }
func Operation(name string) slog.Attr   { return slog.String("operation", name) }
func Latency(d time.Duration) slog.Attr { return slog.Duration("latency", d) }
func RequestID(id string) slog.Attr     { return slog.String("request_id", id) }

// Err returns an error attribute; nil errors produce an empty attribute.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
