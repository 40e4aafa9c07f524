package openscience

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger wraps slog.Logger with engine-specific operation helpers.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// ParseLevel maps "debug", "info", "warn" and "error" to a slog level.
// Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// WithScheme adds a scheme field to the logger.
func (l *Logger) WithScheme(scheme string) *Logger {
	return &Logger{
		Logger: l.Logger.With("scheme", scheme),
	}
}

// WithPaper adds a paper_id field to the logger.
func (l *Logger) WithPaper(paperID string) *Logger {
	return &Logger{
		Logger: l.Logger.With("paper_id", paperID),
	}
}

// LogIngest logs a document ingestion.
func (l *Logger) LogIngest(ctx context.Context, paperID string, created bool, newPassages int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "document ingest failed",
			"paper_id", paperID,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "document ingested",
			"paper_id", paperID,
			"created", created,
			"new_passages", newPassages,
		)
	}
}

// LogAttach logs an embedding attach.
func (l *Logger) LogAttach(ctx context.Context, scheme string, passageID uint64, err error) {
	if err != nil {
		l.WarnContext(ctx, "attach rejected",
			"scheme", scheme,
			"passage_id", passageID,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "embedding attached",
			"scheme", scheme,
			"passage_id", passageID,
		)
	}
}

// LogSearch logs a search page.
func (l *Logger) LogSearch(ctx context.Context, scheme string, k, results int, lowRecall bool, err error) {
	switch {
	case err != nil:
		l.ErrorContext(ctx, "search failed",
			"scheme", scheme,
			"k", k,
			"error", err,
		)
	case lowRecall:
		l.WarnContext(ctx, "search completed with low recall",
			"scheme", scheme,
			"k", k,
			"results", results,
		)
	default:
		l.DebugContext(ctx, "search completed",
			"scheme", scheme,
			"k", k,
			"results", results,
		)
	}
}

// LogRebuild logs a rebuild, compaction or snapshot of one scheme.
func (l *Logger) LogRebuild(ctx context.Context, op, scheme string, nodes int, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, op+" failed",
			"scheme", scheme,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, op+" completed",
			"scheme", scheme,
			"nodes", nodes,
			"duration", d,
		)
	}
}
