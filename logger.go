package vqgo

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with vqgo-specific context.
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
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithLevel adds a quantization level field to the logger.
func (l *Logger) WithLevel(level int) *Logger {
	return &Logger{
		Logger: l.Logger.With("level", level),
	}
}

// WithBatch adds a batch size field to the logger.
func (l *Logger) WithBatch(n int) *Logger {
	return &Logger{
		Logger: l.Logger.With("batch", n),
	}
}

// LogCompress logs a compress operation.
func (l *Logger) LogCompress(ctx context.Context, images int, bytes int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "compress failed",
			"images", images,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "compress completed",
			"images", images,
			"bytes", bytes,
		)
	}
}

// LogDecompress logs a decompress operation.
func (l *Logger) LogDecompress(ctx context.Context, images int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "decompress failed",
			"images", images,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "decompress completed",
			"images", images,
		)
	}
}

// LogUpdateUsage logs a usage histogram update.
func (l *Logger) LogUpdateUsage(ctx context.Context, generation uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "usage update failed",
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "usage update completed",
			"generation", generation,
		)
	}
}

// LogReassign logs a codebook reassign operation.
func (l *Logger) LogReassign(ctx context.Context, proportion float64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "reassign failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "reassign completed",
			"proportion", proportion,
		)
	}
}

// LogSync logs a codebook synchronization.
func (l *Logger) LogSync(ctx context.Context, root int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "codebook sync failed",
			"root", root,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "codebook sync completed",
			"root", root,
		)
	}
}

// LogSnapshot logs a snapshot write.
func (l *Logger) LogSnapshot(ctx context.Context, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "snapshot written")
	}
}

// LogRestore logs a snapshot restore.
func (l *Logger) LogRestore(ctx context.Context, err error) {
	if err != nil {
		l.ErrorContext(ctx, "restore failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "restore completed")
	}
}

// LogArchive logs an artifact archival.
func (l *Logger) LogArchive(ctx context.Context, name string, bytes int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "archive failed",
			"name", name,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "artifact archived",
			"name", name,
			"bytes", bytes,
		)
	}
}

// LogRetrieve logs an artifact retrieval.
func (l *Logger) LogRetrieve(ctx context.Context, name string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "retrieve failed",
			"name", name,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "artifact retrieved",
			"name", name,
		)
	}
}
