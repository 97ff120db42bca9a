package tables

import (
	"io"
	"log/slog"
	"os"
)

// Logger is the structured logger of a File. Records carry the file path,
// plus the node path when an operation concerns a single node.
type Logger struct {
	*slog.Logger
}

// NewLogger wraps handler. A nil handler logs text at info level to
// stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		return NewTextLogger(slog.LevelInfo)
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewTextLogger logs text records at level or above to stderr.
func NewTextLogger(level slog.Level) *Logger {
	return NewWriterLogger(os.Stderr, level, false)
}

// NewJSONLogger logs JSON records at level or above to stderr.
func NewJSONLogger(level slog.Level) *Logger {
	return NewWriterLogger(os.Stderr, level, true)
}

// NewWriterLogger logs to w, as JSON or as text.
func NewWriterLogger(w io.Writer, level slog.Level, json bool) *Logger {
	opts := &slog.HandlerOptions{Level: level}
	if json {
		return &Logger{Logger: slog.New(slog.NewJSONHandler(w, opts))}
	}
	return &Logger{Logger: slog.New(slog.NewTextHandler(w, opts))}
}

// NoopLogger discards everything.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// WithFile adds the file path to every record.
func (l *Logger) WithFile(path string) *Logger {
	return &Logger{Logger: l.With("file", path)}
}

// WithNode adds a node path to every record.
func (l *Logger) WithNode(path string) *Logger {
	return &Logger{Logger: l.With("node", path)}
}

// LogAppend logs rows appended to a dataset.
func (l *Logger) LogAppend(path string, rows, total uint64, err error) {
	l = l.WithNode(path)
	if err != nil {
		l.Error("append failed", "rows", rows, "error", err)
		return
	}
	l.Debug("append completed", "rows", rows, "nrows", total)
}

// LogQuery logs how a condition was answered.
func (l *Logger) LogQuery(path, cond, plan string, matches uint64) {
	l.WithNode(path).Debug("query completed",
		"condition", cond,
		"plan", plan,
		"matches", matches,
	)
}
