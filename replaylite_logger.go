package replaylite

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Level represents the severity of a log message
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel accepts debug, info, warn and error.
func ParseLevel(value string) Level {
	switch strings.ToLower(value) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is the interface that wraps the basic logging methods.
type Logger interface {
	Debug(ctx context.Context, msg string, keysAndValues ...interface{})
	Info(ctx context.Context, msg string, keysAndValues ...interface{})
	Warn(ctx context.Context, msg string, keysAndValues ...interface{})
	Error(ctx context.Context, msg string, keysAndValues ...interface{})
	WithFields(fields map[string]interface{}) Logger
}

type LogFormat string

const (
	TextFormat LogFormat = "text"
	JSONFormat LogFormat = "json"
)

type defaultLogger struct {
	logger *slog.Logger
}

func NewDefaultLogger(level Level, format LogFormat) Logger {
	return NewWriterLogger(os.Stdout, level, format)
}

// NewWriterLogger writes to w instead of stdout.
func NewWriterLogger(w io.Writer, level Level, format LogFormat) Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{Level: level.slogLevel()}

	switch format {
	case JSONFormat:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return &defaultLogger{
		logger: slog.New(handler),
	}
}

// NewSlogLogger wraps an existing slog logger.
func NewSlogLogger(logger *slog.Logger) Logger {
	return &defaultLogger{logger: logger}
}

func (l *defaultLogger) Debug(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.DebugContext(ctx, msg, keysAndValues...)
}

func (l *defaultLogger) Info(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.InfoContext(ctx, msg, keysAndValues...)
}

func (l *defaultLogger) Warn(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.WarnContext(ctx, msg, keysAndValues...)
}

func (l *defaultLogger) Error(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.ErrorContext(ctx, msg, keysAndValues...)
}

func (l *defaultLogger) WithFields(fields map[string]interface{}) Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &defaultLogger{logger: l.logger.With(args...)}
}

type noopLogger struct{}

// NoopLogger discards everything.
func NoopLogger() Logger { return noopLogger{} }

func (noopLogger) Debug(ctx context.Context, msg string, keysAndValues ...interface{}) {}
func (noopLogger) Info(ctx context.Context, msg string, keysAndValues ...interface{})  {}
func (noopLogger) Warn(ctx context.Context, msg string, keysAndValues ...interface{})  {}
func (noopLogger) Error(ctx context.Context, msg string, keysAndValues ...interface{}) {}
func (n noopLogger) WithFields(fields map[string]interface{}) Logger                  { return n }

// replayLogger drops messages while the workflow is being reconstructed
// from history, so each line is written once per instance.
type replayLogger struct {
	logger    Logger
	replaying func() bool
}

func (l *replayLogger) Debug(ctx context.Context, msg string, keysAndValues ...interface{}) {
	if !l.replaying() {
		l.logger.Debug(ctx, msg, keysAndValues...)
	}
}

func (l *replayLogger) Info(ctx context.Context, msg string, keysAndValues ...interface{}) {
	if !l.replaying() {
		l.logger.Info(ctx, msg, keysAndValues...)
	}
}

func (l *replayLogger) Warn(ctx context.Context, msg string, keysAndValues ...interface{}) {
	if !l.replaying() {
		l.logger.Warn(ctx, msg, keysAndValues...)
	}
}

func (l *replayLogger) Error(ctx context.Context, msg string, keysAndValues ...interface{}) {
	if !l.replaying() {
		l.logger.Error(ctx, msg, keysAndValues...)
	}
}

func (l *replayLogger) WithFields(fields map[string]interface{}) Logger {
	return &replayLogger{logger: l.logger.WithFields(fields), replaying: l.replaying}
}
