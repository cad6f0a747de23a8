package logger

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Format selects the slog handler.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// SlogLogger implements Logger on top of log/slog.
type SlogLogger struct {
	handler slog.Handler
	logger  *slog.Logger
}

// NewSlogLogger creates a JSON logger writing to w. When tz is non-nil,
// record timestamps are converted to that location.
func NewSlogLogger(w io.Writer, level LogLevel, tz *time.Location) *SlogLogger {
	return NewSlogLoggerWithFormat(w, level, tz, FormatJSON)
}

// NewSlogLoggerWithFormat creates a logger with an explicit output format.
func NewSlogLoggerWithFormat(w io.Writer, level LogLevel, tz *time.Location, format Format) *SlogLogger {
	opts := &slog.HandlerOptions{
		Level: toSlogLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if tz != nil && len(groups) == 0 && a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.TimeValue(t.In(tz))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if format == FormatText {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return &SlogLogger{handler: handler, logger: slog.New(handler)}
}

// NewNopLogger returns a logger that drops everything.
func NewNopLogger() *SlogLogger {
	return NewSlogLogger(io.Discard, LogLevelError, nil)
}

func (l *SlogLogger) Debug(msg string, fields ...Field) { l.log(slog.LevelDebug, msg, fields) }

func (l *SlogLogger) Info(msg string, fields ...Field) { l.log(slog.LevelInfo, msg, fields) }

func (l *SlogLogger) Warn(msg string, fields ...Field) { l.log(slog.LevelWarn, msg, fields) }

func (l *SlogLogger) Error(msg string, fields ...Field) { l.log(slog.LevelError, msg, fields) }

// With returns a child logger carrying fields on every record.
func (l *SlogLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	h := l.handler.WithAttrs(toAttrs(fields))
	return &SlogLogger{handler: h, logger: slog.New(h)}
}

// Module returns a child logger with a "module" attribute.
func (l *SlogLogger) Module(name string) Logger {
	return l.With(String("module", name))
}

func (l *SlogLogger) log(level slog.Level, msg string, fields []Field) {
	ctx := context.Background()
	if !l.handler.Enabled(ctx, level) {
		return
	}
	l.logger.LogAttrs(ctx, level, msg, toAttrs(fields)...)
}

func toAttrs(fields []Field) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	return attrs
}

func toSlogLevel(level LogLevel) slog.Level {
	switch level {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
