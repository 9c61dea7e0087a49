package logging

import (
	"context"
	"log/slog"
	"sort"
)

// LogFields represents structured logging key/value pairs used by hutch.
type LogFields map[string]any

// ServiceLogger is the minimal logging contract required by the hutch runtime.
// Applications can adapt their existing loggers without depending on slog.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Warn(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// EntryLogger represents the non-generic entry adapter constraint.
type EntryLogger interface {
	EntryLoggerAdapter[EntryLogger]
}

// EntryLoggerAdapter captures the capabilities required by
// NewEntryServiceLogger. The constraint is generic so entry-like loggers
// whose methods return their own concrete type (logrus.Entry for example)
// can be used without additional wrappers.
type EntryLoggerAdapter[T any] interface {
	Error(args ...any)
	Warn(args ...any)
	Info(args ...any)
	Debug(args ...any)
	Trace(args ...any)
	WithError(err error) T
	WithField(key string, value any) T
}

// LevelTrace sits below slog.LevelDebug.
const LevelTrace = slog.Level(-8)

// NewSlogServiceLogger wraps a slog.Logger so it satisfies the ServiceLogger
// interface.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("hutch: slog logger cannot be nil")
	}
	return &slogServiceLogger{inner: log}
}

// NewEntryServiceLogger wraps an entry logger (for example a logrus.Entry).
func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	if any(entry) == nil {
		panic("hutch: entry logger cannot be nil")
	}
	return &entryServiceLogger[T]{entry: entry}
}

// NewNopLogger discards everything.
func NewNopLogger() ServiceLogger {
	return nopLogger{}
}

type slogServiceLogger struct {
	inner *slog.Logger
}

func (s *slogServiceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return s
	}
	return &slogServiceLogger{inner: s.inner.With(toAttrArgs(fields)...)}
}

func (s *slogServiceLogger) Debug(msg string, fields LogFields) {
	s.log(slog.LevelDebug, msg, fields)
}

func (s *slogServiceLogger) Info(msg string, fields LogFields) {
	s.log(slog.LevelInfo, msg, fields)
}

func (s *slogServiceLogger) Warn(msg string, fields LogFields) {
	s.log(slog.LevelWarn, msg, fields)
}

func (s *slogServiceLogger) Error(msg string, err error, fields LogFields) {
	args := toAttrArgs(fields)
	if err != nil {
		args = append(args, slog.Any("error", err))
	}
	s.inner.Log(context.Background(), slog.LevelError, msg, args...)
}

func (s *slogServiceLogger) Trace(msg string, fields LogFields) {
	s.log(LevelTrace, msg, fields)
}

func (s *slogServiceLogger) log(level slog.Level, msg string, fields LogFields) {
	ctx := context.Background()
	if !s.inner.Enabled(ctx, level) {
		return
	}
	s.inner.Log(ctx, level, msg, toAttrArgs(fields)...)
}

// toAttrArgs sorts keys so log lines are stable across runs.
func toAttrArgs(fields LogFields) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]any, 0, len(keys))
	for _, k := range keys {
		args = append(args, slog.Any(k, fields[k]))
	}
	return args
}

type entryServiceLogger[T EntryLoggerAdapter[T]] struct {
	entry T
}

func (e *entryServiceLogger[T]) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return e
	}
	return &entryServiceLogger[T]{entry: applyEntryFields(e.entry, fields)}
}

func (e *entryServiceLogger[T]) Debug(msg string, fields LogFields) {
	applyEntryFields(e.entry, fields).Debug(msg)
}

func (e *entryServiceLogger[T]) Info(msg string, fields LogFields) {
	applyEntryFields(e.entry, fields).Info(msg)
}

func (e *entryServiceLogger[T]) Warn(msg string, fields LogFields) {
	applyEntryFields(e.entry, fields).Warn(msg)
}

func (e *entryServiceLogger[T]) Error(msg string, err error, fields LogFields) {
	logger := applyEntryFields(e.entry, fields)
	if err != nil {
		logger = logger.WithError(err)
	}
	logger.Error(msg)
}

func (e *entryServiceLogger[T]) Trace(msg string, fields LogFields) {
	applyEntryFields(e.entry, fields).Trace(msg)
}

func applyEntryFields[T EntryLoggerAdapter[T]](entry T, fields LogFields) T {
	if len(fields) == 0 || any(entry) == nil {
		return entry
	}
	enriched := entry
	for key, value := range fields {
		enriched = enriched.WithField(key, value)
	}
	return enriched
}

type nopLogger struct{}

func (n nopLogger) With(LogFields) ServiceLogger { return n }
func (nopLogger) Debug(string, LogFields)        {}
func (nopLogger) Info(string, LogFields)         {}
func (nopLogger) Warn(string, LogFields)         {}
func (nopLogger) Error(string, error, LogFields) {}
func (nopLogger) Trace(string, LogFields)        {}
