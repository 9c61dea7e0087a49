package logging

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryServiceLoggerDelegates(t *testing.T) {
	entry := newFakeEntry()
	logger := NewEntryServiceLogger(entry)

	logger.Info("boot", LogFields{"system": "test"})

	child := logger.With(LogFields{"base": "value"})
	child.Debug("child", LogFields{"child": "value"})

	boom := errors.New("boom")
	child.Error("child failed", boom, LogFields{"child": "value"})
	child.Warn("careful", nil)
	child.Trace("trace", nil)

	logs := entry.recorder.logs
	if len(logs) != 5 {
		t.Fatalf("expected 5 log entries, got %d", len(logs))
	}

	if logs[0].level != "info" || logs[0].msg != "boot" {
		t.Fatalf("unexpected first log: %#v", logs[0])
	}
	if got := logs[0].fields["system"]; got != "test" {
		t.Fatalf("missing system field, got %v", got)
	}
	if logs[1].fields["base"] != "value" || logs[1].fields["child"] != "value" {
		t.Fatalf("expected merged fields on second log, got %#v", logs[1].fields)
	}
	if logs[2].level != "error" || logs[2].err != boom {
		t.Fatalf("expected error with boom, got %#v", logs[2])
	}
	if logs[3].level != "warn" || logs[3].fields["base"] != "value" {
		t.Fatalf("expected warn carrying base fields, got %#v", logs[3])
	}
	if logs[4].level != "trace" {
		t.Fatalf("expected trace level on final log, got %s", logs[4].level)
	}
}

func TestEntryServiceLoggerPanicsOnNil(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic when entry logger nil")
		}
	}()
	NewEntryServiceLogger[EntryLogger](nil)
}

func TestEntryServiceLoggerWithNilFields(t *testing.T) {
	entry := newFakeEntry()
	logger := NewEntryServiceLogger(entry)
	child := logger.With(nil)
	child.Info("test", nil)

	if len(entry.recorder.logs) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entry.recorder.logs))
	}
}

func TestSlogLoggerPanicsOnNil(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic when slog logger nil")
		}
	}()
	NewSlogServiceLogger(nil)
}

func TestSlogServiceLoggerWritesStructuredFields(t *testing.T) {
	buf := &bytes.Buffer{}
	base := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: LevelTrace}))
	logger := NewSlogServiceLogger(base).With(LogFields{"queue": "app_orders"})

	logger.Info("consumer started", LogFields{"unit": 1})
	logger.Warn("no active units", nil)
	logger.Error("handler failed", errors.New("boom"), LogFields{"retry_count": 2})
	logger.Trace("delivery", nil)

	out := buf.String()
	assert.Contains(t, out, "queue=app_orders")
	assert.Contains(t, out, "unit=1")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "error=boom")
	assert.Contains(t, out, "retry_count=2")
	assert.Equal(t, 4, strings.Count(out, "\n"))
}

func TestSlogServiceLoggerRespectsLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	base := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger := NewSlogServiceLogger(base)

	logger.Debug("hidden", nil)
	logger.Trace("hidden", nil)
	require.Empty(t, buf.String())

	logger.Info("shown", nil)
	require.Contains(t, buf.String(), "shown")
}

func TestToAttrArgsSortsKeys(t *testing.T) {
	args := toAttrArgs(LogFields{"b": 2, "a": 1})
	require.Len(t, args, 2)
	first, ok := args[0].(slog.Attr)
	require.True(t, ok)
	assert.Equal(t, "a", first.Key)
	assert.Nil(t, toAttrArgs(nil))
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	logger.With(LogFields{"k": "v"}).Error("ignored", errors.New("boom"), nil)
	logger.Info("ignored", nil)
}

func TestApplyEntryFieldsIgnoresNil(t *testing.T) {
	entry := newFakeEntry()
	enriched := applyEntryFields(entry, nil)
	if enriched != entry {
		t.Fatal("expected nil fields to return same instance")
	}
	withFields := applyEntryFields(entry, LogFields{"k": "v"})
	if withFields == entry {
		t.Fatal("expected new entry when fields provided")
	}
}

type loggedEntry struct {
	level  string
	msg    string
	fields LogFields
	err    error
}

type fakeEntry struct {
	recorder *entryRecorder
	fields   LogFields
	err      error
}

type entryRecorder struct {
	logs []loggedEntry
}

func newFakeEntry() *fakeEntry {
	return &fakeEntry{recorder: &entryRecorder{}}
}

func (f *fakeEntry) clone() *fakeEntry {
	return &fakeEntry{recorder: f.recorder, fields: cloneFields(f.fields), err: f.err}
}

func (f *fakeEntry) Error(args ...any) { f.append("error", args...) }
func (f *fakeEntry) Warn(args ...any)  { f.append("warn", args...) }
func (f *fakeEntry) Info(args ...any)  { f.append("info", args...) }
func (f *fakeEntry) Debug(args ...any) { f.append("debug", args...) }
func (f *fakeEntry) Trace(args ...any) { f.append("trace", args...) }

func (f *fakeEntry) WithError(err error) *fakeEntry {
	clone := f.clone()
	clone.err = err
	return clone
}

func (f *fakeEntry) WithField(key string, value any) *fakeEntry {
	clone := f.clone()
	if clone.fields == nil {
		clone.fields = make(LogFields)
	}
	clone.fields[key] = value
	return clone
}

func (f *fakeEntry) append(level string, args ...any) {
	f.recorder.logs = append(f.recorder.logs, loggedEntry{
		level:  level,
		msg:    fmt.Sprint(args...),
		fields: cloneFields(f.fields),
		err:    f.err,
	})
}

func cloneFields(fields LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	out := make(LogFields, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
