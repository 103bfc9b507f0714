package logger

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

type recordingLogger struct {
	calls [][]any
}

func (r *recordingLogger) Debug(msg string, keyvals ...any) { r.calls = append(r.calls, keyvals) }
func (r *recordingLogger) Info(msg string, keyvals ...any)  { r.calls = append(r.calls, keyvals) }
func (r *recordingLogger) Error(msg string, keyvals ...any) { r.calls = append(r.calls, keyvals) }

func TestWithPrefixesFields(t *testing.T) {
	rec := &recordingLogger{}
	l := With(With(rec, "principal", "u1"), "trace_id", "t-1")
	l.Info("hit", "query_hash", "abc")
	if len(rec.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(rec.calls))
	}
	got := rec.calls[0]
	want := []any{"principal", "u1", "trace_id", "t-1", "query_hash", "abc"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("field %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestWithNilFallsBackToNull(t *testing.T) {
	l := With(nil, "k", "v")
	l.Error("ignored")
}

func TestSLogLoggerWritesAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := NewSLogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	l.Error("cache store failed", "op", "insert", "error", errors.New("boom"), "count", 3)
	out := buf.String()
	for _, s := range []string{"cache store failed", "op=insert", "error=boom", "count=3"} {
		if !strings.Contains(out, s) {
			t.Fatalf("expected %q in %q", s, out)
		}
	}
}
