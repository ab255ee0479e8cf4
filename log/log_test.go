package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func newBufferedLogger(buf *bytes.Buffer) *Logger {
	return NewWithHandler(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestLoggerInfoWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferedLogger(&buf)
	l.Info("heal tick", "pivotBlock", uint64(42))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not valid JSON: %v\n%s", err, buf.String())
	}
	if entry["msg"] != "heal tick" {
		t.Errorf("msg = %v, want %q", entry["msg"], "heal tick")
	}
	if entry["pivotBlock"] != float64(42) {
		t.Errorf("pivotBlock = %v, want 42", entry["pivotBlock"])
	}
}

func TestModuleAddsModuleAttribute(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferedLogger(&buf).Module("heal.worker")
	l.Info("tick")

	if !strings.Contains(buf.String(), `"module":"heal.worker"`) {
		t.Errorf("expected module attribute in log output, got: %s", buf.String())
	}
}

func TestDefaultLoggerIsNeverNil(t *testing.T) {
	if Default() == nil {
		t.Fatal("Default() returned nil; init() should have set a default logger")
	}
}
