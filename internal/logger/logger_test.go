package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestParseLevel tests level name mapping.
func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// TestNewWriter tests JSON output and level filtering.
func TestNewWriter(t *testing.T) {
	var buf bytes.Buffer
	lg := NewWriter(&buf, "warn").With(slog.String("component", "hub"))

	lg.Info("hidden")
	lg.Warn("dropped clients", slog.Int("count", 2))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected 1 line, got %d: %q", len(lines), buf.String())
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("Expected JSON line, got %q: %v", lines[0], err)
	}
	if rec["msg"] != "dropped clients" {
		t.Errorf("Unexpected msg: %v", rec["msg"])
	}
	if rec["count"] != float64(2) {
		t.Errorf("Expected count 2, got %v", rec["count"])
	}
	if rec["component"] != "hub" {
		t.Errorf("Expected component attribute, got %v", rec["component"])
	}
}

// TestNilLogger tests that a nil logger is usable.
func TestNilLogger(t *testing.T) {
	var lg *Logger
	lg.Debug("x")
	lg.Info("x", "n", 1)
	lg.Warn("x")
	lg.Error("x")
	if lg.With("k", "v") != nil {
		t.Error("Expected With on nil logger to return nil")
	}
}

// TestNewFile tests that the rotating file is created in the requested dir.
func TestNewFile(t *testing.T) {
	dir := t.TempDir()
	lg := New(Options{Name: "test", Dir: dir, Level: "debug"})
	lg.Debug("hello")

	want := filepath.Join(dir, "test.slog")
	if lg.LogFile != want {
		t.Errorf("Expected log file %s, got %s", want, lg.LogFile)
	}
	b, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !bytes.Contains(b, []byte(`"msg":"hello"`)) {
		t.Errorf("Expected hello record in %q", b)
	}
}
