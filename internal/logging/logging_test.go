package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "json", &buf)

	logger.Info("dispatch round complete", KeyRound, 3, KeyCount, 12)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry["msg"] != "dispatch round complete" {
		t.Errorf("expected message, got %v", entry["msg"])
	}
	if entry[KeyRound].(float64) != 3 {
		t.Errorf("expected round 3, got %v", entry[KeyRound])
	}
}

func TestNewLoggerWithWriterText(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "text", &buf)

	logger.Info("tunnel established", KeyNode, "web-1")
	out := buf.String()
	if !strings.Contains(out, "tunnel established") || !strings.Contains(out, "node=web-1") {
		t.Errorf("unexpected text output: %q", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("warn", "text", &buf)

	logger.Debug("not shown")
	logger.Info("not shown either")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "not shown") {
		t.Errorf("low-severity entries leaked: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn entry missing: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNopLogger(t *testing.T) {
	// Must not panic and must not write anywhere visible.
	NopLogger().Error("discarded", KeyError, "boom")
}
