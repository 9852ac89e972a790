package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lodestone/internal/infra/config"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(config.LoggerConfig{Level: "info", Format: "json"}, &buf)

	log.With("plugin", "fabric").Info("hook finished", "hook", "on_load")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v, output: %s", err, buf.String())
	}
	if entry["msg"] != "hook finished" {
		t.Errorf("msg = %q, want %q", entry["msg"], "hook finished")
	}
	if entry["plugin"] != "fabric" {
		t.Errorf("plugin = %q, want fabric", entry["plugin"])
	}
}

func TestNewWithWriterTextFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(config.LoggerConfig{Level: "WARN", Format: "text"}, &buf)

	log.Info("should be filtered")
	log.Warn("should appear")

	output := buf.String()
	if strings.Contains(output, "should be filtered") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(output, "should appear") {
		t.Error("warn message should appear at warn level")
	}
}

func TestNewWithWriterDebugAddsSource(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(config.LoggerConfig{Level: "debug", Format: "json"}, &buf).Debug("probe")
	if !strings.Contains(buf.String(), `"source"`) {
		t.Errorf("debug output has no source: %s", buf.String())
	}

	buf.Reset()
	NewWithWriter(config.LoggerConfig{Level: "info", Format: "json"}, &buf).Info("probe")
	if strings.Contains(buf.String(), `"source"`) {
		t.Errorf("info output has source: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"Debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestOpenOutputStandardStreams(t *testing.T) {
	tests := []struct {
		output string
		want   *os.File
	}{
		{"stdout", os.Stdout},
		{"STDERR", os.Stderr},
		{"", os.Stderr},
	}
	for _, tt := range tests {
		w, closer, err := openOutput(tt.output)
		if err != nil {
			t.Fatalf("openOutput(%q): %v", tt.output, err)
		}
		if w != tt.want {
			t.Errorf("openOutput(%q) returned %v", tt.output, w)
		}
		if err := closer(); err != nil {
			t.Errorf("closer: %v", err)
		}
	}
}

func TestNewLoggerFileOutputCreatesDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "lodestone.log")

	log, closer, err := New(config.LoggerConfig{Level: "info", Format: "text", Output: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log.Info("file output test", "key", "value")
	if err := closer(); err != nil {
		t.Fatalf("closer: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "file output test") {
		t.Error("log file should contain the logged message")
	}
}

func TestNewLoggerInvalidOutput(t *testing.T) {
	// A regular file cannot be a parent directory.
	parent := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(parent, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	_, _, err := New(config.LoggerConfig{Level: "info", Output: filepath.Join(parent, "app.log")})
	if err == nil {
		t.Error("expected error for invalid output path")
	}
}

func TestDiscard(t *testing.T) {
	log := Discard()
	if log.Enabled(t.Context(), slog.LevelError) {
		t.Error("discard logger should not be enabled")
	}
}
