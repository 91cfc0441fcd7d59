package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelInfo, "text", &buf)

	logger.Info("task admitted", "task_id", "t1")

	output := buf.String()
	if !strings.Contains(output, "task admitted") || !strings.Contains(output, "task_id=t1") {
		t.Errorf("unexpected text output: %s", output)
	}
}

func TestNewLoggerWithWriter_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelInfo, "JSON", &buf)

	logger.Info("task admitted", "task_id", "t1")

	output := buf.String()
	if !strings.Contains(output, `"msg":"task admitted"`) || !strings.Contains(output, `"task_id":"t1"`) {
		t.Errorf("unexpected JSON output: %s", output)
	}
}

func TestLevelVarChangesVerbosity(t *testing.T) {
	var buf bytes.Buffer
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelWarn)
	logger := NewLoggerWithWriter(lv, "text", &buf)

	logger.Info("hidden")
	lv.Set(slog.LevelDebug)
	logger.Debug("shown")

	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Errorf("INFO leaked at WARN: %s", output)
	}
	if !strings.Contains(output, "shown") {
		t.Errorf("DEBUG missing after lowering level: %s", output)
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	child := Component(NewLoggerWithWriter(slog.LevelInfo, "text", &buf), "queue")
	child.Info("tick")
	if !strings.Contains(buf.String(), "component=queue") {
		t.Errorf("component attr missing: %s", buf.String())
	}

	// nil parent must not panic
	Component(nil, "queue").Info("dropped")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"nonsense", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
