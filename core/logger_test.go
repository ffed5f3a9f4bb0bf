package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestProductionLoggerEmitsJSONLines(t *testing.T) {
	var buf bytes.Buffer
	logger := NewProductionLoggerWithOutput(&buf, LevelDebug)

	logger.Info("Workflow started", map[string]interface{}{
		"workflow_id": "wf-1",
		"steps":       4,
	})

	line := strings.TrimSpace(buf.String())
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, line)
	}
	if entry["message"] != "Workflow started" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v", entry["level"])
	}
	if entry["workflow_id"] != "wf-1" {
		t.Errorf("workflow_id = %v", entry["workflow_id"])
	}
	if entry["time"] == nil {
		t.Error("time missing from entry")
	}
}

func TestProductionLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewProductionLoggerWithOutput(&buf, LevelWarn)

	logger.Debug("dropped", nil)
	logger.Info("dropped", nil)
	logger.Warn("kept", nil)
	logger.Error("kept", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Errorf("emitted %d lines, want 2", len(lines))
	}
}

func TestWithComponentStampsLines(t *testing.T) {
	var buf bytes.Buffer
	base := NewProductionLoggerWithOutput(&buf, LevelInfo)
	logger := base.WithComponent("dispatch")

	logger.Info("hello", nil)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["component"] != "dispatch" {
		t.Errorf("component = %v, want dispatch", entry["component"])
	}
}

func TestLoggerConvertsErrorFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewProductionLoggerWithOutput(&buf, LevelInfo)

	logger.Error("failed", map[string]interface{}{
		"error": errors.New("boom"),
	})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["error"] != "boom" {
		t.Errorf("error field = %v, want string \"boom\"", entry["error"])
	}
}

func TestNoOpLoggerIsSilent(t *testing.T) {
	// Must not panic on any call.
	var l NoOpLogger
	l.Info("x", nil)
	l.Error("x", map[string]interface{}{"k": "v"})
	l.Warn("x", nil)
	l.Debug("x", nil)
}
