package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewMultiCoreWithWriters(t *testing.T) {
	var console, file bytes.Buffer
	core := NewMultiCoreWithWriters(zapcore.InfoLevel, zapcore.AddSync(&console), zapcore.AddSync(&file), true)
	logger := zap.New(core)

	logger.Debug("filtered")
	logger.Info("upscale pass", zap.Duration("elapsed", 1500*time.Millisecond))

	if strings.Contains(console.String(), "filtered") || strings.Contains(file.String(), "filtered") {
		t.Error("debug entry written at info level")
	}
	if !strings.Contains(console.String(), "upscale pass") {
		t.Errorf("console output = %q", console.String())
	}
	if !strings.Contains(console.String(), "1.5s") {
		t.Errorf("console should render durations as strings: %q", console.String())
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(file.Bytes(), &entry); err != nil {
		t.Fatalf("file output is not JSON: %q: %v", file.String(), err)
	}
	if entry[FieldMessage] != "upscale pass" {
		t.Errorf("message = %v", entry[FieldMessage])
	}
	if entry["elapsed"] != 1.5 {
		t.Errorf("elapsed = %v, want 1.5 seconds", entry["elapsed"])
	}
	if _, ok := entry[FieldTimestamp]; !ok {
		t.Error("timestamp key missing")
	}
}

func TestNewConsoleCore_ProductionIsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := zap.New(NewConsoleCore(zapcore.InfoLevel, zapcore.AddSync(&buf), false))
	logger.Info("ready")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("production console output is not JSON: %q", buf.String())
	}
	if entry[FieldLevel] != "info" {
		t.Errorf("level = %v, want info", entry[FieldLevel])
	}
}
