package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewDefaultLogger(WarnLevel, "text")
	log.SetOutput(&buf)

	log.Debug("debug message")
	log.Info("info message")
	log.Warn("warn message")
	log.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("Low-level messages should be filtered, got: %s", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("Expected warn and error messages, got: %s", out)
	}
}

func TestDefaultLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewDefaultLogger(DebugLevel, "json")
	log.SetOutput(&buf)

	log.Info("joined", String("room_id", "room_1"), Int("count", 3))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse log entry: %v", err)
	}

	if entry["level"] != "INFO" {
		t.Errorf("Expected level INFO, got %v", entry["level"])
	}
	if entry["message"] != "joined" {
		t.Errorf("Expected message 'joined', got %v", entry["message"])
	}
	if entry["room_id"] != "room_1" {
		t.Errorf("Expected room_id field, got %v", entry["room_id"])
	}
}

func TestDefaultLoggerWith(t *testing.T) {
	var buf bytes.Buffer
	log := NewDefaultLogger(DebugLevel, "json")
	log.SetOutput(&buf)

	child := log.With(String("component", "dispatcher"))
	child.Info("handled")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse log entry: %v", err)
	}
	if entry["component"] != "dispatcher" {
		t.Errorf("Expected inherited component field, got %v", entry["component"])
	}
}

func TestHTTPLevelOrdering(t *testing.T) {
	if !(DebugLevel < HTTPLevel && HTTPLevel < InfoLevel) {
		t.Error("HTTP level should sit between debug and info")
	}
	if ParseLevel("http") != HTTPLevel {
		t.Error("ParseLevel should recognize http")
	}
}

func TestRotatingWriterSizeRotation(t *testing.T) {
	dir := t.TempDir()
	w, err := NewRotatingWriter(dir, StreamCombined, RotationConfig{MaxSizeBytes: 64, RetentionDays: 14})
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer w.Close()

	record := []byte(strings.Repeat("x", 40) + "\n")
	for i := 0; i < 4; i++ {
		if _, err := w.Write(record); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) < 2 {
		t.Errorf("Expected size rotation to produce multiple files, got %d", len(entries))
	}
}

func TestFileLoggerRoutesStreams(t *testing.T) {
	dir := t.TempDir()
	log, err := NewFileLogger(dir, DebugLevel, nil)
	if err != nil {
		t.Fatalf("Failed to create file logger: %v", err)
	}

	log.Error("boom")
	log.HTTP("GET /health")
	log.Info("started")

	if err := log.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mustContain := func(stream, want string) {
		t.Helper()
		matches, _ := filepath.Glob(filepath.Join(dir, stream+"-*.log"))
		if len(matches) == 0 {
			t.Fatalf("No files for stream %s", stream)
		}
		data, err := os.ReadFile(matches[0])
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if !strings.Contains(string(data), want) {
			t.Errorf("Stream %s should contain %q, got: %s", stream, want, data)
		}
	}

	mustContain(StreamError, "boom")
	mustContain(StreamHTTP, "GET /health")
	mustContain(StreamCombined, "started")
	mustContain(StreamCombined, "boom")
}
