package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "warn", Instance: "node-a"}, &buf)

	logger.Info().Msg("dropped")
	logger.Warn().Str("component", "service").Msg("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line at warn level, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("line is not json: %v", err)
	}
	if entry["instance"] != "node-a" || entry["component"] != "service" || entry["message"] != "kept" {
		t.Fatalf("entry = %v", entry)
	}
}

func TestNewLoggerConsoleAndDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "bogus", Format: "console"}, &buf)
	logger.Info().Msg("hello")
	if !strings.Contains(buf.String(), "hello") || strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("console output = %q", buf.String())
	}
}

func TestDestination(t *testing.T) {
	if destination("STDERR") != os.Stderr {
		t.Fatal("stderr not selected")
	}
	if destination("") != os.Stdout {
		t.Fatal("stdout should be the default")
	}
}
