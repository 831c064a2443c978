package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.Info("storing key sk-AAAAAAAAAAAAAAAAAAAABBBB",
		"detail", "api_key = s3cr3tv4lue99",
		"count", 3,
	)

	out := buf.String()
	if strings.Contains(out, "sk-AAAAAAAAAAAAAAAAAAAABBBB") {
		t.Fatalf("api key leaked: %s", out)
	}
	if strings.Contains(out, "s3cr3tv4lue99") {
		t.Fatalf("attr secret leaked: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("no redaction marker: %s", out)
	}

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log line is not json: %v", err)
	}
	if record["count"] != float64(3) {
		t.Fatalf("non-string attrs mangled: %v", record["count"])
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Info("hidden")
	logger.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info leaked through warn level: %s", out)
	}
	if !strings.Contains(out, "visible") {
		t.Fatalf("warn suppressed: %s", out)
	}
}

func TestLoggerWithComponentKeepsRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf}).
		With("component", "vault")

	logger.Info("unlock with password: hunter2hunter2")
	if strings.Contains(buf.String(), "hunter2hunter2") {
		t.Fatalf("secret survived With(): %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"component":"vault"`) {
		t.Fatalf("component attr lost: %s", buf.String())
	}
}
