package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"testing"
)

// Log lines carry the stdlib log prefix before the JSON document.
func parseLogLine(output string) (map[string]interface{}, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 {
		return nil, fmt.Errorf("no log output")
	}

	line := lines[len(lines)-1]
	jsonStart := strings.Index(line, "{")
	if jsonStart == -1 {
		return nil, fmt.Errorf("no JSON found in log output: %s", line)
	}

	var entry map[string]interface{}
	err := json.Unmarshal([]byte(line[jsonStart:]), &entry)
	return entry, err
}

func captureLog(t *testing.T, level LogLevel, emit func()) string {
	t.Helper()

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	original := defaultLogger.level
	SetLevel(level)
	defer SetLevel(original)

	emit()
	return buf.String()
}

func TestInfoEmitsStructuredJSON(t *testing.T) {
	output := captureLog(t, INFO, func() {
		Info("subscription provisioned", map[string]interface{}{
			"customer_id": "cus_123",
			"plan":        "starter",
		})
	})

	entry, err := parseLogLine(output)
	if err != nil {
		t.Fatalf("expected valid JSON log entry: %v", err)
	}
	if entry["level"] != "INFO" {
		t.Errorf("level = %v, want INFO", entry["level"])
	}
	if entry["message"] != "subscription provisioned" {
		t.Errorf("message = %v", entry["message"])
	}

	fields, ok := entry["fields"].(map[string]interface{})
	if !ok {
		t.Fatal("log entry has no fields")
	}
	if fields["customer_id"] != "cus_123" {
		t.Errorf("customer_id = %v", fields["customer_id"])
	}
}

func TestLevelFiltering(t *testing.T) {
	output := captureLog(t, WARN, func() {
		Debug("noise")
		Info("more noise")
	})

	if output != "" {
		t.Errorf("debug and info emitted below WARN level: %q", output)
	}
}

func TestSensitiveFieldRedaction(t *testing.T) {
	output := captureLog(t, INFO, func() {
		Info("license validated", map[string]interface{}{
			"license_key":      "AB12-CD34-EF56-GH78",
			"stripe_signature": "t=123,v1=abcdef012345",
			"node_type":        "sentiment",
		})
	})

	entry, err := parseLogLine(output)
	if err != nil {
		t.Fatalf("expected valid JSON log entry: %v", err)
	}
	fields := entry["fields"].(map[string]interface{})

	key, _ := fields["license_key"].(string)
	if key == "AB12-CD34-EF56-GH78" {
		t.Error("license key logged in full")
	}
	if !strings.HasPrefix(key, "AB1") || !strings.HasSuffix(key, "H78") {
		t.Errorf("redacted key = %q, want first and last 3 chars kept", key)
	}

	if sig, _ := fields["stripe_signature"].(string); strings.Contains(sig, "abcdef012345") {
		t.Error("webhook signature logged in full")
	}

	// Non-sensitive fields pass through untouched.
	if fields["node_type"] != "sentiment" {
		t.Errorf("node_type = %v, want sentiment", fields["node_type"])
	}
}

func TestShortSensitiveValueFullyRedacted(t *testing.T) {
	output := captureLog(t, INFO, func() {
		Info("auth", map[string]interface{}{"token": "abc"})
	})

	entry, err := parseLogLine(output)
	if err != nil {
		t.Fatalf("expected valid JSON log entry: %v", err)
	}
	fields := entry["fields"].(map[string]interface{})
	if fields["token"] != "[REDACTED]" {
		t.Errorf("short token = %v, want [REDACTED]", fields["token"])
	}
}

func TestErrorAlwaysEmits(t *testing.T) {
	output := captureLog(t, ERROR, func() {
		Error("storage unavailable", map[string]interface{}{"error": "disk full"})
	})

	entry, err := parseLogLine(output)
	if err != nil {
		t.Fatalf("expected valid JSON log entry: %v", err)
	}
	if entry["level"] != "ERROR" {
		t.Errorf("level = %v, want ERROR", entry["level"])
	}
}
