package obs

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestLogWritesBaseKeys(t *testing.T) {
	logger := Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	Warn("broker unavailable", map[string]any{"err": errors.New("dial tcp: refused"), "msg": "ignored"})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	if entry["level"] != "warn" {
		t.Fatalf("unexpected level: %v", entry["level"])
	}
	if entry["msg"] != "broker unavailable" {
		t.Fatalf("fields must not override msg: %v", entry["msg"])
	}
	if entry["err"] != "dial tcp: refused" {
		t.Fatalf("errors should be rendered as strings: %v", entry["err"])
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatal("expected ts key")
	}
}
