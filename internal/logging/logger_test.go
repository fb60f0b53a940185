package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewWritesJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	log := For(New(Options{Level: "warn", Output: &buf, Service: "cortexfeed"}), "runner")

	log.Info().Msg("dropped")
	log.Warn().Str("source", "yahoo").Msg("kept")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if entry["component"] != "runner" || entry["service"] != "cortexfeed" || entry["source"] != "yahoo" {
		t.Fatalf("unexpected fields %v", entry)
	}
}

func TestNewDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "nonsense", Output: &buf})
	log.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug must be filtered at the default level, got %q", buf.String())
	}
}
