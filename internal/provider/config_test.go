package provider

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dyike/cortexfeed/internal/logging"
)

const sampleConfig = `[
  {"id": "yahoo", "name": "Yahoo Finance", "kind": "prices", "symbols": ["AAPL", "MSFT"],
   "rateLimitRpm": 120, "scheduleCron": "0 */6 * * *", "region": "us"},
  {"id": "finnhub", "kind": "news", "apiKeyEnv": "FINNHUB_API_KEY", "ragEnabled": true,
   "maxRetries": 4, "backoffBaseMs": 250, "disableOnFailures": 3},
  {"id": "", "kind": "prices"},
  {"id": "broken", "kind": "weather"},
  {"id": "yahoo", "kind": "prices"},
  42
]`

func TestParseConfigsDropsInvalidEntries(t *testing.T) {
	configs, errs := ParseConfigs([]byte(sampleConfig), "json")
	if len(configs) != 2 {
		t.Fatalf("expected 2 valid configs, got %d", len(configs))
	}
	if len(errs) != 4 {
		t.Fatalf("expected 4 errors (empty id, bad kind, duplicate, non-object), got %d: %v", len(errs), errs)
	}

	yahoo := configs[0]
	if !yahoo.Enabled {
		t.Fatalf("enabled should default to true")
	}
	if yahoo.MaxRetries != defaultMaxRetries || yahoo.BackoffBaseMs != defaultBackoffBaseMs {
		t.Fatalf("retry defaults not applied: %+v", yahoo)
	}
	if string(yahoo.Extra["region"]) != `"us"` {
		t.Fatalf("unknown field not preserved: %v", yahoo.Extra)
	}

	finnhub := configs[1]
	if finnhub.RateLimitRPM != defaultRateLimitRPM {
		t.Fatalf("rpm default = %d", finnhub.RateLimitRPM)
	}
	if finnhub.Backoff().Milliseconds() != 250 {
		t.Fatalf("backoff = %s", finnhub.Backoff())
	}
	if finnhub.DisplayName() != "finnhub" {
		t.Fatalf("display name should fall back to id, got %q", finnhub.DisplayName())
	}
}

func TestSourceConfigRoundTripKeepsExtras(t *testing.T) {
	configs, _ := ParseConfigs([]byte(sampleConfig), "json")
	data, err := json.Marshal(configs[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back map[string]any
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back["region"] != "us" || back["id"] != "yahoo" {
		t.Fatalf("round trip lost fields: %v", back)
	}
}

func TestParseConfigsYAML(t *testing.T) {
	doc := `
- id: googlenews
  kind: news
  symbols: [TSLA]
  scheduleCron: "@every 30m"
- id: longport
  kind: prices
  enabled: false
`
	configs, errs := ParseConfigs([]byte(doc), "yaml")
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(configs) != 2 || configs[1].Enabled {
		t.Fatalf("unexpected configs: %+v", configs)
	}
}

func TestLoadConfigsFirstExistingWins(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.json")
	second := filepath.Join(dir, "providers.json")
	third := filepath.Join(dir, "providers.yaml")

	if err := os.WriteFile(second, []byte(`[{"id":"a","kind":"prices"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(third, []byte("- id: b\n  kind: news\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	configs, used, err := LoadConfigs(logging.Nop(), missing, second, third)
	if err != nil {
		t.Fatalf("LoadConfigs: %v", err)
	}
	if used != second || len(configs) != 1 || configs[0].ID != "a" {
		t.Fatalf("expected %s with source a, got %s %+v", second, used, configs)
	}

	_, _, err = LoadConfigs(logging.Nop(), missing)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}
