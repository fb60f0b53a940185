package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dyike/cortexfeed/internal/provider"
)

func writeProviders(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0o644); err != nil {
		t.Fatalf("write providers: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename providers: %v", err)
	}
}

func TestProviderWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.json")
	writeProviders(t, path, `[{"id":"yahoo","name":"Yahoo","kind":"prices","enabled":true}]`)

	w, err := NewProviderWatcher(path, WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewProviderWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []provider.SourceConfig, 4)
	if err := w.Watch(ctx, func(cfgs []provider.SourceConfig) {
		reloaded <- cfgs
	}); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeProviders(t, path, `[{"id":"yahoo","name":"Yahoo","kind":"prices","enabled":true},
		{"id":"finnhub","name":"Finnhub","kind":"news","enabled":true}]`)

	select {
	case cfgs := <-reloaded:
		if len(cfgs) != 2 || cfgs[1].ID != "finnhub" {
			t.Fatalf("unexpected configs %+v", cfgs)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watcher did not fire on provider change")
	}
	if got := w.Current(); len(got) != 2 {
		t.Fatalf("expected current to track reload, got %d", len(got))
	}
}

func TestProviderWatcherKeepsConfigsOnBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.json")
	initial := []provider.SourceConfig{{ID: "yahoo", Name: "Yahoo", Kind: provider.KindPrices, Enabled: true}}

	w, err := NewProviderWatcher(path, WithInitialConfigs(initial))
	if err != nil {
		t.Fatalf("NewProviderWatcher: %v", err)
	}
	called := false
	w.onChange = func([]provider.SourceConfig) { called = true }

	// Missing file.
	w.reload()
	if called || len(w.Current()) != 1 {
		t.Fatalf("missing file must keep previous configs")
	}

	writeProviders(t, path, `{not json`)
	w.reload()
	if called || len(w.Current()) != 1 {
		t.Fatalf("unparseable file must keep previous configs")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, false},
		{"concurrency too wide", func(c *Config) { c.IngestConcurrency = 17 }, false},
		{"missing db", func(c *Config) { c.DBPath = "" }, false},
		{"negative retention", func(c *Config) { c.RunRetentionDays = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfigWithRoot(t.TempDir())
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CORTEXFEED_DATA_DIR", "/tmp/feed")
	t.Setenv("CORTEXFEED_BATCH_SIZE", "4")
	t.Setenv("CORTEXFEED_DEFAULT_SYMBOLS", "aapl, msft,,")
	t.Setenv("CORTEXFEED_SCHEDULER_ENABLED", "false")

	cfg := DefaultConfigWithRoot(t.TempDir())
	cfg.loadFromEnv()

	if cfg.DBPath != filepath.Join("/tmp/feed", "cortexfeed.db") {
		t.Fatalf("unexpected db path %s", cfg.DBPath)
	}
	if cfg.BatchSize != 4 || cfg.SchedulerEnabled {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
	if len(cfg.DefaultSymbols) != 2 || cfg.DefaultSymbols[1] != "msft" {
		t.Fatalf("unexpected symbols %v", cfg.DefaultSymbols)
	}
}

func TestProviderCandidates(t *testing.T) {
	cfg := &Config{ProvidersFile: "conf/providers.json"}
	got := cfg.ProviderCandidates()
	if len(got) != 3 || got[1] != "conf/providers.yaml" {
		t.Fatalf("unexpected candidates %v", got)
	}
}
