package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dyike/cortexfeed/config"
	"github.com/dyike/cortexfeed/internal/ingest"
	"github.com/dyike/cortexfeed/internal/models"
	"github.com/dyike/cortexfeed/internal/provider"
)

func fakeCatalog() provider.Catalog {
	return provider.Catalog{
		"fake": func(provider.SourceConfig) (provider.Adapter, error) {
			return provider.AdapterFunc(func(ctx context.Context, call provider.Call) (*provider.Result, error) {
				res := provider.NewResult(call.Source.ID, time.Now())
				for _, s := range call.Options.Symbols {
					res.Prices = append(res.Prices, models.PriceBar{
						Symbol: s,
						Date:   "2024-05-01",
						Close:  decimal.NewFromInt(10),
					})
				}
				return res, nil
			}), nil
		},
	}
}

func testSetup(t *testing.T) (*config.Config, openFunc) {
	t.Helper()
	dir := t.TempDir()
	providers := filepath.Join(dir, "providers.json")
	body := `[{"id":"fake","name":"Fake","kind":"prices","symbols":["AAA","BBB"],"rateLimitRpm":0}]`
	if err := os.WriteFile(providers, []byte(body), 0o644); err != nil {
		t.Fatalf("write providers: %v", err)
	}
	cfg := config.DefaultConfigWithRoot(dir)
	cfg.ProvidersFile = providers
	cfg.MetricsEnabled = false
	open := func() (*app, error) {
		return buildApp(cfg, zerolog.Nop(), fakeCatalog())
	}
	return cfg, open
}

func execute(t *testing.T, cfg *config.Config, open openFunc, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(cfg, open)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestIngestCommandRecordsRun(t *testing.T) {
	cfg, open := testSetup(t)

	out, err := execute(t, cfg, open, "ingest", "fake")
	if err != nil {
		t.Fatalf("ingest: %v\n%s", err, out)
	}
	if !strings.Contains(out, "2 in 1 batches") {
		t.Fatalf("unexpected summary:\n%s", out)
	}

	a, err := open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	runs, err := a.store.ListRuns(context.Background(), "fake", 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || !runs[0].Success || runs[0].PriceCount != 2 {
		t.Fatalf("unexpected runs %+v", runs)
	}
	n, err := a.store.CountRows(context.Background(), "prices")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 price rows, got %d (%v)", n, err)
	}
}

func TestIngestCommandDryRunSkipsRows(t *testing.T) {
	cfg, open := testSetup(t)

	if out, err := execute(t, cfg, open, "ingest", "fake", "--dry-run", "--symbols", "ccc"); err != nil {
		t.Fatalf("ingest: %v\n%s", err, out)
	}
	a, err := open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if n, _ := a.store.CountRows(context.Background(), "prices"); n != 0 {
		t.Fatalf("dry run persisted %d rows", n)
	}
	if runs, _ := a.store.ListRuns(context.Background(), "fake", 10, 0); len(runs) != 1 {
		t.Fatalf("dry run must still be recorded, got %d runs", len(runs))
	}
}

func TestIngestCommandUnknownSource(t *testing.T) {
	cfg, open := testSetup(t)
	if _, err := execute(t, cfg, open, "ingest", "nope"); err == nil {
		t.Fatal("expected error for unknown source")
	}
}

func TestProvidersAndRunsCommands(t *testing.T) {
	cfg, open := testSetup(t)

	out, err := execute(t, cfg, open, "providers", "list")
	if err != nil {
		t.Fatalf("providers list: %v", err)
	}
	if !strings.Contains(out, "fake") || !strings.Contains(out, "Fake") {
		t.Fatalf("provider missing from listing:\n%s", out)
	}

	if _, err := execute(t, cfg, open, "ingest-all"); err != nil {
		t.Fatalf("ingest-all: %v", err)
	}
	out, err = execute(t, cfg, open, "runs", "list", "fake")
	if err != nil {
		t.Fatalf("runs list: %v", err)
	}
	if !strings.Contains(out, "ok") {
		t.Fatalf("expected a successful run in listing:\n%s", out)
	}

	if _, err := execute(t, cfg, open, "runs", "prune", "--days", "0"); err == nil {
		t.Fatal("expected --days validation error")
	}
	out, err = execute(t, cfg, open, "runs", "prune", "--days", "1")
	if err != nil || !strings.Contains(out, "pruned 0 runs") {
		t.Fatalf("prune: %v\n%s", err, out)
	}
}

func TestRenderBulk(t *testing.T) {
	out := renderBulk(ingest.BulkOutcome{
		Concurrency: 2,
		Outcomes: []ingest.SourceOutcome{
			{SourceID: "a", OK: true, Summary: &ingest.Summary{Prices: 3}},
			{SourceID: "b", Error: "source not found"},
		},
		Succeeded: 1,
		Failed:    1,
	})
	for _, want := range []string{"3 prices", "source not found", "1 succeeded, 1 failed"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestIngestFlagsSince(t *testing.T) {
	opts, err := ingestFlags{since: "2024-05-01", limit: 5}.options()
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if opts.Since.Format(models.DateLayout) != "2024-05-01" || opts.Limit != 5 {
		t.Fatalf("unexpected options %+v", opts)
	}
	if _, err := (ingestFlags{since: "May 1"}).options(); err == nil {
		t.Fatal("expected parse error")
	}
}
