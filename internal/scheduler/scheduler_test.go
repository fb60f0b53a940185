package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dyike/cortexfeed/internal/health"
	"github.com/dyike/cortexfeed/internal/ingest"
	"github.com/dyike/cortexfeed/internal/logging"
	"github.com/dyike/cortexfeed/internal/provider"
	"github.com/dyike/cortexfeed/internal/storage/sqlite"
)

type blockingRunner struct {
	mu      sync.Mutex
	calls   int
	started chan string
	release chan struct{}
}

func (b *blockingRunner) Run(ctx context.Context, id string, req ingest.Request) (ingest.Summary, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	b.started <- id
	<-b.release
	return ingest.Summary{SourceID: id, Success: true}, nil
}

func registryWith(configs ...provider.SourceConfig) *provider.Registry {
	catalog := provider.Catalog{}
	for _, c := range configs {
		catalog[c.ID] = func(provider.SourceConfig) (provider.Adapter, error) {
			return provider.AdapterFunc(func(context.Context, provider.Call) (*provider.Result, error) {
				return nil, errors.New("upstream down")
			}), nil
		}
	}
	return provider.NewRegistry(configs, catalog, logging.Nop())
}

func TestParseSpec(t *testing.T) {
	valid := []string{"*/5 * * * *", "0 */2 * * * *", "@hourly", "@every 90s", " 0 9 * * 1-5 "}
	for _, spec := range valid {
		if _, err := ParseSpec(spec); err != nil {
			t.Fatalf("%q: unexpected error %v", spec, err)
		}
	}
	invalid := []string{"", "not a cron", "61 * * * *", "* * *"}
	for _, spec := range invalid {
		if _, err := ParseSpec(spec); err == nil {
			t.Fatalf("%q: expected error", spec)
		}
	}
}

func TestStartSkipsInvalidAndUnscheduled(t *testing.T) {
	reg := registryWith(
		provider.SourceConfig{ID: "a", Kind: provider.KindPrices, Enabled: true, ScheduleCron: "*/10 * * * *"},
		provider.SourceConfig{ID: "b", Kind: provider.KindPrices, Enabled: true, ScheduleCron: "bogus"},
		provider.SourceConfig{ID: "c", Kind: provider.KindPrices, Enabled: true},
		provider.SourceConfig{ID: "d", Kind: provider.KindNews, Enabled: true, ScheduleCron: "@every 1h"},
	)
	s := New(&blockingRunner{}, reg, nil, nil, logging.Nop())
	if n := s.Start(context.Background()); n != 2 {
		t.Fatalf("expected 2 scheduled sources, got %d", n)
	}
	defer s.Stop()

	entries := s.Entries()
	if len(entries) != 2 || entries[0].SourceID != "a" || entries[1].SourceID != "d" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if entries[0].Cron != "*/10 * * * *" {
		t.Fatalf("unexpected cron %q", entries[0].Cron)
	}

	if n := s.Restart(); n != 2 {
		t.Fatalf("expected restart to reschedule 2, got %d", n)
	}
	<-s.Stop().Done()
	if len(s.Entries()) != 0 {
		t.Fatal("stop must clear entries")
	}
}

func TestTriggerPreventsOverlap(t *testing.T) {
	reg := registryWith(provider.SourceConfig{ID: "feed", Kind: provider.KindNews, Enabled: true})
	runner := &blockingRunner{started: make(chan string, 2), release: make(chan struct{})}
	s := New(runner, reg, nil, nil, logging.Nop())

	first, err := s.Trigger("feed")
	if err != nil || first != OutcomeStarted {
		t.Fatalf("first trigger: %v %v", first, err)
	}
	second, err := s.Trigger("feed")
	if err != nil || second != OutcomeSkippedOverlap {
		t.Fatalf("expected overlap skip, got %v %v", second, err)
	}
	<-runner.started
	if !s.Running("feed") {
		t.Fatal("expected running flag while in flight")
	}
	close(runner.release)
	s.Wait()

	if runner.calls != 1 {
		t.Fatalf("expected exactly one run, got %d", runner.calls)
	}
	if s.Running("feed") {
		t.Fatal("running flag must clear after the run")
	}
	if _, err := s.Trigger("missing"); !errors.Is(err, provider.ErrSourceNotFound) {
		t.Fatalf("expected ErrSourceNotFound, got %v", err)
	}
}

func TestAutoDisableRejectsFurtherTicks(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "sched.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	reg := registryWith(provider.SourceConfig{
		ID: "feed", Kind: provider.KindNews, Enabled: true, Symbols: []string{"AAPL"}, DisableOnFailures: 2,
	})
	applier := ingest.NewApplier(store, nil, nil, 0, logging.Nop())
	runner := ingest.NewRunner(reg, applier, ingest.Config{}, logging.Nop())
	monitor := health.NewMonitor(store, reg, nil, nil, logging.Nop())
	s := New(runner, reg, monitor, nil, logging.Nop())

	for i := 0; i < 2; i++ {
		out, err := s.Trigger("feed")
		if err != nil || out != OutcomeStarted {
			t.Fatalf("trigger %d: %v %v", i, out, err)
		}
		s.Wait()
		// Runs are keyed by start time; keep them strictly ordered.
		time.Sleep(2 * time.Millisecond)
	}

	if !reg.IsDisabled("feed") {
		t.Fatal("expected source to be auto-disabled after 2 failed runs")
	}
	out, err := s.Trigger("feed")
	if err != nil || out != OutcomeSkippedDisabled {
		t.Fatalf("expected disabled skip, got %v %v", out, err)
	}
	if _, err := runner.Run(context.Background(), "feed", ingest.Request{}); !errors.Is(err, provider.ErrSourceNotFound) {
		t.Fatalf("expected manual ingest rejection, got %v", err)
	}

	reg.Enable("feed")
	out, _ = s.Trigger("feed")
	if out != OutcomeStarted {
		t.Fatalf("expected run after enable, got %v", out)
	}
	s.Wait()
}

func TestShutdownLetsInFlightCallFinish(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "sched.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var calls int
	var callErr error
	catalog := provider.Catalog{
		"feed": func(provider.SourceConfig) (provider.Adapter, error) {
			return provider.AdapterFunc(func(ctx context.Context, call provider.Call) (*provider.Result, error) {
				mu.Lock()
				calls++
				first := calls == 1
				mu.Unlock()
				if first {
					close(entered)
					<-release
					callErr = ctx.Err()
				}
				return &provider.Result{}, nil
			}), nil
		},
	}
	reg := provider.NewRegistry([]provider.SourceConfig{{
		ID: "feed", Kind: provider.KindNews, Enabled: true, Symbols: []string{"AAPL", "MSFT"}, DisableOnFailures: 1,
	}}, catalog, logging.Nop())
	applier := ingest.NewApplier(store, nil, nil, 0, logging.Nop())
	runner := ingest.NewRunner(reg, applier, ingest.Config{BatchSize: 1}, logging.Nop())
	monitor := health.NewMonitor(store, reg, nil, nil, logging.Nop())
	s := New(runner, reg, monitor, nil, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	if out, err := s.Trigger("feed"); err != nil || out != OutcomeStarted {
		t.Fatalf("trigger: %v %v", out, err)
	}
	<-entered
	cancel()
	s.Stop()
	close(release)
	s.Wait()

	if callErr != nil {
		t.Fatalf("in-flight call was cancelled: %v", callErr)
	}
	if calls != 1 {
		t.Fatalf("expected the run to stop at the batch boundary, got %d calls", calls)
	}
	runs, err := store.ListRuns(context.Background(), "feed", 10, 0)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || !runs[0].Success {
		t.Fatalf("shutdown must not record a failed run: %+v", runs)
	}
	if reg.IsDisabled("feed") {
		t.Fatal("shutdown must not feed the failure streak")
	}
}
