package ingest

import (
	"context"
	"sync"
	"testing"

	"github.com/dyike/cortexfeed/internal/logging"
	"github.com/dyike/cortexfeed/internal/models"
	"github.com/dyike/cortexfeed/internal/provider"
	"github.com/dyike/cortexfeed/internal/storage/sqlite"
)

type recordedRun struct {
	run     models.ProviderRun
	errs    []models.ProviderRunError
	batches []models.ProviderRunBatch
}

type fakeStore struct {
	mu       sync.Mutex
	results  []*provider.Result
	runs     []recordedRun
	writeErr error
}

func (f *fakeStore) WriteResult(_ context.Context, res *provider.Result) (sqlite.WriteStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return sqlite.WriteStats{}, f.writeErr
	}
	f.results = append(f.results, res)
	c := res.Counts()
	return sqlite.WriteStats{Prices: c.Prices, News: c.News, Data: c.Data}, nil
}

func (f *fakeStore) InsertRun(_ context.Context, run models.ProviderRun, errs []models.ProviderRunError, batches []models.ProviderRunBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, recordedRun{run: run, errs: errs, batches: batches})
	return nil
}

func (f *fakeStore) recorded() []recordedRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRun(nil), f.runs...)
}

func (f *fakeStore) written() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

// priceAdapter returns one bar per requested symbol unless fail says otherwise.
func priceAdapter(fail func(symbol string) error) provider.AdapterFunc {
	return func(ctx context.Context, call provider.Call) (*provider.Result, error) {
		res := &provider.Result{SourceID: call.Source.ID}
		for _, sym := range call.Options.Symbols {
			if fail != nil {
				if err := fail(sym); err != nil {
					return nil, err
				}
			}
			res.Prices = append(res.Prices, models.PriceBar{Symbol: sym, Date: "2024-05-01"})
			res.News = append(res.News, models.NewsItem{Symbol: sym, ID: sym + "-1", Title: sym})
		}
		return res, nil
	}
}

func newTestRunner(t *testing.T, store *fakeStore, cfg Config, configs []provider.SourceConfig, adapters map[string]provider.Adapter) (*Runner, *provider.Registry) {
	t.Helper()
	catalog := provider.Catalog{}
	for id, a := range adapters {
		catalog[id] = func(provider.SourceConfig) (provider.Adapter, error) { return a, nil }
	}
	reg := provider.NewRegistry(configs, catalog, logging.Nop())
	applier := NewApplier(store, nil, nil, 0, logging.Nop())
	return NewRunner(reg, applier, cfg, logging.Nop()), reg
}

func source(id string, symbols ...string) provider.SourceConfig {
	return provider.SourceConfig{
		ID:           id,
		Kind:         provider.KindPrices,
		Enabled:      true,
		Symbols:      symbols,
		RateLimitRPM: 0,
		MaxRetries:   2,
	}
}
