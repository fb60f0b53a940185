package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dyike/cortexfeed/internal/logging"
	"github.com/dyike/cortexfeed/internal/models"
	"github.com/dyike/cortexfeed/internal/provider"
)

type indexCall struct {
	symbol string
	docs   int
	at     time.Time
}

type fakeIndexer struct {
	mu    sync.Mutex
	calls []indexCall
	fail  string
}

func (f *fakeIndexer) Index(_ context.Context, _, symbol string, items []models.NewsItem) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, indexCall{symbol: symbol, docs: len(items), at: time.Now()})
	if symbol == f.fail {
		return 0, errors.New("indexer unavailable")
	}
	return len(items), nil
}

func newsResult(symbols ...string) *provider.Result {
	res := &provider.Result{SourceID: "feed"}
	for _, sym := range symbols {
		res.News = append(res.News, models.NewsItem{Symbol: sym, ID: sym + "-" + time.Now().Format("150405.000000000"), Title: sym})
	}
	return res
}

func TestApplyIndexesNewsPerSymbol(t *testing.T) {
	store := &fakeStore{}
	idx := &fakeIndexer{fail: "BBB"}
	delay := 20 * time.Millisecond
	applier := NewApplier(store, idx, nil, delay, logging.Nop())

	res := newsResult("CCC", "AAA", "BBB", "AAA")
	summary, err := applier.Apply(context.Background(), res, time.Now(), ApplyOptions{Rag: true})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if len(idx.calls) != 3 {
		t.Fatalf("expected one call per symbol, got %+v", idx.calls)
	}
	want := []struct {
		symbol string
		docs   int
	}{{"AAA", 2}, {"BBB", 1}, {"CCC", 1}}
	for i, w := range want {
		if idx.calls[i].symbol != w.symbol || idx.calls[i].docs != w.docs {
			t.Fatalf("call %d = %+v, want %+v", i, idx.calls[i], w)
		}
		if i > 0 && idx.calls[i].at.Sub(idx.calls[i-1].at) < delay {
			t.Fatalf("groups %d and %d were not spaced by %v", i-1, i, delay)
		}
	}

	if summary.RagIndexed != 3 {
		t.Fatalf("expected 3 indexed documents from the healthy groups, got %d", summary.RagIndexed)
	}
	runs := store.recorded()
	if len(runs) != 1 || !runs[0].run.Success || runs[0].run.RagIndexed != 3 {
		t.Fatalf("indexing failure must not fail the run: %+v", runs)
	}
}

func TestApplySkipsIndexingWhenNotRequested(t *testing.T) {
	store := &fakeStore{}
	idx := &fakeIndexer{}
	applier := NewApplier(store, idx, nil, 0, logging.Nop())

	if _, err := applier.Apply(context.Background(), newsResult("AAA"), time.Now(), ApplyOptions{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := applier.Apply(context.Background(), newsResult("AAA"), time.Now(), ApplyOptions{Rag: true, DryRun: true}); err != nil {
		t.Fatalf("apply dry run: %v", err)
	}
	if len(idx.calls) != 0 {
		t.Fatalf("indexer should not be called, got %+v", idx.calls)
	}
	if len(store.recorded()) != 2 {
		t.Fatalf("both runs must be recorded")
	}
}
