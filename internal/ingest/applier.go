package ingest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dyike/cortexfeed/internal/indexer"
	"github.com/dyike/cortexfeed/internal/metrics"
	"github.com/dyike/cortexfeed/internal/models"
	"github.com/dyike/cortexfeed/internal/provider"
	"github.com/dyike/cortexfeed/internal/storage/sqlite"
)

// Store is the persistence the applier writes to.
type Store interface {
	WriteResult(ctx context.Context, res *provider.Result) (sqlite.WriteStats, error)
	InsertRun(ctx context.Context, run models.ProviderRun, errs []models.ProviderRunError, batches []models.ProviderRunBatch) error
}

// Recorder receives one observation per finished run.
type Recorder interface {
	Record(sourceID string, success bool, d time.Duration, counts metrics.Counts) metrics.Snapshot
}

// ApplyOptions are the per-run switches of Apply.
type ApplyOptions struct {
	RunID   string
	Rag     bool
	DryRun  bool
	Trigger string
}

// Summary is what callers get back from a finished run.
type Summary struct {
	RunID      string                 `json:"runId"`
	SourceID   string                 `json:"sourceId"`
	Success    bool                   `json:"success"`
	Symbols    int                    `json:"symbols"`
	Prices     int                    `json:"prices"`
	News       int                    `json:"news"`
	Data       int                    `json:"providerData"`
	ErrorCount int                    `json:"errorCount"`
	Errors     []provider.SymbolError `json:"errors"`
	RagIndexed int                    `json:"ragIndexed"`
	Batches    int                    `json:"batches"`
	DurationMs int64                  `json:"durationMs"`
	DryRun     bool                   `json:"dryRun,omitempty"`
	Aborted    bool                   `json:"aborted,omitempty"`
	Stored     *sqlite.WriteStats     `json:"stored,omitempty"`
}

// Applier persists results, forwards documents to the indexer and records
// the run.
type Applier struct {
	store      Store
	index      indexer.Indexer
	tracker    Recorder
	groupDelay time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

// NewApplier wires an applier. idx and tracker may be nil.
func NewApplier(store Store, idx indexer.Indexer, tracker Recorder, groupDelay time.Duration, log zerolog.Logger) *Applier {
	if idx == nil {
		idx = indexer.Noop{}
	}
	return &Applier{
		store:      store,
		index:      idx,
		tracker:    tracker,
		groupDelay: groupDelay,
		log:        log,
		now:        time.Now,
	}
}

// Apply writes res and always records exactly one run for it. Row and
// indexing failures are logged; only a failure to record the run itself is
// returned.
func (a *Applier) Apply(ctx context.Context, res *provider.Result, startedAt time.Time, opts ApplyOptions) (Summary, error) {
	if res == nil {
		return Summary{}, fmt.Errorf("apply: nil result")
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	log := a.log.With().Str("source", res.SourceID).Str("run", runID).Logger()

	meta := make(map[string]any, len(res.Meta)+3)
	for k, v := range res.Meta {
		meta[k] = v
	}
	if opts.Trigger != "" {
		meta["trigger"] = opts.Trigger
	}

	var stored *sqlite.WriteStats
	if opts.DryRun {
		meta["dryRun"] = true
	} else {
		stats, err := a.store.WriteResult(ctx, res)
		if err != nil {
			log.Error().Err(err).Msg("persisting result rows failed")
			meta["persistError"] = err.Error()
		}
		if stats.Skipped > 0 {
			meta["skippedRows"] = stats.Skipped
		}
		stored = &stats
	}

	indexed := 0
	if opts.Rag && !opts.DryRun && len(res.News) > 0 {
		indexed = a.forward(ctx, log, res)
	}

	finished := a.now()
	duration := finished.Sub(startedAt)
	counts := res.Counts()
	success := counts.Errors == 0

	run := models.ProviderRun{
		ID:         runID,
		SourceID:   res.SourceID,
		StartedAt:  startedAt,
		FinishedAt: finished,
		DurationMs: duration.Milliseconds(),
		Success:    success,
		ErrorCount: counts.Errors,
		PriceCount: counts.Prices,
		NewsCount:  counts.News,
		DataCount:  counts.Data,
		RagIndexed: indexed,
		Meta:       meta,
	}
	errs := make([]models.ProviderRunError, 0, len(res.Errors))
	for _, e := range res.Errors {
		errs = append(errs, models.ProviderRunError{
			RunID:    runID,
			SourceID: res.SourceID,
			Symbol:   e.Symbol,
			Message:  e.Message,
			Cause:    e.Cause,
		})
	}

	summary := Summary{
		RunID:      runID,
		SourceID:   res.SourceID,
		Success:    success,
		Symbols:    len(res.Symbols),
		Prices:     counts.Prices,
		News:       counts.News,
		Data:       counts.Data,
		ErrorCount: counts.Errors,
		Errors:     res.Errors,
		RagIndexed: indexed,
		Batches:    len(res.Batches),
		DurationMs: run.DurationMs,
		DryRun:     opts.DryRun,
		Stored:     stored,
	}
	if v, ok := meta["aborted"].(bool); ok {
		summary.Aborted = v
	}
	if summary.Errors == nil {
		summary.Errors = []provider.SymbolError{}
	}

	if a.tracker != nil {
		a.tracker.Record(res.SourceID, success, duration, metrics.Counts{
			Prices: counts.Prices,
			News:   counts.News,
			Data:   counts.Data,
			Errors: counts.Errors,
		})
	}

	if err := a.store.InsertRun(ctx, run, errs, res.Batches); err != nil {
		log.Error().Err(err).Msg("recording run failed")
		return summary, fmt.Errorf("record run %s: %w", runID, err)
	}

	log.Info().
		Bool("success", success).
		Int("prices", counts.Prices).
		Int("news", counts.News).
		Int("data", counts.Data).
		Int("errors", counts.Errors).
		Int("indexed", indexed).
		Int64("duration_ms", run.DurationMs).
		Bool("dry_run", opts.DryRun).
		Msg("run recorded")
	return summary, nil
}

// forward sends news grouped by symbol, pausing between groups.
func (a *Applier) forward(ctx context.Context, log zerolog.Logger, res *provider.Result) int {
	groups := map[string][]models.NewsItem{}
	for _, n := range res.News {
		groups[n.Symbol] = append(groups[n.Symbol], n)
	}
	symbols := make([]string, 0, len(groups))
	for s := range groups {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	total := 0
	for i, sym := range symbols {
		if i > 0 {
			if err := sleep(ctx, a.groupDelay); err != nil {
				log.Warn().Err(err).Int("remaining", len(symbols)-i).Msg("indexing interrupted")
				break
			}
		}
		n, err := a.index.Index(ctx, res.SourceID, sym, groups[sym])
		if err != nil {
			log.Warn().Err(err).Str("symbol", sym).Int("documents", len(groups[sym])).Msg("indexing failed")
			continue
		}
		total += n
	}
	return total
}
