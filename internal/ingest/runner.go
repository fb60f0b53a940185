// Package ingest runs sources through their adapters and records the outcome.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dyike/cortexfeed/internal/models"
	"github.com/dyike/cortexfeed/internal/provider"
)

const (
	DefaultBatchSize       = 10
	DefaultBulkConcurrency = 3
	MaxBulkConcurrency     = 16
)

// ErrNoSymbols is returned when a run resolves to an empty symbol set.
var ErrNoSymbols = errors.New("no symbols to ingest")

// Sources resolves registered sources.
type Sources interface {
	Get(id string) (*provider.Entry, bool)
	IDs() []string
}

// Sink receives every finished result exactly once.
type Sink interface {
	Apply(ctx context.Context, res *provider.Result, startedAt time.Time, opts ApplyOptions) (Summary, error)
}

// Config tunes the runner.
type Config struct {
	BatchSize       int
	BulkConcurrency int
	// DefaultSymbols is used when neither the request, the source config nor
	// the adapter name any symbols.
	DefaultSymbols []string
}

// Runner executes ingestion runs. It is safe for concurrent use.
type Runner struct {
	sources Sources
	sink    Sink
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time
}

func NewRunner(sources Sources, sink Sink, cfg Config, log zerolog.Logger) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BulkConcurrency <= 0 {
		cfg.BulkConcurrency = DefaultBulkConcurrency
	}
	return &Runner{sources: sources, sink: sink, cfg: cfg, log: log, now: time.Now}
}

// EventType names the stages of a run.
type EventType string

const (
	EventStart    EventType = "start"
	EventProgress EventType = "progress"
	EventEnd      EventType = "end"
	EventError    EventType = "error"
)

// Progress describes one completed batch and the running totals.
type Progress struct {
	Batch        int      `json:"batch"`
	TotalBatches int      `json:"totalBatches"`
	Symbols      []string `json:"symbols"`
	DurationMs   int64    `json:"durationMs"`
	Prices       int      `json:"prices"`
	News         int      `json:"news"`
	Data         int      `json:"providerData"`
	Errors       int      `json:"errors"`
}

// Event is emitted on an execution's event channel.
type Event struct {
	Type         EventType `json:"type"`
	RunID        string    `json:"runId"`
	SourceID     string    `json:"sourceId"`
	Symbols      []string  `json:"symbols,omitempty"`
	TotalBatches int       `json:"totalBatches,omitempty"`
	Progress     *Progress `json:"progress,omitempty"`
	Summary      *Summary  `json:"summary,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Request carries the per-run flags beyond the adapter options.
type Request struct {
	Options provider.Options
	Trigger string
}

// Execution is one in-flight run.
type Execution struct {
	RunID    string
	SourceID string
	Symbols  []string
	Batches  int

	events  chan Event
	done    chan struct{}
	abort   atomic.Bool
	summary Summary
	err     error
}

// Events yields start, one progress per batch, then end or error. The channel
// is closed when the run has been recorded. Reading it is optional.
func (e *Execution) Events() <-chan Event { return e.events }

// Abort asks the run to stop at the next batch boundary.
func (e *Execution) Abort() { e.abort.Store(true) }

// Wait blocks until the run has been recorded.
func (e *Execution) Wait() (Summary, error) {
	<-e.done
	return e.summary, e.err
}

// Done is closed when the run has been recorded.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Start launches a run of id in the background. It fails fast when the source
// is unknown or disabled.
func (r *Runner) Start(ctx context.Context, id string, req Request) (*Execution, error) {
	return r.start(ctx, ctx, id, req)
}

// start runs id under ctx and checks stop before every batch.
func (r *Runner) start(ctx, stop context.Context, id string, req Request) (*Execution, error) {
	entry, ok := r.sources.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", provider.ErrSourceNotFound, id)
	}
	symbols := r.resolveSymbols(entry, req.Options.Symbols)
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%s: %w", id, ErrNoSymbols)
	}
	batches := partition(symbols, r.cfg.BatchSize)

	exec := &Execution{
		RunID:    uuid.NewString(),
		SourceID: id,
		Symbols:  symbols,
		Batches:  len(batches),
		events:   make(chan Event, len(batches)+2),
		done:     make(chan struct{}),
	}
	go r.execute(ctx, stop, entry, exec, batches, req)
	return exec, nil
}

// Run executes id synchronously. Cancelling ctx does not interrupt calls in
// flight: the run stops at the next batch boundary and is recorded as aborted.
func (r *Runner) Run(ctx context.Context, id string, req Request) (Summary, error) {
	exec, err := r.start(context.WithoutCancel(ctx), ctx, id, req)
	if err != nil {
		return Summary{}, err
	}
	return exec.Wait()
}

func (r *Runner) execute(ctx, stop context.Context, entry *provider.Entry, exec *Execution, batches [][]string, req Request) {
	defer close(exec.done)
	defer close(exec.events)

	log := r.log.With().Str("source", exec.SourceID).Str("run", exec.RunID).Logger()
	started := r.now()
	res := provider.NewResult(exec.SourceID, started)
	res.Symbols = exec.Symbols

	exec.events <- Event{
		Type:         EventStart,
		RunID:        exec.RunID,
		SourceID:     exec.SourceID,
		Symbols:      exec.Symbols,
		TotalBatches: len(batches),
	}
	log.Info().Int("symbols", len(exec.Symbols)).Int("batches", len(batches)).Msg("run started")

	policy := PolicyFor(entry.Config)
	retries := 0
	aborted := false
	for i, batch := range batches {
		if exec.abort.Load() || stop.Err() != nil {
			aborted = true
			break
		}
		batchStart := r.now()
		for _, sym := range batch {
			retries += r.ingestSymbol(ctx, log, entry, policy, sym, req.Options, res)
		}
		elapsed := r.now().Sub(batchStart)
		res.Batches = append(res.Batches, models.ProviderRunBatch{
			BatchIndex: i + 1,
			BatchSize:  len(batch),
			DurationMs: elapsed.Milliseconds(),
			Symbols:    batch,
		})
		c := res.Counts()
		exec.events <- Event{
			Type:     EventProgress,
			RunID:    exec.RunID,
			SourceID: exec.SourceID,
			Progress: &Progress{
				Batch:        i + 1,
				TotalBatches: len(batches),
				Symbols:      batch,
				DurationMs:   elapsed.Milliseconds(),
				Prices:       c.Prices,
				News:         c.News,
				Data:         c.Data,
				Errors:       c.Errors,
			},
		}
		log.Debug().Int("batch", i+1).Int("total", len(batches)).Dur("took", elapsed).Msg("batch done")
	}

	res.FinishedAt = r.now()
	if retries > 0 {
		res.Meta["retries"] = retries
	}
	if aborted {
		res.Meta["aborted"] = true
		res.Meta["completedBatches"] = len(res.Batches)
		log.Warn().Int("completed", len(res.Batches)).Int("total", len(batches)).Msg("run aborted")
	}

	// The run is recorded even when the caller's context is gone.
	summary, err := r.sink.Apply(context.WithoutCancel(ctx), res, started, ApplyOptions{
		RunID:   exec.RunID,
		Rag:     req.Options.Rag,
		DryRun:  req.Options.DryRun,
		Trigger: req.Trigger,
	})
	exec.summary, exec.err = summary, err

	if err != nil {
		exec.events <- Event{Type: EventError, RunID: exec.RunID, SourceID: exec.SourceID, Error: err.Error()}
		return
	}
	exec.events <- Event{Type: EventEnd, RunID: exec.RunID, SourceID: exec.SourceID, Summary: &summary}
}

// ingestSymbol calls the adapter for one symbol and folds the outcome into
// res. It returns the number of retries used.
func (r *Runner) ingestSymbol(ctx context.Context, log zerolog.Logger, entry *provider.Entry, policy RetryPolicy, symbol string, opts provider.Options, res *provider.Result) int {
	callOpts := opts
	callOpts.Symbols = []string{symbol}
	call := provider.Call{
		Source:  entry.Config,
		APIKey:  entry.APIKey(opts.APIKey),
		Options: callOpts,
		Logger:  log.With().Str("symbol", symbol).Logger(),
	}

	var out *provider.Result
	attempts, err := WithRetry(ctx, policy, func(attempt int) error {
		if err := entry.Limiter.Wait(ctx, 1); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
		got, err := invoke(ctx, entry.Adapter, call)
		if err != nil {
			if attempt < policy.MaxRetries && provider.IsRetryable(err) {
				call.Logger.Debug().Err(err).Int("attempt", attempt+1).Msg("retrying symbol")
			}
			return err
		}
		out = got
		return nil
	})
	if err != nil {
		call.Logger.Warn().Err(err).Int("attempts", attempts).Msg("symbol failed")
		res.AddError(symbol, err)
		return attempts - 1
	}
	if out != nil {
		stampSource(out, entry.Config.ID)
		res.Merge(out)
	}
	return attempts - 1
}

// invoke calls the adapter, turning a panic into an error.
func invoke(ctx context.Context, a provider.Adapter, call provider.Call) (res *provider.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("adapter panic: %v", p)
		}
	}()
	return a.Ingest(ctx, call)
}

func stampSource(res *provider.Result, id string) {
	for i := range res.Prices {
		if res.Prices[i].Source == "" {
			res.Prices[i].Source = id
		}
	}
	for i := range res.News {
		if res.News[i].Source == "" {
			res.News[i].Source = id
		}
	}
	for i := range res.ProviderData {
		if res.ProviderData[i].Source == "" {
			res.ProviderData[i].Source = id
		}
	}
}

func (r *Runner) resolveSymbols(entry *provider.Entry, requested []string) []string {
	candidates := requested
	if len(candidates) == 0 {
		candidates = entry.Config.Symbols
	}
	if len(candidates) == 0 {
		if ds, ok := entry.Adapter.(provider.DefaultSymbolser); ok {
			candidates = ds.DefaultSymbols()
		}
	}
	if len(candidates) == 0 {
		candidates = r.cfg.DefaultSymbols
	}
	return NormalizeSymbols(candidates)
}

// NormalizeSymbols trims, upper-cases and de-duplicates symbols keeping the
// first occurrence order.
func NormalizeSymbols(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func partition(symbols []string, size int) [][]string {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]string
	for start := 0; start < len(symbols); start += size {
		end := start + size
		if end > len(symbols) {
			end = len(symbols)
		}
		out = append(out, symbols[start:end:end])
	}
	return out
}

// BulkRequest selects sources for RunAll. Empty Sources means every
// registered source that is not disabled.
type BulkRequest struct {
	Sources     []string
	Options     provider.Options
	Concurrency int
	Trigger     string
}

// SourceOutcome is the result of one source inside a bulk run.
type SourceOutcome struct {
	SourceID   string   `json:"sourceId"`
	OK         bool     `json:"ok"`
	Summary    *Summary `json:"summary,omitempty"`
	Error      string   `json:"error,omitempty"`
	DurationMs int64    `json:"durationMs"`
}

// BulkOutcome aggregates a bulk run.
type BulkOutcome struct {
	Concurrency int             `json:"concurrency"`
	Outcomes    []SourceOutcome `json:"results"`
	Errors      []string        `json:"errors"`
	Succeeded   int             `json:"succeeded"`
	Failed      int             `json:"failed"`
	DurationMs  int64           `json:"durationMs"`
}

// RunAll runs many sources through a bounded worker pool. Sources start in
// request order; each source's batches still run sequentially. Once ctx is
// done queued sources are not started and running ones stop at their next
// batch boundary.
func (r *Runner) RunAll(ctx context.Context, req BulkRequest) BulkOutcome {
	started := r.now()
	ids := req.Sources
	if len(ids) == 0 {
		for _, id := range r.sources.IDs() {
			if _, ok := r.sources.Get(id); ok {
				ids = append(ids, id)
			}
		}
	}

	width := req.Concurrency
	if width <= 0 {
		width = r.cfg.BulkConcurrency
	}
	if width > MaxBulkConcurrency {
		width = MaxBulkConcurrency
	}

	outcomes := make([]SourceOutcome, len(ids))
	var mu sync.Mutex
	var errs []string

	g := new(errgroup.Group)
	g.SetLimit(width)
	for i, id := range ids {
		g.Go(func() error {
			t0 := r.now()
			out := SourceOutcome{SourceID: id}
			opts := req.Options
			opts.Symbols = nil
			var summary Summary
			err := ctx.Err()
			if err == nil {
				summary, err = r.Run(ctx, id, Request{Options: opts, Trigger: req.Trigger})
			}
			out.DurationMs = r.now().Sub(t0).Milliseconds()
			if err != nil {
				out.Error = err.Error()
				mu.Lock()
				errs = append(errs, fmt.Sprintf("%s: %v", id, err))
				mu.Unlock()
			} else {
				out.OK = summary.Success
				out.Summary = &summary
			}
			outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()

	bulk := BulkOutcome{
		Concurrency: width,
		Outcomes:    outcomes,
		Errors:      errs,
		DurationMs:  r.now().Sub(started).Milliseconds(),
	}
	if bulk.Errors == nil {
		bulk.Errors = []string{}
	}
	for _, o := range outcomes {
		if o.OK {
			bulk.Succeeded++
		} else {
			bulk.Failed++
		}
	}
	r.log.Info().
		Int("sources", len(ids)).
		Int("succeeded", bulk.Succeeded).
		Int("failed", bulk.Failed).
		Int("concurrency", width).
		Int64("duration_ms", bulk.DurationMs).
		Msg("bulk run finished")
	return bulk
}
