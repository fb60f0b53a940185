package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dyike/cortexfeed/internal/models"
	"github.com/dyike/cortexfeed/internal/provider"
	"github.com/dyike/cortexfeed/pkg/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log }
}

func Open(dbPath string, opts ...Option) (*Store, error) {
	db, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, log: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS providers (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    kind TEXT NOT NULL,
    enabled INTEGER NOT NULL,
    schedule_cron TEXT,
    rate_limit_rpm INTEGER NOT NULL,
    config_json TEXT NOT NULL,
    updated_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS prices (
    source TEXT NOT NULL,
    symbol TEXT NOT NULL,
    date TEXT NOT NULL,
    open TEXT NOT NULL,
    high TEXT NOT NULL,
    low TEXT NOT NULL,
    close TEXT NOT NULL,
    adj_close TEXT NOT NULL,
    volume INTEGER NOT NULL DEFAULT 0,
    updated_at_ms INTEGER NOT NULL,
    PRIMARY KEY (source, symbol, date)
);

CREATE TABLE IF NOT EXISTS news (
    source TEXT NOT NULL,
    symbol TEXT NOT NULL,
    id TEXT NOT NULL,
    title TEXT NOT NULL,
    url TEXT,
    summary TEXT,
    content TEXT,
    publisher TEXT,
    published_at_ms INTEGER,
    updated_at_ms INTEGER NOT NULL,
    PRIMARY KEY (source, symbol, id)
);

CREATE TABLE IF NOT EXISTS provider_data (
    source TEXT NOT NULL,
    symbol TEXT NOT NULL,
    kind TEXT NOT NULL,
    as_of TEXT NOT NULL,
    payload TEXT NOT NULL,
    updated_at_ms INTEGER NOT NULL,
    PRIMARY KEY (source, symbol, kind, as_of)
);

CREATE TABLE IF NOT EXISTS provider_runs (
    id TEXT PRIMARY KEY,
    source_id TEXT NOT NULL,
    started_at_ms INTEGER NOT NULL,
    finished_at_ms INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    success INTEGER NOT NULL,
    error_count INTEGER NOT NULL,
    price_count INTEGER NOT NULL,
    news_count INTEGER NOT NULL,
    data_count INTEGER NOT NULL,
    rag_indexed INTEGER NOT NULL,
    meta_json TEXT
);

CREATE INDEX IF NOT EXISTS idx_provider_runs_source_started ON provider_runs(source_id, started_at_ms DESC);

CREATE TABLE IF NOT EXISTS provider_run_errors (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES provider_runs(id) ON DELETE CASCADE,
    source_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    message TEXT NOT NULL,
    cause TEXT,
    created_at_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_provider_run_errors_source ON provider_run_errors(source_id, created_at_ms DESC);

CREATE TABLE IF NOT EXISTS provider_run_batches (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES provider_runs(id) ON DELETE CASCADE,
    batch_index INTEGER NOT NULL,
    batch_size INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    symbols_json TEXT NOT NULL,
    UNIQUE(run_id, batch_index)
);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// WriteStats counts rows handled by WriteResult.
type WriteStats struct {
	Prices  int `json:"prices"`
	News    int `json:"news"`
	Data    int `json:"data"`
	Skipped int `json:"skipped"`
}

// WriteResult upserts every row of res in one transaction. A row that fails
// is logged and skipped; the rest of the transaction still commits.
func (s *Store) WriteResult(ctx context.Context, res *provider.Result) (WriteStats, error) {
	var stats WriteStats
	if res == nil {
		return stats, nil
	}
	log := s.log.With().Str("source", res.SourceID).Logger()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin write tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UnixMilli()

	if len(res.Prices) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO prices (source, symbol, date, open, high, low, close, adj_close, volume, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(source, symbol, date) DO UPDATE SET
    open=excluded.open,
    high=excluded.high,
    low=excluded.low,
    close=excluded.close,
    adj_close=excluded.adj_close,
    volume=excluded.volume,
    updated_at_ms=excluded.updated_at_ms
`)
		if err != nil {
			return stats, fmt.Errorf("prepare price upsert: %w", err)
		}
		for _, p := range res.Prices {
			source := firstNonEmpty(p.Source, res.SourceID)
			if p.Symbol == "" || p.Date == "" {
				log.Warn().Str("symbol", p.Symbol).Str("date", p.Date).Msg("skipping price row without key")
				stats.Skipped++
				continue
			}
			if _, err := stmt.ExecContext(ctx, source, p.Symbol, p.Date,
				p.Open.String(), p.High.String(), p.Low.String(), p.Close.String(), p.AdjClose.String(),
				p.Volume, now); err != nil {
				log.Warn().Err(err).Str("symbol", p.Symbol).Str("date", p.Date).Msg("price upsert failed")
				stats.Skipped++
				continue
			}
			stats.Prices++
		}
		_ = stmt.Close()
	}

	if len(res.News) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO news (source, symbol, id, title, url, summary, content, publisher, published_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(source, symbol, id) DO UPDATE SET
    title=excluded.title,
    url=excluded.url,
    summary=excluded.summary,
    content=excluded.content,
    publisher=excluded.publisher,
    published_at_ms=excluded.published_at_ms,
    updated_at_ms=excluded.updated_at_ms
`)
		if err != nil {
			return stats, fmt.Errorf("prepare news upsert: %w", err)
		}
		for _, n := range res.News {
			source := firstNonEmpty(n.Source, res.SourceID)
			if n.Symbol == "" || n.ID == "" {
				log.Warn().Str("symbol", n.Symbol).Str("id", n.ID).Msg("skipping news row without key")
				stats.Skipped++
				continue
			}
			var published any
			if !n.PublishedAt.IsZero() {
				published = n.PublishedAt.UnixMilli()
			}
			if _, err := stmt.ExecContext(ctx, source, n.Symbol, n.ID, n.Title, n.URL, n.Summary,
				n.Content, n.Publisher, published, now); err != nil {
				log.Warn().Err(err).Str("symbol", n.Symbol).Str("id", n.ID).Msg("news upsert failed")
				stats.Skipped++
				continue
			}
			stats.News++
		}
		_ = stmt.Close()
	}

	if len(res.ProviderData) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO provider_data (source, symbol, kind, as_of, payload, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(source, symbol, kind, as_of) DO UPDATE SET
    payload=excluded.payload,
    updated_at_ms=excluded.updated_at_ms
`)
		if err != nil {
			return stats, fmt.Errorf("prepare provider data upsert: %w", err)
		}
		for _, d := range res.ProviderData {
			source := firstNonEmpty(d.Source, res.SourceID)
			if d.Symbol == "" || d.Kind == "" {
				log.Warn().Str("symbol", d.Symbol).Str("kind", d.Kind).Msg("skipping provider data row without key")
				stats.Skipped++
				continue
			}
			asOf := d.AsOf
			if asOf == "" {
				asOf = models.DayKey(s.now())
			}
			payload := string(d.Payload)
			if payload == "" {
				payload = "null"
			}
			if _, err := stmt.ExecContext(ctx, source, d.Symbol, d.Kind, asOf, payload, now); err != nil {
				log.Warn().Err(err).Str("symbol", d.Symbol).Str("kind", d.Kind).Msg("provider data upsert failed")
				stats.Skipped++
				continue
			}
			stats.Data++
		}
		_ = stmt.Close()
	}

	if err := tx.Commit(); err != nil {
		return WriteStats{Skipped: stats.Prices + stats.News + stats.Data + stats.Skipped},
			fmt.Errorf("commit write tx: %w", err)
	}
	return stats, nil
}

// InsertRun stores a finished run with its errors and batches.
func (s *Store) InsertRun(ctx context.Context, run models.ProviderRun, errs []models.ProviderRunError, batches []models.ProviderRunBatch) error {
	if strings.TrimSpace(run.ID) == "" {
		return fmt.Errorf("run id is required")
	}
	meta, err := marshalMeta(run.Meta)
	if err != nil {
		return fmt.Errorf("marshal run meta: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin run tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO provider_runs (id, source_id, started_at_ms, finished_at_ms, duration_ms, success,
    error_count, price_count, news_count, data_count, rag_indexed, meta_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, run.ID, run.SourceID, run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli(), run.DurationMs,
		boolToInt(run.Success), run.ErrorCount, run.PriceCount, run.NewsCount, run.DataCount,
		run.RagIndexed, meta); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	createdAt := run.FinishedAt.UnixMilli()
	for _, e := range errs {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO provider_run_errors (run_id, source_id, symbol, message, cause, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?)
`, run.ID, run.SourceID, e.Symbol, e.Message, e.Cause, createdAt); err != nil {
			return fmt.Errorf("insert run error: %w", err)
		}
	}

	for _, b := range batches {
		symbols, err := json.Marshal(b.Symbols)
		if err != nil {
			return fmt.Errorf("marshal batch symbols: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO provider_run_batches (run_id, batch_index, batch_size, duration_ms, symbols_json)
VALUES (?, ?, ?, ?, ?)
`, run.ID, b.BatchIndex, b.BatchSize, b.DurationMs, string(symbols)); err != nil {
			return fmt.Errorf("insert run batch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run tx: %w", err)
	}
	return nil
}

// SyncProviders mirrors the registered source configs for display.
func (s *Store) SyncProviders(ctx context.Context, configs []provider.SourceConfig) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin providers tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UnixMilli()
	for _, c := range configs {
		raw, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal provider %s: %w", c.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO providers (id, name, kind, enabled, schedule_cron, rate_limit_rpm, config_json, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    name=excluded.name,
    kind=excluded.kind,
    enabled=excluded.enabled,
    schedule_cron=excluded.schedule_cron,
    rate_limit_rpm=excluded.rate_limit_rpm,
    config_json=excluded.config_json,
    updated_at_ms=excluded.updated_at_ms
`, c.ID, c.DisplayName(), string(c.Kind), boolToInt(c.Enabled), c.ScheduleCron, c.RateLimitRPM,
			string(raw), now); err != nil {
			return fmt.Errorf("upsert provider %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// PruneRuns deletes runs started before cutoff together with their errors and
// batches. It returns the number of runs removed.
func (s *Store) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ms := cutoff.UnixMilli()
	for _, q := range []string{
		`DELETE FROM provider_run_errors WHERE run_id IN (SELECT id FROM provider_runs WHERE started_at_ms < ?)`,
		`DELETE FROM provider_run_batches WHERE run_id IN (SELECT id FROM provider_runs WHERE started_at_ms < ?)`,
	} {
		if _, err := tx.ExecContext(ctx, q, ms); err != nil {
			return 0, fmt.Errorf("prune run children: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM provider_runs WHERE started_at_ms < ?`, ms)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune tx: %w", err)
	}
	return n, nil
}

func marshalMeta(meta map[string]any) (any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
