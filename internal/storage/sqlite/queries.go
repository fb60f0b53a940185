package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dyike/cortexfeed/internal/models"
)

const runColumns = `id, source_id, started_at_ms, finished_at_ms, duration_ms, success,
    error_count, price_count, news_count, data_count, rag_indexed, meta_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (models.ProviderRun, error) {
	var (
		run             models.ProviderRun
		started, finish int64
		success         int
		meta            sql.NullString
	)
	if err := row.Scan(&run.ID, &run.SourceID, &started, &finish, &run.DurationMs, &success,
		&run.ErrorCount, &run.PriceCount, &run.NewsCount, &run.DataCount, &run.RagIndexed, &meta); err != nil {
		return run, err
	}
	run.StartedAt = time.UnixMilli(started).UTC()
	run.FinishedAt = time.UnixMilli(finish).UTC()
	run.Success = success == 1
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &run.Meta); err != nil {
			return run, fmt.Errorf("decode run meta: %w", err)
		}
	}
	return run, nil
}

// ListRuns returns runs of sourceID newest first.
func (s *Store) ListRuns(ctx context.Context, sourceID string, limit, offset int) ([]models.ProviderRun, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+runColumns+`
FROM provider_runs
WHERE source_id = ?
ORDER BY started_at_ms DESC, id DESC
LIMIT ? OFFSET ?
`, sourceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []models.ProviderRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRun returns one run or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, runID string) (models.ProviderRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM provider_runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return run, ErrNotFound
	}
	if err != nil {
		return run, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// LastSuccess returns the newest successful run of sourceID, or ErrNotFound.
func (s *Store) LastSuccess(ctx context.Context, sourceID string) (models.ProviderRun, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+runColumns+`
FROM provider_runs
WHERE source_id = ? AND success = 1
ORDER BY started_at_ms DESC, id DESC
LIMIT 1
`, sourceID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return run, ErrNotFound
	}
	if err != nil {
		return run, fmt.Errorf("last success: %w", err)
	}
	return run, nil
}

// RecentErrors returns the newest symbol errors recorded for sourceID.
func (s *Store) RecentErrors(ctx context.Context, sourceID string, limit int) ([]models.ProviderRunError, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, run_id, source_id, symbol, message, cause, created_at_ms
FROM provider_run_errors
WHERE source_id = ?
ORDER BY created_at_ms DESC, id DESC
LIMIT ?
`, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query run errors: %w", err)
	}
	defer rows.Close()

	var out []models.ProviderRunError
	for rows.Next() {
		var (
			e       models.ProviderRunError
			cause   sql.NullString
			created int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.SourceID, &e.Symbol, &e.Message, &cause, &created); err != nil {
			return nil, fmt.Errorf("scan run error: %w", err)
		}
		e.Cause = cause.String
		e.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// RunErrors returns the symbol errors of one run.
func (s *Store) RunErrors(ctx context.Context, runID string) ([]models.ProviderRunError, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, run_id, source_id, symbol, message, cause, created_at_ms
FROM provider_run_errors
WHERE run_id = ?
ORDER BY id
`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run errors: %w", err)
	}
	defer rows.Close()

	var out []models.ProviderRunError
	for rows.Next() {
		var (
			e       models.ProviderRunError
			cause   sql.NullString
			created int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.SourceID, &e.Symbol, &e.Message, &cause, &created); err != nil {
			return nil, fmt.Errorf("scan run error: %w", err)
		}
		e.Cause = cause.String
		e.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// RunBatches returns the batch breakdown of one run in batch order.
func (s *Store) RunBatches(ctx context.Context, runID string) ([]models.ProviderRunBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, run_id, batch_index, batch_size, duration_ms, symbols_json
FROM provider_run_batches
WHERE run_id = ?
ORDER BY batch_index
`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run batches: %w", err)
	}
	defer rows.Close()

	var out []models.ProviderRunBatch
	for rows.Next() {
		var (
			b       models.ProviderRunBatch
			symbols string
		)
		if err := rows.Scan(&b.ID, &b.RunID, &b.BatchIndex, &b.BatchSize, &b.DurationMs, &symbols); err != nil {
			return nil, fmt.Errorf("scan run batch: %w", err)
		}
		if err := json.Unmarshal([]byte(symbols), &b.Symbols); err != nil {
			return nil, fmt.Errorf("decode batch symbols: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// PerfStats aggregates the last limit runs of every source, or of sourceID
// when it is not empty.
func (s *Store) PerfStats(ctx context.Context, sourceID string, limit int) ([]models.PerfStats, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
WITH recent AS (
    SELECT id, source_id, started_at_ms, duration_ms, success, error_count, price_count, news_count,
           ROW_NUMBER() OVER (PARTITION BY source_id ORDER BY started_at_ms DESC, id DESC) AS rn
    FROM provider_runs
    WHERE (? = '' OR source_id = ?)
),
picked AS (
    SELECT * FROM recent WHERE rn <= ?
)
SELECT p.source_id,
       COUNT(*),
       SUM(p.success),
       AVG(p.duration_ms),
       MIN(p.duration_ms),
       MAX(p.duration_ms),
       AVG(p.price_count),
       AVG(p.news_count),
       SUM(p.error_count),
       MAX(p.started_at_ms),
       (SELECT AVG(b.duration_ms) FROM provider_run_batches b WHERE b.run_id IN
            (SELECT id FROM picked WHERE source_id = p.source_id))
FROM picked p
GROUP BY p.source_id
ORDER BY p.source_id
`, sourceID, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query perf stats: %w", err)
	}
	defer rows.Close()

	var out []models.PerfStats
	for rows.Next() {
		var (
			st       models.PerfStats
			lastRun  int64
			batchAvg sql.NullFloat64
		)
		if err := rows.Scan(&st.SourceID, &st.Runs, &st.Successes, &st.AvgDurationMs, &st.MinDurationMs,
			&st.MaxDurationMs, &st.AvgPrices, &st.AvgNews, &st.TotalErrors, &lastRun, &batchAvg); err != nil {
			return nil, fmt.Errorf("scan perf stats: %w", err)
		}
		st.Failures = st.Runs - st.Successes
		if st.Runs > 0 {
			st.SuccessRate = float64(st.Successes) / float64(st.Runs)
		}
		st.AvgBatchMs = batchAvg.Float64
		st.LastRunAt = time.UnixMilli(lastRun).UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}

// PriceBars returns stored bars for source and symbol ordered by date.
func (s *Store) PriceBars(ctx context.Context, source, symbol string) ([]models.PriceBar, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT source, symbol, date, open, high, low, close, adj_close, volume
FROM prices
WHERE source = ? AND symbol = ?
ORDER BY date
`, source, symbol)
	if err != nil {
		return nil, fmt.Errorf("query prices: %w", err)
	}
	defer rows.Close()

	var out []models.PriceBar
	for rows.Next() {
		var (
			p                    models.PriceBar
			open, high, low, cls string
			adj                  string
		)
		if err := rows.Scan(&p.Source, &p.Symbol, &p.Date, &open, &high, &low, &cls, &adj, &p.Volume); err != nil {
			return nil, fmt.Errorf("scan price: %w", err)
		}
		p.Open = parseDecimal(open)
		p.High = parseDecimal(high)
		p.Low = parseDecimal(low)
		p.Close = parseDecimal(cls)
		p.AdjClose = parseDecimal(adj)
		out = append(out, p)
	}
	return out, rows.Err()
}

// NewsItems returns stored news for source and symbol, newest first.
func (s *Store) NewsItems(ctx context.Context, source, symbol string) ([]models.NewsItem, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT source, symbol, id, title, url, summary, content, publisher, published_at_ms
FROM news
WHERE source = ? AND symbol = ?
ORDER BY published_at_ms DESC, id
`, source, symbol)
	if err != nil {
		return nil, fmt.Errorf("query news: %w", err)
	}
	defer rows.Close()

	var out []models.NewsItem
	for rows.Next() {
		var (
			n                                models.NewsItem
			url, summary, content, publisher sql.NullString
			published                        sql.NullInt64
		)
		if err := rows.Scan(&n.Source, &n.Symbol, &n.ID, &n.Title, &url, &summary, &content, &publisher, &published); err != nil {
			return nil, fmt.Errorf("scan news: %w", err)
		}
		n.URL = url.String
		n.Summary = summary.String
		n.Content = content.String
		n.Publisher = publisher.String
		if published.Valid {
			n.PublishedAt = time.UnixMilli(published.Int64).UTC()
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// CountRows returns the number of rows in one of the data tables.
func (s *Store) CountRows(ctx context.Context, table string) (int, error) {
	switch table {
	case "prices", "news", "provider_data", "provider_runs", "provider_run_errors", "provider_run_batches", "providers":
	default:
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}
