package models

import "time"

// ProviderRun is the persisted record of one ingestion run. It is written once
// when the run finishes and never updated.
type ProviderRun struct {
	ID         string         `json:"id"`
	SourceID   string         `json:"source_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	DurationMs int64          `json:"duration_ms"`
	Success    bool           `json:"success"`
	ErrorCount int            `json:"error_count"`
	PriceCount int            `json:"price_count"`
	NewsCount  int            `json:"news_count"`
	DataCount  int            `json:"data_count"`
	RagIndexed int            `json:"rag_indexed"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// ProviderRunError is one symbol-level failure inside a run.
type ProviderRunError struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	SourceID  string    `json:"source_id"`
	Symbol    string    `json:"symbol"`
	Message   string    `json:"message"`
	Cause     string    `json:"cause,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ProviderRunBatch describes one processed chunk of symbols inside a run.
type ProviderRunBatch struct {
	ID         int64    `json:"id,omitempty"`
	RunID      string   `json:"run_id,omitempty"`
	BatchIndex int      `json:"batch_index"`
	BatchSize  int      `json:"batch_size"`
	DurationMs int64    `json:"duration_ms"`
	Symbols    []string `json:"symbols"`
}

// PerfStats aggregates recent runs of one source.
type PerfStats struct {
	SourceID      string    `json:"source_id"`
	Runs          int       `json:"runs"`
	Successes     int       `json:"successes"`
	Failures      int       `json:"failures"`
	SuccessRate   float64   `json:"success_rate"`
	AvgDurationMs float64   `json:"avg_duration_ms"`
	MinDurationMs int64     `json:"min_duration_ms"`
	MaxDurationMs int64     `json:"max_duration_ms"`
	AvgPrices     float64   `json:"avg_prices"`
	AvgNews       float64   `json:"avg_news"`
	TotalErrors   int       `json:"total_errors"`
	AvgBatchMs    float64   `json:"avg_batch_ms"`
	LastRunAt     time.Time `json:"last_run_at"`
}
