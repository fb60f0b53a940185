// Package health derives source health from run history and applies the
// auto-disable policy.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyike/cortexfeed/internal/metrics"
	"github.com/dyike/cortexfeed/internal/models"
	"github.com/dyike/cortexfeed/internal/provider"
	"github.com/dyike/cortexfeed/internal/storage/sqlite"
)

// AutoDisableReason is recorded when a failure streak trips the breaker.
const AutoDisableReason = "auto: consecutive failures"

const defaultWindow = 20

// History is the run history the monitor reads.
type History interface {
	ListRuns(ctx context.Context, sourceID string, limit, offset int) ([]models.ProviderRun, error)
	LastSuccess(ctx context.Context, sourceID string) (models.ProviderRun, error)
	RecentErrors(ctx context.Context, sourceID string, limit int) ([]models.ProviderRunError, error)
}

// Sources is the part of the registry the monitor needs.
type Sources interface {
	Config(id string) (provider.SourceConfig, bool)
	IDs() []string
	Disable(id, reason string) bool
	DisabledReason(id string) (string, bool)
	EnabledAt(id string) (time.Time, bool)
}

// Snapshots exposes in-memory run metrics.
type Snapshots interface {
	Get(sourceID string) (metrics.Snapshot, bool)
}

// ConsecutiveFailures counts the newest-first failed runs before the first
// success.
func ConsecutiveFailures(runs []models.ProviderRun) int {
	n := 0
	for _, r := range runs {
		if r.Success {
			break
		}
		n++
	}
	return n
}

// failuresSince is ConsecutiveFailures over the runs started after at.
func failuresSince(runs []models.ProviderRun, at time.Time) int {
	n := 0
	for _, r := range runs {
		if r.Success || !r.StartedAt.After(at) {
			break
		}
		n++
	}
	return n
}

// Monitor computes health reports.
type Monitor struct {
	history History
	sources Sources
	stats   Snapshots
	prom    *metrics.Collectors
	log     zerolog.Logger
	window  int
}

// NewMonitor wires a monitor. stats and prom may be nil.
func NewMonitor(history History, sources Sources, stats Snapshots, prom *metrics.Collectors, log zerolog.Logger) *Monitor {
	return &Monitor{
		history: history,
		sources: sources,
		stats:   stats,
		prom:    prom,
		log:     log,
		window:  defaultWindow,
	}
}

// Verdict is the outcome of Evaluate.
type Verdict struct {
	SourceID            string `json:"sourceId"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	Threshold           int    `json:"threshold"`
	Disabled            bool   `json:"disabled"`
	// Tripped is true when this evaluation disabled the source.
	Tripped bool `json:"tripped"`
}

// Evaluate disables id when its failure streak reached the configured
// threshold. A threshold of zero never disables. After a manual enable only
// runs started since then count towards the threshold.
func (m *Monitor) Evaluate(ctx context.Context, id string) (Verdict, error) {
	cfg, ok := m.sources.Config(id)
	if !ok {
		return Verdict{}, fmt.Errorf("%w: %s", provider.ErrSourceNotFound, id)
	}
	runs, err := m.history.ListRuns(ctx, id, m.limitFor(cfg), 0)
	if err != nil {
		return Verdict{}, fmt.Errorf("load runs of %s: %w", id, err)
	}
	v := m.verdict(cfg, runs)
	if v.Disabled || v.Threshold <= 0 || m.streak(cfg.ID, runs) < v.Threshold {
		return v, nil
	}
	if m.sources.Disable(cfg.ID, AutoDisableReason) {
		v.Tripped = true
		m.prom.SetDisabled(cfg.ID, true)
		m.log.Warn().
			Str("source", cfg.ID).
			Int("streak", v.ConsecutiveFailures).
			Int("threshold", v.Threshold).
			Msg("source auto-disabled")
	}
	v.Disabled = true
	return v, nil
}

// verdict reads the current state without applying the policy.
func (m *Monitor) verdict(cfg provider.SourceConfig, runs []models.ProviderRun) Verdict {
	v := Verdict{
		SourceID:            cfg.ID,
		ConsecutiveFailures: ConsecutiveFailures(runs),
		Threshold:           cfg.DisableOnFailures,
	}
	_, v.Disabled = m.sources.DisabledReason(cfg.ID)
	return v
}

func (m *Monitor) streak(id string, runs []models.ProviderRun) int {
	if at, ok := m.sources.EnabledAt(id); ok {
		return failuresSince(runs, at)
	}
	return ConsecutiveFailures(runs)
}

func (m *Monitor) limitFor(cfg provider.SourceConfig) int {
	if cfg.DisableOnFailures > m.window {
		return cfg.DisableOnFailures
	}
	return m.window
}

// Report is the health view of one source.
type Report struct {
	Config              provider.SourceConfig     `json:"config"`
	Disabled            bool                      `json:"disabled"`
	DisabledReason      string                    `json:"disabledReason,omitempty"`
	LastRun             *models.ProviderRun       `json:"lastRun"`
	LastSuccess         *models.ProviderRun       `json:"lastSuccess"`
	ConsecutiveFailures int                       `json:"consecutiveFailures"`
	RecentRuns          []models.ProviderRun      `json:"recentRuns"`
	RecentErrors        []models.ProviderRunError `json:"recentErrors"`
	Metrics             *metrics.Snapshot         `json:"metrics"`
}

// Report builds the health view of id. It never changes the disable state.
func (m *Monitor) Report(ctx context.Context, id string) (Report, error) {
	cfg, ok := m.sources.Config(id)
	if !ok {
		return Report{}, fmt.Errorf("%w: %s", provider.ErrSourceNotFound, id)
	}
	runs, err := m.history.ListRuns(ctx, id, m.limitFor(cfg), 0)
	if err != nil {
		return Report{}, fmt.Errorf("load runs of %s: %w", id, err)
	}
	v := m.verdict(cfg, runs)

	rep := Report{
		Config:              cfg,
		Disabled:            v.Disabled,
		ConsecutiveFailures: v.ConsecutiveFailures,
		RecentRuns:          runs,
	}
	if rep.RecentRuns == nil {
		rep.RecentRuns = []models.ProviderRun{}
	}
	rep.DisabledReason, _ = m.sources.DisabledReason(id)
	if len(runs) > 0 {
		last := runs[0]
		rep.LastRun = &last
	}
	success, err := m.lastSuccess(ctx, id)
	if err != nil {
		return Report{}, err
	}
	rep.LastSuccess = success

	rep.RecentErrors, err = m.history.RecentErrors(ctx, id, m.window)
	if err != nil {
		return Report{}, fmt.Errorf("load errors of %s: %w", id, err)
	}
	if rep.RecentErrors == nil {
		rep.RecentErrors = []models.ProviderRunError{}
	}
	if m.stats != nil {
		if snap, ok := m.stats.Get(id); ok {
			rep.Metrics = &snap
		}
	}
	return rep, nil
}

func (m *Monitor) lastSuccess(ctx context.Context, id string) (*models.ProviderRun, error) {
	run, err := m.history.LastSuccess(ctx, id)
	if errors.Is(err, sqlite.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load last success of %s: %w", id, err)
	}
	return &run, nil
}

// SourceMetrics is one row of the metrics overview.
type SourceMetrics struct {
	SourceID            string            `json:"sourceId"`
	Disabled            bool              `json:"disabled"`
	LastSuccessAt       *time.Time        `json:"lastSuccessAt"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
	Metrics             *metrics.Snapshot `json:"metrics"`
}

// Overview lists every registered source with its metrics, last success and
// failure streak.
func (m *Monitor) Overview(ctx context.Context) ([]SourceMetrics, error) {
	ids := m.sources.IDs()
	out := make([]SourceMetrics, 0, len(ids))
	for _, id := range ids {
		cfg, ok := m.sources.Config(id)
		if !ok {
			continue
		}
		runs, err := m.history.ListRuns(ctx, id, m.limitFor(cfg), 0)
		if err != nil {
			return nil, fmt.Errorf("load runs of %s: %w", id, err)
		}
		v := m.verdict(cfg, runs)
		row := SourceMetrics{
			SourceID:            id,
			Disabled:            v.Disabled,
			ConsecutiveFailures: v.ConsecutiveFailures,
		}
		success, err := m.lastSuccess(ctx, id)
		if err != nil {
			return nil, err
		}
		if success != nil {
			at := success.StartedAt
			row.LastSuccessAt = &at
		}
		if m.stats != nil {
			if snap, ok := m.stats.Get(id); ok {
				row.Metrics = &snap
			}
		}
		out = append(out, row)
	}
	return out, nil
}
