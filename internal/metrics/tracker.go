// Package metrics keeps per-source run statistics in memory and mirrors them
// to Prometheus collectors.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// emaWeight is the weight of the newest observation in the moving average.
const emaWeight = 0.1

// Counts are the item totals of one run.
type Counts struct {
	Prices int `json:"prices"`
	News   int `json:"news"`
	Data   int `json:"data"`
	Errors int `json:"errors"`
}

// Snapshot is the rolling state of one source since process start.
type Snapshot struct {
	SourceID  string    `json:"sourceId"`
	Runs      int64     `json:"runs"`
	Successes int64     `json:"successes"`
	Failures  int64     `json:"failures"`
	LastMs    float64   `json:"lastMs"`
	AvgMs     float64   `json:"avgMs"`
	LastItems Counts    `json:"lastItems"`
	LastOK    bool      `json:"lastOk"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Tracker records run outcomes per source. It is safe for concurrent use.
type Tracker struct {
	mu    sync.RWMutex
	stats map[string]*Snapshot
	prom  *Collectors
	now   func() time.Time
}

// NewTracker returns an empty tracker. prom may be nil.
func NewTracker(prom *Collectors) *Tracker {
	return &Tracker{
		stats: map[string]*Snapshot{},
		prom:  prom,
		now:   time.Now,
	}
}

// Record folds one finished run into the source's snapshot.
func (t *Tracker) Record(sourceID string, success bool, d time.Duration, counts Counts) Snapshot {
	ms := float64(d) / float64(time.Millisecond)

	t.mu.Lock()
	s, ok := t.stats[sourceID]
	if !ok {
		s = &Snapshot{SourceID: sourceID, AvgMs: ms}
		t.stats[sourceID] = s
	} else {
		s.AvgMs = s.AvgMs*(1-emaWeight) + ms*emaWeight
	}
	s.Runs++
	if success {
		s.Successes++
	} else {
		s.Failures++
	}
	s.LastMs = ms
	s.LastItems = counts
	s.LastOK = success
	s.UpdatedAt = t.now()
	snap := *s
	t.mu.Unlock()

	t.prom.observeRun(sourceID, success, d, counts)
	return snap
}

// Get returns the snapshot of one source.
func (t *Tracker) Get(sourceID string) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.stats[sourceID]
	if !ok {
		return Snapshot{}, false
	}
	return *s, true
}

// List returns every snapshot ordered by source id.
func (t *Tracker) List() []Snapshot {
	t.mu.RLock()
	out := make([]Snapshot, 0, len(t.stats))
	for _, s := range t.stats {
		out = append(out, *s)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// Reset forgets every snapshot.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.stats = map[string]*Snapshot{}
	t.mu.Unlock()
}
