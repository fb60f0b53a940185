package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/dyike/cortexfeed/internal/ingest"
	"github.com/dyike/cortexfeed/internal/models"
	"github.com/dyike/cortexfeed/internal/provider"
	"github.com/dyike/cortexfeed/internal/scheduler"
)

type ingestRequest struct {
	Symbols []string `json:"symbols"`
	Rag     *bool    `json:"rag"`
	DryRun  bool     `json:"dryRun"`
	APIKey  string   `json:"apiKey"`
	Since   string   `json:"since"`
	Limit   int      `json:"limit"`
}

type bulkRequest struct {
	Providers   []string `json:"providers"`
	Rag         bool     `json:"rag"`
	DryRun      bool     `json:"dryRun"`
	Concurrency int      `json:"concurrency"`
	APIKey      string   `json:"apiKey"`
}

type disableRequest struct {
	Reason string `json:"reason"`
}

type pruneRequest struct {
	Days int `json:"days"`
}

// parseSince accepts RFC 3339 timestamps and plain dates.
func parseSince(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(models.DateLayout, v)
}

func (s *Server) options(id string, req ingestRequest) (provider.Options, error) {
	since, err := parseSince(req.Since)
	if err != nil {
		return provider.Options{}, err
	}
	rag := false
	if req.Rag != nil {
		rag = *req.Rag
	} else if cfg, ok := s.registry.Config(id); ok {
		rag = cfg.RagEnabled
	}
	return provider.Options{
		Symbols: req.Symbols,
		Since:   since,
		Limit:   req.Limit,
		Rag:     rag,
		DryRun:  req.DryRun,
		APIKey:  req.APIKey,
	}, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) descriptor(id string) (provider.Descriptor, bool) {
	for _, d := range s.registry.List() {
		if d.ID == id {
			return d, true
		}
	}
	return provider.Descriptor{}, false
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d, ok := s.descriptor(id)
	if !ok {
		respondError(w, "source not found: "+id, http.StatusNotFound)
		return
	}
	cfg, _ := s.registry.Config(id)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"provider": d,
		"config":   cfg,
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req ingestRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	opts, err := s.options(id, req)
	if err != nil {
		respondError(w, "invalid since: "+err.Error(), http.StatusBadRequest)
		return
	}

	summary, err := s.runner.Run(r.Context(), id, ingest.Request{Options: opts, Trigger: "api"})
	if err != nil && summary.RunID == "" {
		respondRunError(w, err)
		return
	}
	s.evaluate(r, id)
	if err != nil {
		respondError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleIngestAll(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Concurrency < 0 {
		respondError(w, "concurrency must be positive", http.StatusBadRequest)
		return
	}
	bulk := s.runner.RunAll(r.Context(), ingest.BulkRequest{
		Sources: req.Providers,
		Options: provider.Options{
			Rag:    req.Rag,
			DryRun: req.DryRun,
			APIKey: req.APIKey,
		},
		Concurrency: req.Concurrency,
		Trigger:     "api-bulk",
	})
	for _, o := range bulk.Outcomes {
		if o.Summary != nil {
			s.evaluate(r, o.SourceID)
		}
	}
	respondJSON(w, http.StatusOK, bulk)
}

// evaluate applies the auto-disable policy after a manual run.
func (s *Server) evaluate(r *http.Request, id string) {
	if s.monitor == nil {
		return
	}
	v, err := s.monitor.Evaluate(r.Context(), id)
	if err != nil {
		s.log.Warn().Err(err).Str("source", id).Msg("health evaluation failed")
		return
	}
	if v.Tripped {
		s.log.Warn().Str("source", id).Int("streak", v.ConsecutiveFailures).Msg("auto-disabled after manual run")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rep, err := s.monitor.Report(r.Context(), id)
	if errors.Is(err, provider.ErrSourceNotFound) {
		respondError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		respondError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	rows, err := s.monitor.Overview(r.Context())
	if err != nil {
		respondError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.scheduler.Entries())
}

func (s *Server) handleScheduleRestart(w http.ResponseWriter, r *http.Request) {
	n := s.scheduler.Restart()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"scheduled": n,
		"entries":   s.scheduler.Entries(),
	})
}

func (s *Server) handleScheduleRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	outcome, err := s.scheduler.Trigger(id)
	if err != nil {
		respondError(w, err.Error(), http.StatusNotFound)
		return
	}
	status := http.StatusAccepted
	if outcome != scheduler.OutcomeStarted {
		status = http.StatusConflict
	}
	respondJSON(w, status, map[string]interface{}{
		"sourceId": id,
		"outcome":  outcome,
	})
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.registry.Config(id); !ok {
		respondError(w, "source not found: "+id, http.StatusNotFound)
		return
	}
	changed := s.registry.Enable(id)
	s.prom.SetDisabled(id, false)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"id":       id,
		"disabled": false,
		"changed":  changed,
	})
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.registry.Config(id); !ok {
		respondError(w, "source not found: "+id, http.StatusNotFound)
		return
	}
	var req disableRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	changed := s.registry.Disable(id, req.Reason)
	s.prom.SetDisabled(id, true)
	reason, _ := s.registry.DisabledReason(id)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"id":       id,
		"disabled": true,
		"reason":   reason,
		"changed":  changed,
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit := parseLimit(r, "limit", defaultRunLimit, maxRunLimit)
	offset := parseOffset(r)
	runs, err := s.store.ListRuns(r.Context(), id, limit, offset)
	if err != nil {
		respondError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []models.ProviderRun{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sourceId": id,
		"limit":    limit,
		"offset":   offset,
		"runs":     runs,
	})
}

func (s *Server) handleRunBatches(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]
	run, err := s.store.GetRun(r.Context(), runID)
	if sqliteNotFound(err) {
		respondError(w, "run not found: "+runID, http.StatusNotFound)
		return
	}
	if err != nil {
		respondError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	batches, err := s.store.RunBatches(r.Context(), runID)
	if err != nil {
		respondError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if batches == nil {
		batches = []models.ProviderRunBatch{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"run":     run,
		"batches": batches,
	})
}

func (s *Server) handlePerfAggregate(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, "limit", defaultPerfRuns, maxPerfRuns)
	stats, err := s.store.PerfStats(r.Context(), "", limit)
	if err != nil {
		respondError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if stats == nil {
		stats = []models.PerfStats{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"limit":     limit,
		"providers": stats,
	})
}

func (s *Server) handlePerf(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit := parseLimit(r, "limit", defaultPerfRuns, maxPerfRuns)
	stats, err := s.store.PerfStats(r.Context(), id, limit)
	if err != nil {
		respondError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := models.PerfStats{SourceID: id}
	if len(stats) > 0 {
		out = stats[0]
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	var req pruneRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Days <= 0 {
		respondError(w, "days must be a positive integer", http.StatusBadRequest)
		return
	}
	cutoff := s.now().Add(-time.Duration(req.Days) * 24 * time.Hour)
	n, err := s.store.PruneRuns(r.Context(), cutoff)
	if err != nil {
		respondError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info().Int64("deleted", n).Int("days", req.Days).Msg("run history pruned")
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": n,
		"before":  cutoff.UTC(),
	})
}
