// Package api exposes the ingestion service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/dyike/cortexfeed/internal/health"
	"github.com/dyike/cortexfeed/internal/ingest"
	"github.com/dyike/cortexfeed/internal/metrics"
	"github.com/dyike/cortexfeed/internal/models"
	"github.com/dyike/cortexfeed/internal/provider"
	"github.com/dyike/cortexfeed/internal/scheduler"
	"github.com/dyike/cortexfeed/internal/storage/sqlite"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 200
	defaultPerfRuns = 50
	maxPerfRuns     = 1000
)

// RunStore is the run history the API reads and prunes.
type RunStore interface {
	ListRuns(ctx context.Context, sourceID string, limit, offset int) ([]models.ProviderRun, error)
	GetRun(ctx context.Context, runID string) (models.ProviderRun, error)
	RunBatches(ctx context.Context, runID string) ([]models.ProviderRunBatch, error)
	PerfStats(ctx context.Context, sourceID string, limit int) ([]models.PerfStats, error)
	PruneRuns(ctx context.Context, cutoff time.Time) (int64, error)
}

// Deps are the collaborators of the server. Prom may be nil.
type Deps struct {
	Registry  *provider.Registry
	Runner    *ingest.Runner
	Scheduler *scheduler.Scheduler
	Monitor   *health.Monitor
	Store     RunStore
	Prom      *metrics.Collectors
	Logger    zerolog.Logger
}

type Server struct {
	registry  *provider.Registry
	runner    *ingest.Runner
	scheduler *scheduler.Scheduler
	monitor   *health.Monitor
	store     RunStore
	prom      *metrics.Collectors
	log       zerolog.Logger
	router    *mux.Router
	now       func() time.Time
}

func NewServer(d Deps) *Server {
	s := &Server{
		registry:  d.Registry,
		runner:    d.Runner,
		scheduler: d.Scheduler,
		monitor:   d.Monitor,
		store:     d.Store,
		prom:      d.Prom,
		log:       d.Logger,
		router:    mux.NewRouter(),
		now:       time.Now,
	}
	s.routes()
	return s
}

// Handler is the root handler with logging and CORS applied.
func (s *Server) Handler() http.Handler {
	return s.logRequests(corsMiddleware(s.router))
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/healthz", s.handleLiveness).Methods(http.MethodGet)
	r.Handle("/metrics", s.prom.Handler()).Methods(http.MethodGet)

	p := r.PathPrefix("/providers").Subrouter()
	// Static paths first: mux matches in registration order.
	p.HandleFunc("", s.handleList).Methods(http.MethodGet)
	p.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	p.HandleFunc("/schedule", s.handleSchedule).Methods(http.MethodGet)
	p.HandleFunc("/schedule/restart", s.handleScheduleRestart).Methods(http.MethodPost)
	p.HandleFunc("/ingest/all", s.handleIngestAll).Methods(http.MethodPost)
	p.HandleFunc("/perf/aggregate", s.handlePerfAggregate).Methods(http.MethodGet)
	p.HandleFunc("/runs/prune", s.handlePrune).Methods(http.MethodPost)
	p.HandleFunc("/runs/{runId}/batches", s.handleRunBatches).Methods(http.MethodGet)

	p.HandleFunc("/{id}", s.handleGet).Methods(http.MethodGet)
	p.HandleFunc("/{id}/ingest", s.handleIngest).Methods(http.MethodPost)
	p.HandleFunc("/{id}/ingest/stream", s.handleStream).Methods(http.MethodGet)
	p.HandleFunc("/{id}/health", s.handleHealth).Methods(http.MethodGet)
	p.HandleFunc("/{id}/enable", s.handleEnable).Methods(http.MethodPost)
	p.HandleFunc("/{id}/disable", s.handleDisable).Methods(http.MethodPost)
	p.HandleFunc("/{id}/schedule/run", s.handleScheduleRun).Methods(http.MethodPost)
	p.HandleFunc("/{id}/runs", s.handleRuns).Methods(http.MethodGet)
	p.HandleFunc("/{id}/perf", s.handlePerf).Methods(http.MethodGet)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"sources": len(s.registry.Configs()),
		"time":    s.now().UTC(),
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, status, map[string]interface{}{
		"error": message,
	})
}

// respondRunError maps run start failures onto status codes.
func respondRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, provider.ErrSourceNotFound), errors.Is(err, ingest.ErrNoSymbols):
		respondError(w, err.Error(), http.StatusBadRequest)
	default:
		respondError(w, err.Error(), http.StatusInternalServerError)
	}
}

func decodeBody(r *http.Request, dst interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func parseLimit(r *http.Request, key string, def, max int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func parseOffset(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("offset"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming handlers working behind the recorder.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

// sqliteNotFound reports whether err is a missing row from the store.
func sqliteNotFound(err error) bool {
	return errors.Is(err, sqlite.ErrNotFound)
}
