package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/dyike/cortexfeed/internal/ingest"
)

// handleStream runs a source and pushes its events as Server-Sent Events.
// Query: symbols (comma separated), rag, dryRun, since, limit.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	req := ingestRequest{
		DryRun: parseBool(q.Get("dryRun")),
		Since:  q.Get("since"),
	}
	if v := q.Get("symbols"); v != "" {
		req.Symbols = strings.Split(v, ",")
	}
	if v := q.Get("rag"); v != "" {
		rag := parseBool(v)
		req.Rag = &rag
	}
	if v := q.Get("limit"); v != "" {
		req.Limit, _ = strconv.Atoi(v)
	}
	opts, err := s.options(id, req)
	if err != nil {
		respondError(w, "invalid since: "+err.Error(), http.StatusBadRequest)
		return
	}

	// The run outlives the request; a disconnect aborts it at the next batch.
	exec, err := s.runner.Start(context.WithoutCancel(r.Context()), id, ingest.Request{Options: opts, Trigger: "stream"})
	if err != nil {
		respondRunError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := exec.Events()
	for {
		select {
		case <-r.Context().Done():
			exec.Abort()
			s.log.Info().Str("source", id).Str("run", exec.RunID).Msg("stream client gone, aborting run")
			go s.evaluateAfter(exec, id)
			return
		case ev, ok := <-events:
			if !ok {
				s.evaluateAfter(exec, id)
				return
			}
			if err := writeEvent(w, ev); err != nil {
				exec.Abort()
				go s.evaluateAfter(exec, id)
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) evaluateAfter(exec *ingest.Execution, id string) {
	_, _ = exec.Wait()
	if s.monitor == nil {
		return
	}
	if v, err := s.monitor.Evaluate(context.Background(), id); err == nil && v.Tripped {
		s.log.Warn().Str("source", id).Int("streak", v.ConsecutiveFailures).Msg("auto-disabled after streamed run")
	}
}

func writeEvent(w http.ResponseWriter, ev ingest.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

func parseBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}
