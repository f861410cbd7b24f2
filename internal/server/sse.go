package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pair-review/pair-review/internal/analysis"
)

// handleSetupProgress streams a setup's progress as named server-sent
// events. Buffered events replay first, so attaching after steps already
// ran (or after completion, within the grace window) still shows the full
// history.
func (s *Server) handleSetupProgress(w http.ResponseWriter, r *http.Request) {
	setupID := r.URL.Query().Get("setup_id")
	if setupID == "" {
		badRequest(w, "setup_id is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	s.streamProgress(w, r, flusher, setupID)
}

// handleRunProgress streams a run's mirrored progress events. The replay
// buffer means a client attaching mid-run still sees every event the run
// already published.
func (s *Server) handleRunProgress(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	s.streamProgress(w, r, flusher, analysis.RunTopic(r.PathValue("run_id")))
}

func (s *Server) streamProgress(w http.ResponseWriter, r *http.Request, flusher http.Flusher, opID string) {
	events, cancel := s.progress.Subscribe(opID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
