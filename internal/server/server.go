package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pair-review/pair-review/internal/analysis"
	"github.com/pair-review/pair-review/internal/config"
	"github.com/pair-review/pair-review/internal/progress"
	"github.com/pair-review/pair-review/internal/provider"
	"github.com/pair-review/pair-review/internal/pubsub"
	"github.com/pair-review/pair-review/internal/setup"
	"github.com/pair-review/pair-review/internal/store"
)

// Server is the pair-review HTTP API: setup orchestration with progress
// streams, session queries, council runs, comments, and review
// submission. The websocket endpoint carries the pubsub broker.
type Server struct {
	store     *store.Store
	setups    *setup.Orchestrator
	scheduler *analysis.Scheduler
	progress  *progress.Broker
	pubsub    *pubsub.Broker
	provider  provider.Client
	cfg       *config.Config
	srv       *http.Server
}

func New(st *store.Store, setups *setup.Orchestrator, sched *analysis.Scheduler,
	prog *progress.Broker, ps *pubsub.Broker, client provider.Client, cfg *config.Config) *Server {
	return &Server{
		store:     st,
		setups:    setups,
		scheduler: sched,
		progress:  prog,
		pubsub:    ps,
		provider:  client,
		cfg:       cfg,
	}
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	addr := fmt.Sprintf(":%d", port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // WebSocket and SSE need no write timeout
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
		s.pubsub.CloseAll()
	}()

	slog.Info("starting server", "addr", addr)
	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /setup/pr/{owner}/{repo}/{n}", s.handleSetupPR)
	mux.HandleFunc("GET /setup/pr/progress", s.handleSetupProgress)
	mux.HandleFunc("POST /setup/local", s.handleSetupLocal)
	mux.HandleFunc("GET /setup/local/progress", s.handleSetupProgress)

	mux.HandleFunc("GET /session/{id}", s.handleGetSession)
	mux.HandleFunc("GET /session/{id}/diff", s.handleGetDiff)
	mux.HandleFunc("GET /session/{id}/suggestions", s.handleListSuggestions)

	mux.HandleFunc("POST /councils", s.handleSaveCouncil)
	mux.HandleFunc("GET /councils", s.handleListCouncils)

	mux.HandleFunc("POST /session/{id}/analyses/council", s.handleStartCouncil)
	mux.HandleFunc("POST /session/{id}/analyses/{run_id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /session/{id}/analyses/{run_id}/progress", s.handleRunProgress)

	mux.HandleFunc("GET /session/{id}/comments", s.handleListComments)
	mux.HandleFunc("POST /session/{id}/comments", s.handleCreateComment)
	mux.HandleFunc("PUT /session/{id}/comments/{comment_id}", s.handleUpdateComment)
	mux.HandleFunc("DELETE /session/{id}/comments/{comment_id}", s.handleDeleteComment)

	mux.HandleFunc("POST /suggestions/{id}/adopt", s.handleAdoptSuggestion)
	mux.HandleFunc("POST /suggestions/{id}/dismiss", s.handleDismissSuggestion)

	mux.HandleFunc("POST /session/{id}/review", s.handleSubmitReview)

	mux.HandleFunc("GET /ws", s.pubsub.HandleWS)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
