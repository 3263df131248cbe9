// Package api exposes the coordinator's control surface: run submission,
// status, cancellation, wait-token wakes, and a server-sent event stream
// per run.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/flowplane/flowplane/internal/bus"
	"github.com/flowplane/flowplane/internal/coordinator"
	"github.com/flowplane/flowplane/internal/logger"
	"github.com/flowplane/flowplane/internal/metrics"
	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/store"
	"github.com/flowplane/flowplane/internal/workflow"
)

// Config tunes the HTTP server.
type Config struct {
	Addr string
	// SSEHeartbeat keeps idle event streams alive through proxies.
	SSEHeartbeat time.Duration
}

// Server wires the control API over the coordinator manager.
type Server struct {
	manager *coordinator.Manager
	bus     bus.Bus
	cfg     Config
	http    *http.Server
}

func NewServer(manager *coordinator.Manager, b bus.Bus, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.SSEHeartbeat <= 0 {
		cfg.SSEHeartbeat = 15 * time.Second
	}
	s := &Server{manager: manager, bus: b, cfg: cfg}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/runs", s.handleStartRun)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Post("/runs/{runID}/cancel", s.handleCancelRun)
		r.Get("/runs/{runID}/events", s.handleRunEvents)
		r.Post("/wakes/{token}", s.handleWake)
	})
	return r
}

// Start serves until ctx is done, then drains with a shutdown grace
// period.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "Control API listening", "addr", s.cfg.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

type startRunRequest struct {
	Workflow       *model.Workflow `json:"workflow"`
	TenantID       string          `json:"tenantId"`
	Trigger        json.RawMessage `json:"trigger,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenantId is required")
		return
	}

	run, err := s.manager.StartRun(r.Context(), coordinator.StartRequest{
		Workflow:       req.Workflow,
		TenantID:       req.TenantID,
		Trigger:        req.Trigger,
		Priority:       req.Priority,
		IdempotencyKey: req.IdempotencyKey,
	})
	switch {
	case err == nil:
	case errors.Is(err, workflow.ErrInvalidWorkflow):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, coordinator.ErrCapacity):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	default:
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.manager.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleCancelRun requests cancellation and answers with the run's
// current state; cancelling a finished run just echoes the terminal
// snapshot.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	err := s.manager.Cancel(r.Context(), runID)
	switch {
	case err == nil:
		run, gerr := s.manager.GetRun(r.Context(), runID)
		if gerr != nil {
			writeError(w, http.StatusInternalServerError, gerr.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, run)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, coordinator.ErrNotOwned):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type wakeRequest struct {
	Outcome model.Outcome    `json:"outcome"`
	Output  json.RawMessage  `json:"output,omitempty"`
	Error   *model.StepError `json:"error,omitempty"`
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	var req wakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}
	if req.Outcome == "" {
		req.Outcome = model.OutcomeSucceeded
	}

	err := s.manager.Wake(r.Context(), model.Wake{
		WaitToken: token,
		Outcome:   req.Outcome,
		Output:    req.Output,
		Error:     req.Error,
	})
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown wait token")
	case errors.Is(err, coordinator.ErrNotOwned):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleRunEvents streams a run's lifecycle over SSE: one snapshot event
// first, then live deltas. The stream ends when the run reaches a
// terminal state.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	ctx := r.Context()

	run, err := s.manager.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before the snapshot so no transition between the two is
	// missed; duplicates are fine, gaps are not.
	events, release, err := s.bus.SubscribeEvents(ctx, bus.EventTopic)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, "snapshot", run)
	flusher.Flush()
	if run.State.Terminal() {
		return
	}

	heartbeat := time.NewTicker(s.cfg.SSEHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case body, open := <-events:
			if !open {
				return
			}
			var ev model.Event
			if err := json.Unmarshal(body, &ev); err != nil || ev.RunID != runID {
				continue
			}
			writeSSE(w, string(ev.Type), ev)
			flusher.Flush()
			if ev.RunState.Terminal() {
				return
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"ownedRuns": s.manager.OwnedRuns(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
