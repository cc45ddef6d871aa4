package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/cancel"
	"github.com/BaSui01/stepflow/runner"
	"github.com/BaSui01/stepflow/state"
)

type server struct {
	runner *runner.Runner
	logger *zap.Logger
}

func newServer(r *runner.Runner, logger *zap.Logger) *server {
	return &server{runner: r, logger: logger.With(zap.String("component", "http"))}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /approvals", s.handlePendingApprovals)
	mux.HandleFunc("POST /approvals/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /approvals/{id}/reject", s.handleReject)
	mux.HandleFunc("POST /events", s.handleDeliverEvent)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancelRun)
	return mux
}

func (s *server) listenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		return httpServer.Shutdown(shutdownCtx)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Store().HealthCheck(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	pending, err := s.runner.PendingApprovals(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

type decisionRequest struct {
	ApproverID string `json:"approver_id"`
	Reason     string `json:"reason"`
}

func (s *server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, s.runner.Approve)
}

func (s *server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, s.runner.Reject)
}

func (s *server) handleDecision(w http.ResponseWriter, r *http.Request,
	decide func(context.Context, string, string, string) (*state.StepState, error)) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	updated, err := decide(r.Context(), r.PathValue("id"), req.ApproverID, req.Reason)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

type eventRequest struct {
	EventType string         `json:"event_type"`
	EventID   string         `json:"event_id"`
	Payload   map[string]any `json:"payload"`
}

func (s *server) handleDeliverEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.EventType == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("event_type is required"))
		return
	}
	delivered, err := s.runner.DeliverEvent(r.Context(), req.EventType, req.EventID, req.Payload)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"delivered": delivered})
}

type cancelRequest struct {
	Message string `json:"message"`
	UserID  string `json:"user_id"`
}

func (s *server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	err := s.runner.CancelRun(r.PathValue("id"), cancel.Reason{
		Initiator: cancel.InitiatorUser,
		Message:   req.Message,
		UserID:    req.UserID,
	})
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, state.ErrNotFound), errors.Is(err, runner.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, state.ErrInvalidTransition), errors.Is(err, state.ErrInvalidInput):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encoding response failed", zap.Error(err))
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
