// Package api exposes the node controller over a small REST surface: node
// status, plugin commands, recent journal events, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"NodeController/internal/controller"
	xerrors "NodeController/internal/errors"
	"NodeController/internal/observability/metrics"
	"NodeController/pkg/logger"
)

// Server serves the local control API.
type Server struct {
	addr string
	ctrl *controller.Controller
	log  *slog.Logger
}

// NewServer builds the API server over the controller.
func NewServer(addr string, ctrl *controller.Controller) *Server {
	return &Server{addr: addr, ctrl: ctrl, log: logger.Named("api")}
}

// Start serves until the context is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler returns the route table. Exposed separately so tests can drive it
// with httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.HandleFunc("/api/v1/plugins/", s.handlePlugin)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "only GET is supported", http.StatusMethodNotAllowed)
		return
	}
	state, err := s.ctrl.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "only GET is supported", http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	entries, err := s.ctrl.RecentEvents(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

type commandRequest struct {
	Action       string `json:"action"`
	GraceSeconds int    `json:"grace_seconds,omitempty"`
}

// handlePlugin routes POST /api/v1/plugins/{name}/commands.
func (s *Server) handlePlugin(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/plugins/")
	name, sub, ok := strings.Cut(rest, "/")
	if !ok || sub != "commands" || name == "" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "only POST is supported", http.StatusMethodNotAllowed)
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	action, err := controller.ParseAction(req.Action)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ack, err := s.ctrl.Apply(r.Context(), controller.Command{
		Plugin: name,
		Action: action,
		Grace:  time.Duration(req.GraceSeconds) * time.Second,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, ack)
}

type errorBody struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeNotFound:
		status = http.StatusNotFound
	case xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case xerrors.CodeInvalidStateTransition:
		status = http.StatusConflict
	case xerrors.CodeTimeout:
		status = http.StatusGatewayTimeout
	case xerrors.CodeLaunchFailure:
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, errorBody{Code: code, Message: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("response encode failed", slog.Any("error", err))
	}
}

// withContext rejects requests once the root context is cancelled, so a
// draining daemon stops taking new work.
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
