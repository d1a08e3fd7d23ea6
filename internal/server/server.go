// Package server exposes the turn API over HTTP so that the dialogue process
// can drive turns without linking against this module:
//
//	POST /v1/turns/start   -> 200 {"turn_id": "..."}
//	POST /v1/turns/stop    -> 200 ClassificationResult
//	GET  /v1/status        -> 200 action.Status
//	POST /v1/turns/{id}/feedback {"label": "...", "predicted": "...", "comments": "..."}
//	                       -> 204 (only with [WithFeedback])
//
// Usage errors map to 409 Conflict, malformed feedback to 400, everything
// else to 500.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/pillowmate/internal/action"
	"github.com/MrWong99/pillowmate/internal/feedback"
	"github.com/MrWong99/pillowmate/internal/observe"
	"github.com/MrWong99/pillowmate/internal/turn"
	"github.com/MrWong99/pillowmate/pkg/types"
)

// Module is the part of [action.Module] the API needs.
type Module interface {
	StartTurn(ctx context.Context) (string, error)
	StopAndGetAction(ctx context.Context) (types.ClassificationResult, error)
	Status() action.Status
}

// Server serves the turn API.
type Server struct {
	m        Module
	feedback feedback.Store
}

// Option configures a [Server].
type Option func(*Server)

// WithFeedback enables the label correction route.
func WithFeedback(fs feedback.Store) Option {
	return func(s *Server) { s.feedback = fs }
}

// New creates a server backed by m.
func New(m Module, opts ...Option) *Server {
	s := &Server{m: m}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/turns/start", s.start)
	mux.HandleFunc("POST /v1/turns/stop", s.stop)
	mux.HandleFunc("GET /v1/status", s.status)
	if s.feedback != nil {
		mux.HandleFunc("POST /v1/turns/{id}/feedback", s.saveFeedback)
	}
}

type startResponse struct {
	TurnID string `json:"turn_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	id, err := s.m.StartTurn(r.Context())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{TurnID: id})
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	// The turn is closed even if the client goes away mid-classification.
	res, err := s.m.StopAndGetAction(context.WithoutCancel(r.Context()))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.m.Status())
}

type feedbackRequest struct {
	Label     string `json:"label"`
	Predicted string `json:"predicted"`
	Comments  string `json:"comments"`
}

func (s *Server) saveFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}
	err := s.feedback.SaveFeedback(r.Context(), feedback.Record{
		TurnID:    r.PathValue("id"),
		Predicted: req.Predicted,
		Label:     req.Label,
		Comments:  req.Comments,
	})
	if errors.Is(err, feedback.ErrMissingLabel) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, turn.ErrInvalidTransition) || errors.Is(err, action.ErrNotReady) {
		status = http.StatusConflict
	}
	observe.Logger(ctx).Warn("turn request rejected", "status", status, "err", err)
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
