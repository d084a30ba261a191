package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/muthu-ramabadran/ceejay-new/internal/search"
	"github.com/muthu-ramabadran/ceejay-new/internal/streaming"
)

// SearchService is the orchestration surface the API exposes.
type SearchService interface {
	Run(ctx context.Context, req search.Request) (*search.Outcome, error)
	Resume(ctx context.Context, sessionID, selection string) (*search.Outcome, error)
}

// Handler exposes the search orchestrator over HTTP.
type Handler struct {
	ctrl   SearchService
	events *streaming.Manager
	logger *zap.Logger
}

func NewHandler(ctrl SearchService, events *streaming.Manager, logger *zap.Logger) *Handler {
	return &Handler{ctrl: ctrl, events: events, logger: logger}
}

// RegisterRoutes registers all API routes on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/search", h.handleSearch)
	mux.HandleFunc("/api/v1/search/resume", h.handleResume)
	mux.HandleFunc("/api/v1/search/stream", h.handleSSE)
}

// searchResponse is the envelope for both terminal and suspended outcomes.
type searchResponse struct {
	Status        string                `json:"status"` // completed | clarification_needed
	SessionID     string                `json:"session_id,omitempty"`
	Result        *search.Result        `json:"result,omitempty"`
	Clarification *search.Clarification `json:"clarification,omitempty"`
}

// handleSearch runs a search to completion or suspension.
// POST /api/v1/search
func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req search.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	out, err := h.ctrl.Run(r.Context(), req)
	if err != nil {
		if errors.Is(err, search.ErrEmptyQuery) {
			writeError(w, http.StatusBadRequest, "request has no user message")
			return
		}
		h.logger.Error("Search request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeOutcome(w, req.SessionID, out)
}

type resumeRequest struct {
	SessionID string `json:"session_id"`
	Selection string `json:"selection"`
}

// handleResume continues a suspended search with the user's selection.
// POST /api/v1/search/resume
func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id required")
		return
	}

	out, err := h.ctrl.Resume(r.Context(), req.SessionID, req.Selection)
	if err != nil {
		h.logger.Error("Resume request failed",
			zap.String("session_id", req.SessionID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeOutcome(w, req.SessionID, out)
}

func writeOutcome(w http.ResponseWriter, sessionID string, out *search.Outcome) {
	resp := searchResponse{}
	switch {
	case out.Clarification != nil:
		resp.Status = "clarification_needed"
		// the controller assigns an effective session id even when the
		// request carried none; that is the key Resume needs
		resp.SessionID = out.Clarification.SessionID
		if resp.SessionID == "" {
			resp.SessionID = sessionID
		}
		resp.Clarification = out.Clarification
	default:
		resp.Status = "completed"
		resp.Result = out.Result
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
