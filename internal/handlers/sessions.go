// Package handlers exposes the HTTP and WebSocket API. Handlers translate
// requests into service calls and domain errors into status codes; all
// business rules live in the session package.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/devpocket/devpocket-server/internal/database"
	"github.com/devpocket/devpocket-server/internal/middleware"
	"github.com/devpocket/devpocket-server/internal/session"
)

// SessionHandlers serves the /sessions API on top of the session manager.
type SessionHandlers struct {
	Mgr *session.Manager
}

// listResponse is the envelope for paginated collections.
type listResponse struct {
	Items  interface{} `json:"items"`
	Total  int64       `json:"total"`
	Offset int         `json:"offset"`
	Limit  int         `json:"limit"`
}

// CreateSession handles POST /sessions.
func (h *SessionHandlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var spec session.CreateSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	rec, err := h.Mgr.CreateSession(r.Context(), middleware.GetUserID(r), spec)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// ListSessions handles GET /sessions. ?active_only=true narrows to live
// sessions.
func (h *SessionHandlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r)
	activeOnly := r.URL.Query().Get("active_only") == "true"

	items, total, err := h.Mgr.ListSessions(r.Context(), middleware.GetUserID(r), activeOnly, offset, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: total, Offset: offset, Limit: limit})
}

// GetSession handles GET /sessions/{id}.
func (h *SessionHandlers) GetSession(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Mgr.GetSession(r.Context(), middleware.GetUserID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// UpdateSession handles PATCH /sessions/{id}. Only fields present in the
// body are touched.
func (h *SessionHandlers) UpdateSession(w http.ResponseWriter, r *http.Request) {
	var patch session.UpdatePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	rec, err := h.Mgr.UpdateSession(r.Context(), middleware.GetUserID(r), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// TerminateSession handles POST /sessions/{id}/terminate. ?force=true
// re-runs teardown even on an already-terminal session.
func (h *SessionHandlers) TerminateSession(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	err := h.Mgr.TerminateSession(r.Context(), middleware.GetUserID(r), chi.URLParam(r, "id"), force)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

// DeleteSession handles DELETE /sessions/{id}: terminate if needed, then
// remove the record and its command history.
func (h *SessionHandlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	err := h.Mgr.DeleteSession(r.Context(), middleware.GetUserID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExecuteCommand handles POST /sessions/{id}/commands.
func (h *SessionHandlers) ExecuteCommand(w http.ResponseWriter, r *http.Request) {
	var spec session.CommandSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if spec.Command == "" {
		writeError(w, http.StatusUnprocessableEntity, "command is required")
		return
	}

	res, err := h.Mgr.ExecuteCommand(r.Context(), middleware.GetUserID(r), chi.URLParam(r, "id"), spec)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetHistory handles GET /sessions/{id}/commands.
func (h *SessionHandlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r)
	items, total, err := h.Mgr.GetSessionHistory(r.Context(), middleware.GetUserID(r), chi.URLParam(r, "id"), offset, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: total, Offset: offset, Limit: limit})
}

// SearchSessions handles GET /sessions/search.
func (h *SessionHandlers) SearchSessions(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r)
	q := r.URL.Query()
	criteria := database.SearchCriteria{
		Query:       q.Get("q"),
		SessionType: q.Get("session_type"),
		Status:      q.Get("status"),
		ActiveOnly:  q.Get("active_only") == "true",
	}

	items, total, err := h.Mgr.SearchSessions(r.Context(), middleware.GetUserID(r), criteria, offset, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: total, Offset: offset, Limit: limit})
}

// GetStats handles GET /sessions/stats.
func (h *SessionHandlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Mgr.GetSessionStats(r.Context(), middleware.GetUserID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetHealth handles GET /sessions/{id}/health.
func (h *SessionHandlers) GetHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.Mgr.CheckSessionHealth(r.Context(), middleware.GetUserID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}
