package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/livescribe/internal/session"
)

type SessionsHandler struct {
	svc SessionService
}

func NewSessionsHandler(svc SessionService) *SessionsHandler {
	return &SessionsHandler{svc: svc}
}

// SessionListResponse is the body of GET /sessions. Sessions is never null,
// so an empty store is distinguishable from an unreachable one (503).
type SessionListResponse struct {
	Success  bool              `json:"success"`
	Sessions []session.Session `json:"sessions"`
	Total    int               `json:"total"`
}

// SessionResponse wraps a single session.
type SessionResponse struct {
	Success bool             `json:"success"`
	Session *session.Session `json:"session"`
}

// UpsertRequest is the body of POST /sessions.
type UpsertRequest struct {
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id,omitempty"`
	Transcript   string `json:"transcript"`
	Title        string `json:"title,omitempty"`
	ReplaceTitle bool   `json:"replace_title,omitempty"`
}

// UpsertResponse returns the record id the chunk was stored under.
type UpsertResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	ID      string `json:"id"`
}

// DeleteResponse reports whether a record was removed.
type DeleteResponse struct {
	Success bool `json:"success"`
	Deleted bool `json:"deleted"`
}

// ListSessions returns every session, newest first.
func (h *SessionsHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.svc.List(r.Context())
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	WriteJSON(w, http.StatusOK, SessionListResponse{Success: true, Sessions: sessions, Total: len(sessions)})
}

// GetActive returns the most recently started active session.
func (h *SessionsHandler) GetActive(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Active(r.Context())
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, SessionResponse{Success: true, Session: s})
}

// GetSession looks a session up by its device session id.
func (h *SessionsHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, SessionResponse{Success: true, Session: s})
}

// UpsertSession appends a transcript chunk, creating the session if needed.
func (h *SessionsHandler) UpsertSession(w http.ResponseWriter, r *http.Request) {
	var req UpsertRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "invalid request body")
		return
	}
	if req.SessionID == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "session_id is required")
		return
	}

	id, err := h.svc.Upsert(r.Context(), session.UpsertParams{
		SessionID:    req.SessionID,
		UserID:       req.UserID,
		Chunk:        req.Transcript,
		Title:        req.Title,
		ReplaceTitle: req.ReplaceTitle,
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, UpsertResponse{Success: true, Message: "Transcription updated", ID: id})
}

// CompleteSession marks a session completed. Completing a completed session
// returns it unchanged.
func (h *SessionsHandler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Complete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, SessionResponse{Success: true, Session: s})
}

// DeleteSession removes a session by record id. Removing an unknown id is
// not an error; the response says whether anything was deleted.
func (h *SessionsHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	ok, err := h.svc.Remove(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, DeleteResponse{Success: true, Deleted: ok})
}

func (h *SessionsHandler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "session not found")
	case errors.Is(err, session.ErrInvalid):
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
	case errors.Is(err, session.ErrUnavailable):
		hlog.FromRequest(r).Warn().Err(err).Msg("session store unavailable")
		WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrUnavailable, "store unavailable")
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("session request failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
	}
}

// Routes registers session routes on the given router. The {id} segment is
// the device session id for reads and completion, and the record id for
// deletion, matching the store operations behind them.
//
// "active" is reserved in GET /sessions/{id}: the static route wins, so a
// device session whose id is literally "active" cannot be read on its own.
// It is still listed, completed and deleted through the other routes.
func (h *SessionsHandler) Routes(r chi.Router) {
	r.Get("/sessions", h.ListSessions)
	r.Post("/sessions", h.UpsertSession)
	r.Get("/sessions/active", h.GetActive)
	r.Get("/sessions/{id}", h.GetSession)
	r.Post("/sessions/{id}/complete", h.CompleteSession)
	r.Delete("/sessions/{id}", h.DeleteSession)
}
