package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/attendly/orchestrator-server-go/internal/errors"
	"github.com/attendly/orchestrator-server-go/internal/service"
)

type SessionHandler struct {
	sessions *service.SessionService
}

func NewSessionHandler(sessions *service.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.CreateSession)
	r.Get("/active", h.ActiveSession)
	r.Get("/{sessionID}", h.GetSession)
	r.Get("/{sessionID}/history", h.GetHistory)
	r.Post("/{sessionID}/stop", h.RequestStop)

	return r
}

// POST /v1/sessions
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req service.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ValidationError("request body is not valid JSON"))
		return
	}

	session, err := h.sessions.CreateSession(r.Context(), req)
	if err != nil {
		if apperrors.GetCode(err) == apperrors.ErrCodeInternal {
			log.Error().Err(err).Msg("failed to create session")
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

// GET /v1/sessions/{sessionID}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// GET /v1/sessions/{sessionID}/history
func (h *SessionHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	entries, err := h.sessions.History(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"history":   entries,
	})
}

// POST /v1/sessions/{sessionID}/stop
func (h *SessionHandler) RequestStop(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	result, err := h.sessions.RequestStop(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GET /v1/sessions/active?platform=meet&nativeMeetingId=abc-defg-hij
func (h *SessionHandler) ActiveSession(w http.ResponseWriter, r *http.Request) {
	platform := r.URL.Query().Get("platform")
	nativeMeetingID := r.URL.Query().Get("nativeMeetingId")

	session, err := h.sessions.ActiveSession(r.Context(), platform, nativeMeetingID)
	if err != nil {
		writeError(w, err)
		return
	}

	if session == nil {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"active":  true,
		"session": session,
	})
}
