package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/attendly/orchestrator-server-go/internal/errors"
	"github.com/attendly/orchestrator-server-go/internal/model"
	"github.com/attendly/orchestrator-server-go/internal/service"
	"github.com/attendly/orchestrator-server-go/internal/util"
)

// CallbackHandler receives status callbacks from workers. The bearer
// credential minted at session creation is the only authorization; there is
// no API-key auth on this route.
type CallbackHandler struct {
	ingest *service.IngestService
}

func NewCallbackHandler(ingest *service.IngestService) *CallbackHandler {
	return &CallbackHandler{ingest: ingest}
}

func (h *CallbackHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Submit)
	return r
}

type callbackRequest struct {
	Status   model.SessionStatus `json:"status"`
	Sequence *int64              `json:"sequence,omitempty"`
	Detail   string              `json:"detail,omitempty"`
}

// POST /v1/callbacks
func (h *CallbackHandler) Submit(w http.ResponseWriter, r *http.Request) {
	credential := extractCredential(r)
	if credential == "" {
		writeError(w, apperrors.Unauthorized("Missing worker credential"))
		return
	}

	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ValidationError("request body is not valid JSON"))
		return
	}

	result, err := h.ingest.IngestCallback(r.Context(), credential, model.StatusEvent{
		ProposedStatus: req.Status,
		Sequence:       req.Sequence,
		Detail:         req.Detail,
		ObservedAt:     time.Now(),
	})
	if err != nil {
		if code := apperrors.GetCode(err); code == apperrors.ErrCodeInvalidToken || code == apperrors.ErrCodeTokenExpired {
			log.Warn().
				Str("credential", util.MaskCredential(credential)).
				Str("code", string(code)).
				Msg("rejected worker callback")
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func extractCredential(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}
