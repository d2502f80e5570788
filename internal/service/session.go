package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/attendly/orchestrator-server-go/internal/audit"
	apperrors "github.com/attendly/orchestrator-server-go/internal/errors"
	"github.com/attendly/orchestrator-server-go/internal/model"
	"github.com/attendly/orchestrator-server-go/internal/repository"
	"github.com/attendly/orchestrator-server-go/internal/token"
)

const uniqueViolation = "23505"

// Dispatcher is the start side of the dispatch engine as seen from session
// creation.
type Dispatcher interface {
	StartWorker(session *model.Session, cfg model.WorkerConfig)
}

type CreateSessionRequest struct {
	Platform        string `json:"platform"`
	NativeMeetingID string `json:"nativeMeetingId"`
	MeetingURL      string `json:"meetingUrl"`
	Language        string `json:"language,omitempty"`
	Task            string `json:"task,omitempty"`
}

// SessionService exposes the request-originating caller surface: create a
// session, read it, ask for a stop, and answer the active-meeting point
// query. All status writes go through the ingestion handler.
type SessionService struct {
	repo            repository.SessionRepository
	issuer          *token.Issuer
	ingest          *IngestService
	dispatch        Dispatcher
	tokenTTL        time.Duration
	callbackBaseURL string
}

func NewSessionService(
	repo repository.SessionRepository,
	issuer *token.Issuer,
	ingest *IngestService,
	dispatch Dispatcher,
	tokenTTL time.Duration,
	callbackBaseURL string,
) *SessionService {
	return &SessionService{
		repo:            repo,
		issuer:          issuer,
		ingest:          ingest,
		dispatch:        dispatch,
		tokenTTL:        tokenTTL,
		callbackBaseURL: callbackBaseURL,
	}
}

// CreateSession validates the request, enforces the one-active-session-per-
// meeting constraint, mints the worker credential, and hands the start to
// the dispatch engine. It returns with the session still in requested; the
// dispatch engine advances it asynchronously.
func (s *SessionService) CreateSession(ctx context.Context, req CreateSessionRequest) (*model.Session, error) {
	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}

	if existing, err := s.repo.FindActiveByMeetingKey(ctx, req.Platform, req.NativeMeetingID); err != nil {
		return nil, apperrors.Database(err)
	} else if existing != nil {
		return nil, apperrors.Conflict(existing.ID)
	}

	sessionID := uuid.NewString()

	credential, err := s.issuer.Issue(sessionID, s.tokenTTL)
	if err != nil {
		return nil, apperrors.Internal("failed to issue worker credential").WithCause(err)
	}

	cfg := model.WorkerConfig{
		Platform:        req.Platform,
		NativeMeetingID: req.NativeMeetingID,
		MeetingURL:      req.MeetingURL,
		Language:        req.Language,
		Task:            req.Task,
		Token:           credential,
		CallbackURL:     s.callbackBaseURL + "/v1/callbacks",
	}

	blob, err := json.Marshal(cfg)
	if err != nil {
		return nil, apperrors.Internal("failed to encode worker config").WithCause(err)
	}
	raw := json.RawMessage(blob)

	session, err := s.repo.Create(ctx, model.CreateSessionParams{
		ID:              sessionID,
		Platform:        req.Platform,
		NativeMeetingID: req.NativeMeetingID,
		Config:          &raw,
	})
	if err != nil {
		// The partial unique index on active meeting keys closes the race
		// between the pre-check above and the insert.
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
			if existing, ferr := s.repo.FindActiveByMeetingKey(ctx, req.Platform, req.NativeMeetingID); ferr == nil && existing != nil {
				return nil, apperrors.Conflict(existing.ID)
			}
			return nil, apperrors.Conflict("")
		}
		return nil, apperrors.Database(err)
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionCreate,
		SessionID: session.ID,
		Details: map[string]interface{}{
			"platform":        req.Platform,
			"nativeMeetingId": req.NativeMeetingID,
		},
	})

	log.Info().
		Str("sessionId", session.ID).
		Str("platform", req.Platform).
		Str("nativeMeetingId", req.NativeMeetingID).
		Msg("session created")

	s.dispatch.StartWorker(session, cfg)

	return session, nil
}

func (s *SessionService) GetSession(ctx context.Context, id string) (*model.Session, error) {
	session, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("Session")
	}
	return session, nil
}

func (s *SessionService) History(ctx context.Context, id string) ([]model.HistoryEntry, error) {
	session, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("Session")
	}
	entries, err := s.repo.History(ctx, id)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return entries, nil
}

// RequestStop injects a user-sourced event proposing completed. The state
// machine decides whether the session is in a state a user may stop.
func (s *SessionService) RequestStop(ctx context.Context, id string) (*IngestResult, error) {
	audit.Log(ctx, audit.Event{
		Type:      audit.EventStopRequested,
		SessionID: id,
	})
	return s.ingest.Ingest(ctx, model.StatusEvent{
		SessionID:      id,
		ProposedStatus: model.StatusCompleted,
		Source:         model.SourceUser,
		Detail:         "stop requested by user",
	})
}

// ActiveSession answers the point query "is this meeting's session
// currently active", returning nil when no non-terminal session exists.
func (s *SessionService) ActiveSession(ctx context.Context, platform, nativeMeetingID string) (*model.Session, error) {
	if platform == "" {
		return nil, apperrors.MissingRequired("platform")
	}
	if nativeMeetingID == "" {
		return nil, apperrors.MissingRequired("nativeMeetingId")
	}
	session, err := s.repo.FindActiveByMeetingKey(ctx, platform, nativeMeetingID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return session, nil
}

func validateCreateRequest(req CreateSessionRequest) error {
	if req.Platform == "" {
		return apperrors.MissingRequired("platform")
	}
	if req.NativeMeetingID == "" {
		return apperrors.MissingRequired("nativeMeetingId")
	}
	if req.MeetingURL == "" {
		return apperrors.MissingRequired("meetingUrl")
	}
	parsed, err := url.Parse(req.MeetingURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return apperrors.InvalidInput("meetingUrl", fmt.Sprintf("%q is not an absolute URL", req.MeetingURL))
	}
	return nil
}
