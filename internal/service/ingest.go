package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jmoiron/sqlx"

	"github.com/attendly/orchestrator-server-go/internal/audit"
	"github.com/attendly/orchestrator-server-go/internal/config"
	"github.com/attendly/orchestrator-server-go/internal/database"
	apperrors "github.com/attendly/orchestrator-server-go/internal/errors"
	"github.com/attendly/orchestrator-server-go/internal/fsm"
	"github.com/attendly/orchestrator-server-go/internal/keylock"
	"github.com/attendly/orchestrator-server-go/internal/model"
	"github.com/attendly/orchestrator-server-go/internal/notify"
	"github.com/attendly/orchestrator-server-go/internal/orchestrator"
	"github.com/attendly/orchestrator-server-go/internal/repository"
	"github.com/attendly/orchestrator-server-go/internal/token"
)

// IngestResult describes how a status event was absorbed.
type IngestResult struct {
	SessionID string              `json:"sessionId"`
	Status    model.SessionStatus `json:"status"`
	Version   int64               `json:"version"`
	Outcome   string              `json:"outcome"`
}

// StatusDeliverer hands an accepted transition to the delivery side of the
// dispatch engine, which retries transient publish failures.
type StatusDeliverer interface {
	DeliverStatus(change notify.StatusChange)
}

// TxRunner runs a function inside a database transaction. *database.DB
// satisfies it; tests substitute a pass-through.
type TxRunner interface {
	WithTx(ctx context.Context, fn database.TxFunc) error
}

// IngestService is the status ingestion handler: the single writer of
// session status, version, and history. Everything else only reads or
// proposes. All processing of one session is serialized by a per-session
// lock; unrelated sessions proceed in parallel.
type IngestService struct {
	db        TxRunner
	repo      repository.SessionRepository
	locks     *keylock.KeyLock
	issuer    *token.Issuer
	facade    orchestrator.Facade
	deliverer StatusDeliverer
}

func NewIngestService(
	db TxRunner,
	repo repository.SessionRepository,
	locks *keylock.KeyLock,
	issuer *token.Issuer,
	facade orchestrator.Facade,
) *IngestService {
	return &IngestService{
		db:     db,
		repo:   repo,
		locks:  locks,
		issuer: issuer,
		facade: facade,
	}
}

// SetDeliverer attaches the delivery side of the dispatch engine. Wired
// after construction because dispatch and ingest reference each other.
func (s *IngestService) SetDeliverer(d StatusDeliverer) {
	s.deliverer = d
}

// IngestCallback verifies a worker credential and ingests the event it
// authorizes. Events with an invalid credential never reach the state
// machine.
func (s *IngestService) IngestCallback(ctx context.Context, credential string, event model.StatusEvent) (*IngestResult, error) {
	subject, err := s.issuer.Verify(credential)
	if err != nil {
		audit.Log(ctx, audit.Event{
			Type:      audit.EventCredentialRejected,
			SessionID: event.SessionID,
			Details:   map[string]interface{}{"reason": err.Error()},
		})
		switch {
		case errors.Is(err, token.ErrExpired):
			// Stale, not hostile: log and drop.
			log.Warn().Str("sessionId", event.SessionID).Msg("expired credential on status callback")
			return nil, apperrors.TokenExpired()
		default:
			log.Warn().Str("sessionId", event.SessionID).Msg("untrusted credential on status callback")
			return nil, apperrors.InvalidToken("credential failed verification")
		}
	}

	if event.SessionID == "" {
		event.SessionID = subject
	} else if event.SessionID != subject {
		audit.Log(ctx, audit.Event{
			Type:      audit.EventCredentialRejected,
			SessionID: event.SessionID,
			Details:   map[string]interface{}{"reason": "subject mismatch", "subject": subject},
		})
		return nil, apperrors.Forbidden("credential does not authorize this session")
	}

	event.Source = model.SourceWorker
	return s.Ingest(ctx, event)
}

// Ingest runs one status event through the state machine and applies the
// outcome. It is the only path that mutates a session.
func (s *IngestService) Ingest(ctx context.Context, event model.StatusEvent) (*IngestResult, error) {
	if event.SessionID == "" {
		return nil, apperrors.MissingRequired("sessionId")
	}
	if !event.ProposedStatus.Valid() {
		return nil, apperrors.InvalidInput("proposedStatus", string(event.ProposedStatus))
	}
	if !event.Source.Valid() {
		return nil, apperrors.InvalidInput("source", string(event.Source))
	}
	if event.ObservedAt.IsZero() {
		event.ObservedAt = time.Now()
	}

	s.locks.Lock(event.SessionID)
	defer s.locks.Unlock(event.SessionID)

	session, err := s.repo.FindByID(ctx, event.SessionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		if event.Source == model.SourceWorker {
			return nil, apperrors.UnknownSubject(event.SessionID)
		}
		return nil, apperrors.NotFound("Session")
	}

	// Replayed events return the previously recorded outcome with no new
	// side effects.
	if key := event.IdempotencyKey(); key != nil {
		prior, err := s.repo.FindByIdempotencyKey(ctx, session.ID, *key)
		if err != nil {
			return nil, apperrors.Database(err)
		}
		if prior != nil {
			return s.replayedResult(session, prior), nil
		}
	}

	decision := fsm.Decide(session.Status, event.ProposedStatus, event.Source)

	switch decision {
	case fsm.TerminalNoop:
		log.Debug().
			Str("sessionId", session.ID).
			Str("status", string(session.Status)).
			Str("proposed", string(event.ProposedStatus)).
			Msg("status event against terminal session absorbed")
		return &IngestResult{
			SessionID: session.ID,
			Status:    session.Status,
			Version:   session.Version,
			Outcome:   decision.String(),
		}, nil

	case fsm.Duplicate:
		if err := s.repo.AppendHistory(ctx, historyEntry(session, event, session.Version, true, false)); err != nil {
			return nil, apperrors.Database(err)
		}
		log.Debug().
			Str("sessionId", session.ID).
			Str("status", string(session.Status)).
			Msg("duplicate status callback recorded")
		return &IngestResult{
			SessionID: session.ID,
			Status:    session.Status,
			Version:   session.Version,
			Outcome:   decision.String(),
		}, nil

	case fsm.Reject:
		if err := s.repo.AppendHistory(ctx, historyEntry(session, event, session.Version, false, true)); err != nil {
			return nil, apperrors.Database(err)
		}
		audit.Log(ctx, audit.Event{
			Type:      audit.EventTransitionRejected,
			SessionID: session.ID,
			Details: map[string]interface{}{
				"from":   string(session.Status),
				"to":     string(event.ProposedStatus),
				"source": string(event.Source),
			},
		})
		return nil, apperrors.InvalidTransition(
			string(session.Status), string(event.ProposedStatus), string(event.Source))
	}

	// The status update and the history append commit or roll back together.
	var updated *model.Session
	err = s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var txErr error
		updated, txErr = s.repo.WithTx(tx).ApplyTransition(ctx, session.ID, session.Version,
			event.ProposedStatus, historyEntry(session, event, 0, false, false))
		return txErr
	})
	if err != nil {
		if errors.Is(err, repository.ErrStaleVersion) {
			return nil, apperrors.Internal("concurrent writer detected").WithCause(err)
		}
		return nil, apperrors.Database(err)
	}

	log.Info().
		Str("sessionId", updated.ID).
		Str("from", string(session.Status)).
		Str("to", string(updated.Status)).
		Int64("version", updated.Version).
		Str("source", string(event.Source)).
		Msg("session transition applied")

	if s.deliverer != nil {
		s.deliverer.DeliverStatus(notify.StatusChange{
			SessionID: updated.ID,
			Status:    updated.Status,
			Version:   updated.Version,
			Timestamp: updated.UpdatedAt,
		})
	}

	if updated.Status.Terminal() {
		s.teardownWorker(updated)
	}

	return &IngestResult{
		SessionID: updated.ID,
		Status:    updated.Status,
		Version:   updated.Version,
		Outcome:   fsm.Apply.String(),
	}, nil
}

// teardownWorker stops the worker after a terminal transition. Stop is
// idempotent at the facade, so a second teardown is harmless.
func (s *IngestService) teardownWorker(session *model.Session) {
	if session.WorkerHandle == nil {
		return
	}
	handle := *session.WorkerHandle

	ctx, cancel := context.WithTimeout(context.Background(), config.WorkerStopTimeout)
	defer cancel()

	if err := s.facade.Stop(ctx, handle); err != nil {
		log.Error().
			Err(err).
			Str("sessionId", session.ID).
			Str("handle", handle).
			Msg("failed to stop worker after terminal transition")
		return
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("handle", handle).
		Msg("worker stopped after terminal transition")
}

func (s *IngestService) replayedResult(session *model.Session, prior *model.HistoryEntry) *IngestResult {
	outcome := fsm.Apply.String()
	switch {
	case prior.Rejected:
		outcome = fsm.Reject.String()
	case prior.Duplicate:
		outcome = fsm.Duplicate.String()
	}
	log.Debug().
		Str("sessionId", session.ID).
		Str("idempotencyKey", stringOrEmpty(prior.IdempotencyKey)).
		Msg("replayed status event, returning recorded outcome")
	return &IngestResult{
		SessionID: session.ID,
		Status:    session.Status,
		Version:   session.Version,
		Outcome:   outcome,
	}
}

func historyEntry(session *model.Session, event model.StatusEvent, version int64, duplicate, rejected bool) model.HistoryEntry {
	var detail *string
	if event.Detail != "" {
		detail = &event.Detail
	}
	return model.HistoryEntry{
		SessionID:      session.ID,
		Status:         event.ProposedStatus,
		Source:         event.Source,
		Version:        version,
		Duplicate:      duplicate,
		Rejected:       rejected,
		IdempotencyKey: event.IdempotencyKey(),
		Detail:         detail,
		ObservedAt:     event.ObservedAt,
	}
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func internalDetail(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}
