package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/attendly/orchestrator-server-go/internal/config"
	apperrors "github.com/attendly/orchestrator-server-go/internal/errors"
	"github.com/attendly/orchestrator-server-go/internal/model"
	"github.com/attendly/orchestrator-server-go/internal/notify"
	"github.com/attendly/orchestrator-server-go/internal/orchestrator"
	"github.com/attendly/orchestrator-server-go/internal/repository"
	"github.com/attendly/orchestrator-server-go/internal/retry"
)

// Ingestor is the slice of the ingestion handler the dispatch engine needs:
// internally-sourced transitions for start success, start failure, and
// retry exhaustion all go through the same single-writer path.
type Ingestor interface {
	Ingest(ctx context.Context, event model.StatusEvent) (*IngestResult, error)
}

// Publisher is the notification side the dispatch engine delivers to.
type Publisher interface {
	Publish(ctx context.Context, change notify.StatusChange) error
	LatestPublished(sessionID string) (int64, bool)
}

// DispatchService wraps the two retried operation classes: starting a
// worker and delivering status-changed notifications. Retry progress is
// explicit state advanced on timers, so shutdown cancellation and watchdog
// timeouts cut in cleanly between attempts.
type DispatchService struct {
	facade    orchestrator.Facade
	repo      repository.SessionRepository
	publisher Publisher
	ingest    Ingestor

	startPolicy    retry.Policy
	capacityPolicy retry.Policy
	publishPolicy  retry.Policy

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatchService(
	facade orchestrator.Facade,
	repo repository.SessionRepository,
	publisher Publisher,
) *DispatchService {
	ctx, cancel := context.WithCancel(context.Background())
	return &DispatchService{
		facade:         facade,
		repo:           repo,
		publisher:      publisher,
		startPolicy:    retry.DefaultPolicy(),
		capacityPolicy: retry.CapacityPolicy(),
		publishPolicy: retry.Policy{
			MaxAttempts:  5,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			JitterFrac:   0.2,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetIngestor attaches the ingestion handler. Wired after construction
// because dispatch and ingest reference each other.
func (s *DispatchService) SetIngestor(i Ingestor) {
	s.ingest = i
}

// Close cancels all in-flight retry loops and waits for them to drain.
func (s *DispatchService) Close() {
	s.cancel()
	s.wg.Wait()
}

// StartWorker launches the worker for a freshly created session in the
// background. On success the session moves to joining; on a non-retryable
// failure it is rejected; on retry exhaustion it is failed. All outcomes go
// through the ingestion path with source internal_validation.
func (s *DispatchService) StartWorker(session *model.Session, cfg model.WorkerConfig) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runStart(session, cfg)
	}()
}

func (s *DispatchService) runStart(session *model.Session, cfg model.WorkerConfig) {
	var state retry.State
	started := false

	for {
		handle, err := s.tryStart(session.ID, cfg)
		if err == nil {
			if err := s.repo.SetWorkerHandle(s.ctx, session.ID, handle); err != nil {
				log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to persist worker handle")
			}
			s.ingestInternal(session.ID, model.StatusJoining,
				internalDetail("worker started, handle %s", handle))
			return
		}

		code := apperrors.GetCode(err)
		if code == apperrors.ErrCodeInvalidConfig {
			// The request itself is bad: fail fast, never retry.
			s.ingestInternal(session.ID, model.StatusRejected,
				internalDetail("worker config rejected: %v", err))
			return
		}

		policy := s.startPolicy
		if code == apperrors.ErrCodeCapacityExhausted {
			policy = s.capacityPolicy
		}

		now := time.Now()
		var ok bool
		if !started {
			state = policy.Start(now)
			started = true
			ok = state.Attempt < policy.MaxAttempts
		} else {
			state, ok = policy.Advance(state, now)
		}

		log.Warn().
			Err(err).
			Str("sessionId", session.ID).
			Int("attempt", state.Attempt).
			Time("nextEligibleAt", state.NextEligibleAt).
			Bool("willRetry", ok).
			Msg("worker start failed")

		if !ok {
			s.ingestInternal(session.ID, model.StatusFailed,
				internalDetail("worker start retries exhausted after %d attempts: %v", state.Attempt, err))
			return
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(time.Until(state.NextEligibleAt)):
		}
	}
}

func (s *DispatchService) tryStart(sessionID string, cfg model.WorkerConfig) (string, error) {
	ctx, cancel := context.WithTimeout(s.ctx, config.WorkerStartTimeout)
	defer cancel()

	handle, err := s.facade.Start(ctx, sessionID, cfg)
	if err != nil && ctx.Err() != nil {
		// A timed-out start counts as an unreachable backend for retry
		// classification.
		return "", apperrors.BackendUnreachable(ctx.Err())
	}
	return handle, err
}

func (s *DispatchService) ingestInternal(sessionID string, status model.SessionStatus, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), config.IngestTimeout)
	defer cancel()

	_, err := s.ingest.Ingest(ctx, model.StatusEvent{
		SessionID:      sessionID,
		ProposedStatus: status,
		Source:         model.SourceInternal,
		Detail:         detail,
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("sessionId", sessionID).
			Str("status", string(status)).
			Msg("internal status event rejected")
	}
}

// DeliverStatus publishes a status change in the background, retrying
// transport failures. Delivery is abandoned once a newer version for the
// same session has been published, never pushing stale state out of order.
func (s *DispatchService) DeliverStatus(change notify.StatusChange) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runDeliver(change)
	}()
}

func (s *DispatchService) runDeliver(change notify.StatusChange) {
	var state retry.State
	started := false

	for {
		ctx, cancel := context.WithTimeout(s.ctx, config.PublishTimeout)
		err := s.publisher.Publish(ctx, change)
		cancel()

		if err == nil {
			return
		}
		if err == notify.ErrStaleVersion {
			log.Debug().
				Str("sessionId", change.SessionID).
				Int64("version", change.Version).
				Msg("dropping stale status delivery")
			return
		}
		if latest, ok := s.publisher.LatestPublished(change.SessionID); ok && latest > change.Version {
			return
		}

		now := time.Now()
		var ok bool
		if !started {
			state = s.publishPolicy.Start(now)
			started = true
			ok = state.Attempt < s.publishPolicy.MaxAttempts
		} else {
			state, ok = s.publishPolicy.Advance(state, now)
		}

		if !ok {
			log.Error().
				Err(err).
				Str("sessionId", change.SessionID).
				Int64("version", change.Version).
				Msg("status delivery retries exhausted")
			return
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(time.Until(state.NextEligibleAt)):
		}
	}
}
