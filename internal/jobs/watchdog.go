// Package jobs holds the background loops of the orchestrator. The watchdog
// bounds every wait state: no session may sit in joining or
// awaiting_admission forever, and no worker may die without its session
// noticing.
package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/attendly/orchestrator-server-go/internal/audit"
	"github.com/attendly/orchestrator-server-go/internal/config"
	"github.com/attendly/orchestrator-server-go/internal/model"
	"github.com/attendly/orchestrator-server-go/internal/orchestrator"
	"github.com/attendly/orchestrator-server-go/internal/repository"
	"github.com/attendly/orchestrator-server-go/internal/service"
)

type WatchdogJob struct {
	repo             repository.SessionRepository
	ingest           *service.IngestService
	facade           orchestrator.Facade
	interval         time.Duration
	requestedTimeout time.Duration
	joiningTimeout   time.Duration
	admissionTimeout time.Duration
	done             chan struct{}
}

func NewWatchdogJob(
	repo repository.SessionRepository,
	ingest *service.IngestService,
	facade orchestrator.Facade,
	interval time.Duration,
	requestedTimeout time.Duration,
	joiningTimeout time.Duration,
	admissionTimeout time.Duration,
) *WatchdogJob {
	return &WatchdogJob{
		repo:             repo,
		ingest:           ingest,
		facade:           facade,
		interval:         interval,
		requestedTimeout: requestedTimeout,
		joiningTimeout:   joiningTimeout,
		admissionTimeout: admissionTimeout,
		done:             make(chan struct{}),
	}
}

func (j *WatchdogJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("watchdog started")
}

func (j *WatchdogJob) Stop() {
	close(j.done)
	log.Info().Msg("watchdog stopped")
}

func (j *WatchdogJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *WatchdogJob) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// A session can strand in requested when the process restarts between
	// create and the first joining ingest; no dispatch loop resumes it, and
	// it holds the meeting key until it is failed. The requested window is
	// sized above the start-retry elapsed caps, so an in-flight retry loop
	// always resolves the session first.
	j.failStuck(ctx, model.StatusRequested, j.requestedTimeout)
	j.failStuck(ctx, model.StatusJoining, j.joiningTimeout)
	j.failStuck(ctx, model.StatusAwaitingAdmission, j.admissionTimeout)
	j.reconcileWorkers(ctx)
}

// failStuck force-fails sessions sitting in a wait state past its window.
// The transition goes through the ingestion path like any other event, so
// it is serialized and audited the same way.
func (j *WatchdogJob) failStuck(ctx context.Context, status model.SessionStatus, window time.Duration) {
	cutoff := time.Now().Add(-window)
	sessions, err := j.repo.ListStuck(ctx, []model.SessionStatus{status}, cutoff)
	if err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("watchdog: failed to list stuck sessions")
		return
	}

	for _, session := range sessions {
		j.forceFail(ctx, session.ID,
			"no status callback within "+window.String()+" in state "+string(status))
	}
}

// reconcileWorkers detects workers that died without emitting a terminal
// callback and fails their sessions.
func (j *WatchdogJob) reconcileWorkers(ctx context.Context) {
	sessions, err := j.repo.ListRunning(ctx)
	if err != nil {
		log.Error().Err(err).Msg("watchdog: failed to list running sessions")
		return
	}

	for _, session := range sessions {
		if session.WorkerHandle == nil {
			continue
		}

		inspectCtx, cancel := context.WithTimeout(ctx, config.WorkerInspectTimeout)
		liveness, err := j.facade.Inspect(inspectCtx, *session.WorkerHandle)
		cancel()
		if err != nil {
			log.Warn().
				Err(err).
				Str("sessionId", session.ID).
				Str("handle", *session.WorkerHandle).
				Msg("watchdog: inspect failed")
			continue
		}

		switch liveness {
		case model.LivenessExitedOK, model.LivenessExitedError:
			j.forceFail(ctx, session.ID,
				"worker exited ("+string(liveness)+") without a terminal callback")
		}
	}
}

func (j *WatchdogJob) forceFail(ctx context.Context, sessionID, detail string) {
	audit.Log(ctx, audit.Event{
		Type:      audit.EventWatchdogForceFail,
		SessionID: sessionID,
		Details:   map[string]interface{}{"detail": detail},
	})

	result, err := j.ingest.Ingest(ctx, model.StatusEvent{
		SessionID:      sessionID,
		ProposedStatus: model.StatusFailed,
		Source:         model.SourceInternal,
		Detail:         detail,
	})
	if err != nil {
		// A terminal callback may have won the race; that is fine.
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("watchdog: force-fail not applied")
		return
	}

	log.Info().
		Str("sessionId", sessionID).
		Int64("version", result.Version).
		Str("detail", detail).
		Msg("watchdog force-failed session")
}
