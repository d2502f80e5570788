// Package orchestrator is the backend-agnostic facade over worker execution.
// The control plane never knows how a worker actually runs; it only starts,
// stops, and inspects workers through this interface. One implementation
// exists per execution backend and is selected at process startup.
package orchestrator

import (
	"context"

	"github.com/attendly/orchestrator-server-go/internal/model"
)

// Facade is the capability set the control plane requires from a worker
// execution backend.
//
// Start failures carry an apperrors code (CAPACITY_EXHAUSTED,
// BACKEND_UNREACHABLE, or INVALID_CONFIG) which the dispatch engine uses to
// classify retryability.
//
// Stop is idempotent: stopping an already-stopped or unknown handle returns
// nil, never an error. A session tearing down twice must not surface as a
// failure.
type Facade interface {
	Start(ctx context.Context, sessionID string, cfg model.WorkerConfig) (handle string, err error)
	Stop(ctx context.Context, handle string) error
	Inspect(ctx context.Context, handle string) (model.Liveness, error)
}

// ValidateConfig is the shape check shared by backends. Anything beyond
// shape is opaque to the orchestrator.
func ValidateConfig(cfg model.WorkerConfig) string {
	switch {
	case cfg.Platform == "":
		return "platform is empty"
	case cfg.NativeMeetingID == "":
		return "nativeMeetingId is empty"
	case cfg.MeetingURL == "":
		return "meetingUrl is empty"
	case cfg.Token == "":
		return "token is empty"
	case cfg.CallbackURL == "":
		return "callbackUrl is empty"
	}
	return ""
}
