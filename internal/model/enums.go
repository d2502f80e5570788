package model

type SessionStatus string

const (
	StatusRequested         SessionStatus = "requested"
	StatusJoining           SessionStatus = "joining"
	StatusAwaitingAdmission SessionStatus = "awaiting_admission"
	StatusActive            SessionStatus = "active"
	StatusCompleted         SessionStatus = "completed"
	StatusFailed            SessionStatus = "failed"
	StatusRemoved           SessionStatus = "removed"
	StatusRejected          SessionStatus = "rejected"
)

// Terminal reports whether no further transition is possible from s.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRemoved, StatusRejected:
		return true
	}
	return false
}

func (s SessionStatus) Valid() bool {
	switch s {
	case StatusRequested, StatusJoining, StatusAwaitingAdmission, StatusActive,
		StatusCompleted, StatusFailed, StatusRemoved, StatusRejected:
		return true
	}
	return false
}

type StatusSource string

const (
	SourceUser     StatusSource = "user"
	SourceWorker   StatusSource = "worker_callback"
	SourceInternal StatusSource = "internal_validation"
)

func (s StatusSource) Valid() bool {
	switch s {
	case SourceUser, SourceWorker, SourceInternal:
		return true
	}
	return false
}

type Liveness string

const (
	LivenessRunning     Liveness = "running"
	LivenessExitedOK    Liveness = "exited_ok"
	LivenessExitedError Liveness = "exited_error"
	LivenessUnknown     Liveness = "unknown"
)
