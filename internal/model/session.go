package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// MeetingKey identifies the real-world meeting a session attends.
type MeetingKey struct {
	Platform        string `json:"platform"`
	NativeMeetingID string `json:"nativeMeetingId"`
}

func (k MeetingKey) String() string {
	return fmt.Sprintf("%s:%s", k.Platform, k.NativeMeetingID)
}

type Session struct {
	ID              string           `db:"id" json:"id"`
	Platform        string           `db:"platform" json:"platform"`
	NativeMeetingID string           `db:"native_meeting_id" json:"nativeMeetingId"`
	Status          SessionStatus    `db:"status" json:"status"`
	Version         int64            `db:"version" json:"version"`
	WorkerHandle    *string          `db:"worker_handle" json:"workerHandle,omitempty"`
	Config          *json.RawMessage `db:"config" json:"config,omitempty"`
	CreatedAt       time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time        `db:"updated_at" json:"updatedAt"`
}

func (s *Session) MeetingKey() MeetingKey {
	return MeetingKey{Platform: s.Platform, NativeMeetingID: s.NativeMeetingID}
}

// WorkerConfig is the immutable blob handed to a worker at start. The
// orchestrator validates shape only; the fields are opaque beyond that.
type WorkerConfig struct {
	Platform        string `json:"platform"`
	NativeMeetingID string `json:"nativeMeetingId"`
	MeetingURL      string `json:"meetingUrl"`
	Language        string `json:"language,omitempty"`
	Task            string `json:"task,omitempty"`
	Token           string `json:"token"`
	CallbackURL     string `json:"callbackUrl"`
}

type CreateSessionParams struct {
	ID              string
	Platform        string
	NativeMeetingID string
	Config          *json.RawMessage
}

// HistoryEntry is one row of a session's append-only lifecycle history.
// Duplicate and rejected attempts are recorded for audit but never alter
// the session's status or version.
type HistoryEntry struct {
	ID             int64         `db:"id" json:"-"`
	SessionID      string        `db:"session_id" json:"-"`
	Status         SessionStatus `db:"status" json:"status"`
	Source         StatusSource  `db:"source" json:"source"`
	Version        int64         `db:"version" json:"version"`
	Duplicate      bool          `db:"duplicate" json:"duplicate,omitempty"`
	Rejected       bool          `db:"rejected" json:"rejected,omitempty"`
	IdempotencyKey *string       `db:"idempotency_key" json:"-"`
	Detail         *string       `db:"detail" json:"detail,omitempty"`
	ObservedAt     time.Time     `db:"observed_at" json:"observedAt"`
}
