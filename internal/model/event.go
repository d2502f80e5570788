package model

import (
	"fmt"
	"time"
)

// StatusEvent is a request to transition a session, inbound from a worker
// callback, a user, or an internal validator.
type StatusEvent struct {
	SessionID      string
	ProposedStatus SessionStatus
	Source         StatusSource
	Sequence       *int64
	Detail         string
	ObservedAt     time.Time
}

// IdempotencyKey derives a deduplication key when the submitter supplied a
// sequence number. Events without a sequence are deduplicated only by the
// duplicate-status rule of the state machine.
func (e StatusEvent) IdempotencyKey() *string {
	if e.Sequence == nil {
		return nil
	}
	key := fmt.Sprintf("%s:%s:%d", e.Source, e.ProposedStatus, *e.Sequence)
	return &key
}
