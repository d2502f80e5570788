package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/attendly/orchestrator-server-go/internal/model"
)

// ErrStaleVersion is returned when ApplyTransition's optimistic version
// check finds the row already moved past the expected version. Under the
// per-session lock this indicates a concurrent writer outside this process.
var ErrStaleVersion = errors.New("session version is stale")

// nonTerminalStatuses is inlined into queries that must see only sessions
// still in flight.
const nonTerminalStatuses = `('requested', 'joining', 'awaiting_admission', 'active')`

type SessionRepository interface {
	Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error)
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// FindActiveByMeetingKey returns the one non-terminal session for the
	// meeting key, or nil when none exists.
	FindActiveByMeetingKey(ctx context.Context, platform, nativeMeetingID string) (*model.Session, error)
	SetWorkerHandle(ctx context.Context, id, handle string) error
	// ApplyTransition performs the optimistic status+version update and the
	// history append atomically, returning the updated session.
	ApplyTransition(ctx context.Context, id string, expectedVersion int64, status model.SessionStatus, entry model.HistoryEntry) (*model.Session, error)
	// AppendHistory records an audit-only row (duplicate or rejected
	// attempt) without touching the session itself.
	AppendHistory(ctx context.Context, entry model.HistoryEntry) error
	History(ctx context.Context, sessionID string) ([]model.HistoryEntry, error)
	FindByIdempotencyKey(ctx context.Context, sessionID, key string) (*model.HistoryEntry, error)
	// ListStuck returns non-terminal sessions sitting in one of the given
	// wait states since before the cutoff.
	ListStuck(ctx context.Context, statuses []model.SessionStatus, cutoff time.Time) ([]model.Session, error)
	// ListRunning returns non-terminal sessions that have a worker handle,
	// for the liveness reconciliation pass.
	ListRunning(ctx context.Context) ([]model.Session, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) SessionRepository
}

// sessionDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx
type sessionDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type sessionRepo struct {
	db sessionDB
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return &sessionRepo{db: tx}
}

func (r *sessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO sessions (id, platform, native_meeting_id, status, version, config)
		VALUES ($1, $2, $3, 'requested', 0, $4)
		RETURNING *
	`, params.ID, params.Platform, params.NativeMeetingID, params.Config)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions WHERE id = $1
	`, id)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) FindActiveByMeetingKey(ctx context.Context, platform, nativeMeetingID string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions
		WHERE platform = $1
		AND native_meeting_id = $2
		AND status IN `+nonTerminalStatuses+`
	`, platform, nativeMeetingID)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) SetWorkerHandle(ctx context.Context, id, handle string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			worker_handle = $2,
			updated_at = $3
		WHERE id = $1
	`, id, handle, time.Now())
	return err
}

func (r *sessionRepo) ApplyTransition(ctx context.Context, id string, expectedVersion int64, status model.SessionStatus, entry model.HistoryEntry) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		UPDATE sessions SET
			status = $2,
			version = version + 1,
			updated_at = $4
		WHERE id = $1 AND version = $3
		RETURNING *
	`, id, status, expectedVersion, time.Now())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStaleVersion
	}
	if err != nil {
		return nil, err
	}

	entry.SessionID = id
	entry.Status = status
	entry.Version = session.Version
	if err := r.AppendHistory(ctx, entry); err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) AppendHistory(ctx context.Context, entry model.HistoryEntry) error {
	observedAt := entry.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_events
			(session_id, status, source, version, duplicate, rejected, idempotency_key, detail, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.SessionID, entry.Status, entry.Source, entry.Version,
		entry.Duplicate, entry.Rejected, entry.IdempotencyKey, entry.Detail, observedAt)
	return err
}

func (r *sessionRepo) History(ctx context.Context, sessionID string) ([]model.HistoryEntry, error) {
	var entries []model.HistoryEntry
	err := r.db.SelectContext(ctx, &entries, `
		SELECT * FROM session_events
		WHERE session_id = $1
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *sessionRepo) FindByIdempotencyKey(ctx context.Context, sessionID, key string) (*model.HistoryEntry, error) {
	var entry model.HistoryEntry
	err := r.db.GetContext(ctx, &entry, `
		SELECT * FROM session_events
		WHERE session_id = $1 AND idempotency_key = $2
		ORDER BY id ASC
		LIMIT 1
	`, sessionID, key)
	return HandleNotFound(&entry, err)
}

func (r *sessionRepo) ListStuck(ctx context.Context, statuses []model.SessionStatus, cutoff time.Time) ([]model.Session, error) {
	query, args, err := sqlx.In(`
		SELECT * FROM sessions
		WHERE status IN (?)
		AND updated_at < ?
	`, statuses, cutoff)
	if err != nil {
		return nil, err
	}

	var sessions []model.Session
	err = r.db.SelectContext(ctx, &sessions, sqlx.Rebind(sqlx.DOLLAR, query), args...)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *sessionRepo) ListRunning(ctx context.Context) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE worker_handle IS NOT NULL
		AND status IN `+nonTerminalStatuses+`
	`)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}
