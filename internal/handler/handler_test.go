package handler

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/attendly/orchestrator-server-go/internal/database"
	"github.com/attendly/orchestrator-server-go/internal/keylock"
	"github.com/attendly/orchestrator-server-go/internal/model"
	"github.com/attendly/orchestrator-server-go/internal/repository"
	"github.com/attendly/orchestrator-server-go/internal/service"
	"github.com/attendly/orchestrator-server-go/internal/token"
)

// Test fixture: real services over in-memory fakes, exercised through the
// chi routers exactly as the server mounts them.

type passTx struct{}

func (passTx) WithTx(ctx context.Context, fn database.TxFunc) error { return fn(nil) }

type memRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	events   []model.HistoryEntry
	nextID   int64
}

func newMemRepo() *memRepo {
	return &memRepo{sessions: make(map[string]*model.Session)}
}

func (r *memRepo) WithTx(tx *sqlx.Tx) repository.SessionRepository { return r }

func (r *memRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	session := &model.Session{
		ID:              params.ID,
		Platform:        params.Platform,
		NativeMeetingID: params.NativeMeetingID,
		Status:          model.StatusRequested,
		Version:         0,
		Config:          params.Config,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	r.sessions[params.ID] = session
	copied := *session
	return &copied, nil
}

func (r *memRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	copied := *session
	return &copied, nil
}

func (r *memRepo) FindActiveByMeetingKey(ctx context.Context, platform, nativeMeetingID string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, session := range r.sessions {
		if session.Platform == platform && session.NativeMeetingID == nativeMeetingID && !session.Status.Terminal() {
			copied := *session
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *memRepo) SetWorkerHandle(ctx context.Context, id, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok := r.sessions[id]; ok {
		session.WorkerHandle = &handle
	}
	return nil
}

func (r *memRepo) ApplyTransition(ctx context.Context, id string, expectedVersion int64, status model.SessionStatus, entry model.HistoryEntry) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok || session.Version != expectedVersion {
		return nil, repository.ErrStaleVersion
	}
	session.Status = status
	session.Version++
	session.UpdatedAt = time.Now()

	r.nextID++
	entry.ID = r.nextID
	entry.SessionID = id
	entry.Status = status
	entry.Version = session.Version
	r.events = append(r.events, entry)

	copied := *session
	return &copied, nil
}

func (r *memRepo) AppendHistory(ctx context.Context, entry model.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	entry.ID = r.nextID
	r.events = append(r.events, entry)
	return nil
}

func (r *memRepo) History(ctx context.Context, sessionID string) ([]model.HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var entries []model.HistoryEntry
	for _, e := range r.events {
		if e.SessionID == sessionID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (r *memRepo) FindByIdempotencyKey(ctx context.Context, sessionID, key string) (*model.HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.SessionID == sessionID && e.IdempotencyKey != nil && *e.IdempotencyKey == key {
			copied := e
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *memRepo) ListStuck(ctx context.Context, statuses []model.SessionStatus, cutoff time.Time) ([]model.Session, error) {
	return nil, nil
}

func (r *memRepo) ListRunning(ctx context.Context) ([]model.Session, error) {
	return nil, nil
}

func (r *memRepo) seed(id string, status model.SessionStatus, version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.sessions[id] = &model.Session{
		ID:              id,
		Platform:        "google_meet",
		NativeMeetingID: "abc-defg-hij",
		Status:          status,
		Version:         version,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

type noopFacade struct{}

func (noopFacade) Start(ctx context.Context, sessionID string, cfg model.WorkerConfig) (string, error) {
	return "wk-" + sessionID, nil
}
func (noopFacade) Stop(ctx context.Context, handle string) error { return nil }
func (noopFacade) Inspect(ctx context.Context, handle string) (model.Liveness, error) {
	return model.LivenessRunning, nil
}

type noopDispatcher struct{}

func (noopDispatcher) StartWorker(session *model.Session, cfg model.WorkerConfig) {}

type fixture struct {
	repo     *memRepo
	issuer   *token.Issuer
	ingest   *service.IngestService
	sessions *service.SessionService
}

func newFixture() *fixture {
	keys, err := token.NewKeyring("t1", []byte("handler-test-signing-secret"))
	if err != nil {
		panic(err)
	}
	issuer := token.NewIssuer(keys)
	repo := newMemRepo()
	ingest := service.NewIngestService(passTx{}, repo, keylock.New(), issuer, noopFacade{})
	sessions := service.NewSessionService(repo, issuer, ingest, noopDispatcher{},
		4*time.Hour, "https://control.example.com")
	return &fixture{repo: repo, issuer: issuer, ingest: ingest, sessions: sessions}
}
