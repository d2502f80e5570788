package service

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/attendly/orchestrator-server-go/internal/database"
	apperrors "github.com/attendly/orchestrator-server-go/internal/errors"
	"github.com/attendly/orchestrator-server-go/internal/keylock"
	"github.com/attendly/orchestrator-server-go/internal/model"
	"github.com/attendly/orchestrator-server-go/internal/notify"
	"github.com/attendly/orchestrator-server-go/internal/repository"
	"github.com/attendly/orchestrator-server-go/internal/token"
)

// fakeTx runs the function without a real transaction.
type fakeTx struct{}

func (fakeTx) WithTx(ctx context.Context, fn database.TxFunc) error {
	return fn(nil)
}

// fakeRepo is an in-memory SessionRepository.
type fakeRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	events   []model.HistoryEntry
	nextID   int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{sessions: make(map[string]*model.Session)}
}

func (r *fakeRepo) WithTx(tx *sqlx.Tx) repository.SessionRepository { return r }

func (r *fakeRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
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

func (r *fakeRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	copied := *session
	return &copied, nil
}

func (r *fakeRepo) FindActiveByMeetingKey(ctx context.Context, platform, nativeMeetingID string) (*model.Session, error) {
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

func (r *fakeRepo) SetWorkerHandle(ctx context.Context, id, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok := r.sessions[id]; ok {
		session.WorkerHandle = &handle
	}
	return nil
}

func (r *fakeRepo) ApplyTransition(ctx context.Context, id string, expectedVersion int64, status model.SessionStatus, entry model.HistoryEntry) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok || session.Version != expectedVersion {
		return nil, repository.ErrStaleVersion
	}
	session.Status = status
	session.Version++
	session.UpdatedAt = time.Now()

	entry.SessionID = id
	entry.Status = status
	entry.Version = session.Version
	r.appendLocked(entry)

	copied := *session
	return &copied, nil
}

func (r *fakeRepo) AppendHistory(ctx context.Context, entry model.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendLocked(entry)
	return nil
}

func (r *fakeRepo) appendLocked(entry model.HistoryEntry) {
	r.nextID++
	entry.ID = r.nextID
	if entry.ObservedAt.IsZero() {
		entry.ObservedAt = time.Now()
	}
	r.events = append(r.events, entry)
}

func (r *fakeRepo) History(ctx context.Context, sessionID string) ([]model.HistoryEntry, error) {
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

func (r *fakeRepo) FindByIdempotencyKey(ctx context.Context, sessionID, key string) (*model.HistoryEntry, error) {
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

func (r *fakeRepo) ListStuck(ctx context.Context, statuses []model.SessionStatus, cutoff time.Time) ([]model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stuck []model.Session
	for _, session := range r.sessions {
		for _, status := range statuses {
			if session.Status == status && session.UpdatedAt.Before(cutoff) {
				stuck = append(stuck, *session)
			}
		}
	}
	return stuck, nil
}

func (r *fakeRepo) ListRunning(ctx context.Context) ([]model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var running []model.Session
	for _, session := range r.sessions {
		if session.WorkerHandle != nil && !session.Status.Terminal() {
			running = append(running, *session)
		}
	}
	return running, nil
}

// seed inserts a session in the given state directly.
func (r *fakeRepo) seed(id, platform, nativeID string, status model.SessionStatus, version int64) *model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	session := &model.Session{
		ID:              id,
		Platform:        platform,
		NativeMeetingID: nativeID,
		Status:          status,
		Version:         version,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	r.sessions[id] = session
	return session
}

// fakeFacade is a scriptable orchestrator backend.
type fakeFacade struct {
	mu           sync.Mutex
	startErrs    []error // consumed one per Start call; nil entry = success
	startCalls   int
	stopCalls    []string
	liveness     map[string]model.Liveness
	nextHandleID int
}

func newFakeFacade() *fakeFacade {
	return &fakeFacade{liveness: make(map[string]model.Liveness)}
}

func (f *fakeFacade) Start(ctx context.Context, sessionID string, cfg model.WorkerConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		if err != nil {
			return "", err
		}
	}
	f.nextHandleID++
	handle := "wk-" + sessionID
	f.liveness[handle] = model.LivenessRunning
	return handle, nil
}

func (f *fakeFacade) Stop(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls = append(f.stopCalls, handle)
	delete(f.liveness, handle)
	return nil
}

func (f *fakeFacade) Inspect(ctx context.Context, handle string) (model.Liveness, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.liveness[handle]; ok {
		return l, nil
	}
	return model.LivenessUnknown, nil
}

func (f *fakeFacade) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stopCalls)
}

// fakeDeliverer records delivered status changes.
type fakeDeliverer struct {
	mu      sync.Mutex
	changes []notify.StatusChange
}

func (d *fakeDeliverer) DeliverStatus(change notify.StatusChange) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.changes = append(d.changes, change)
}

func (d *fakeDeliverer) delivered() []notify.StatusChange {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]notify.StatusChange(nil), d.changes...)
}

// fakePublisher is a scriptable Publisher for delivery retry tests.
type fakePublisher struct {
	mu        sync.Mutex
	errs      []error // consumed one per Publish call; nil entry = success
	published []notify.StatusChange
	latest    map[string]int64
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{latest: make(map[string]int64)}
}

func (p *fakePublisher) Publish(ctx context.Context, change notify.StatusChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return err
		}
	}
	if last, ok := p.latest[change.SessionID]; ok && change.Version < last {
		return notify.ErrStaleVersion
	}
	p.latest[change.SessionID] = change.Version
	p.published = append(p.published, change)
	return nil
}

func (p *fakePublisher) LatestPublished(sessionID string) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.latest[sessionID]
	return v, ok
}

func newTestIssuer() *token.Issuer {
	keys, err := token.NewKeyring("t1", []byte("unit-test-signing-secret-material"))
	if err != nil {
		panic(err)
	}
	return token.NewIssuer(keys)
}

func newTestIngest(repo *fakeRepo, facade *fakeFacade) (*IngestService, *fakeDeliverer) {
	ingest := NewIngestService(fakeTx{}, repo, keylock.New(), newTestIssuer(), facade)
	deliverer := &fakeDeliverer{}
	ingest.SetDeliverer(deliverer)
	return ingest, deliverer
}

func isCode(err error, code apperrors.ErrorCode) bool {
	return apperrors.GetCode(err) == code
}
