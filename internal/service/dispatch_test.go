package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/attendly/orchestrator-server-go/internal/errors"
	"github.com/attendly/orchestrator-server-go/internal/model"
	"github.com/attendly/orchestrator-server-go/internal/notify"
	"github.com/attendly/orchestrator-server-go/internal/retry"
)

func fastPolicy(maxAttempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func newTestDispatch(repo *fakeRepo, facade *fakeFacade, publisher *fakePublisher) *DispatchService {
	dispatch := NewDispatchService(facade, repo, publisher)
	dispatch.startPolicy = fastPolicy(3)
	dispatch.capacityPolicy = fastPolicy(3)
	dispatch.publishPolicy = fastPolicy(3)

	ingest, _ := newTestIngest(repo, facade)
	dispatch.SetIngestor(ingest)
	return dispatch
}

func testWorkerConfig() model.WorkerConfig {
	return model.WorkerConfig{
		Platform:        "google_meet",
		NativeMeetingID: "abc-defg-hij",
		MeetingURL:      "https://meet.google.com/abc-defg-hij",
		Token:           "credential",
		CallbackURL:     "https://control.example.com/v1/callbacks",
	}
}

func TestRunStartSuccess(t *testing.T) {
	repo := newFakeRepo()
	session := repo.seed("s1", "google_meet", "abc-defg-hij", model.StatusRequested, 0)
	facade := newFakeFacade()
	dispatch := newTestDispatch(repo, facade, newFakePublisher())
	defer dispatch.Close()

	dispatch.runStart(session, testWorkerConfig())

	updated, err := repo.FindByID(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusJoining, updated.Status)
	assert.Equal(t, int64(1), updated.Version)
	require.NotNil(t, updated.WorkerHandle)
	assert.Equal(t, "wk-s1", *updated.WorkerHandle)
	assert.Equal(t, 1, facade.startCalls)
}

func TestRunStartInvalidConfigFailsFast(t *testing.T) {
	repo := newFakeRepo()
	session := repo.seed("s1", "google_meet", "abc-defg-hij", model.StatusRequested, 0)
	facade := newFakeFacade()
	facade.startErrs = []error{apperrors.InvalidConfig("meeting url is not joinable")}
	dispatch := newTestDispatch(repo, facade, newFakePublisher())
	defer dispatch.Close()

	dispatch.runStart(session, testWorkerConfig())

	updated, err := repo.FindByID(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, updated.Status)
	// Fail-fast: exactly one attempt.
	assert.Equal(t, 1, facade.startCalls)
}

func TestRunStartRetriesTransientFailure(t *testing.T) {
	repo := newFakeRepo()
	session := repo.seed("s1", "google_meet", "abc-defg-hij", model.StatusRequested, 0)
	facade := newFakeFacade()
	facade.startErrs = []error{
		apperrors.BackendUnreachable(errors.New("connection refused")),
		apperrors.CapacityExhausted(),
		nil,
	}
	dispatch := newTestDispatch(repo, facade, newFakePublisher())
	defer dispatch.Close()

	dispatch.runStart(session, testWorkerConfig())

	updated, err := repo.FindByID(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusJoining, updated.Status)
	assert.Equal(t, 3, facade.startCalls)
}

func TestRunStartExhaustionFailsSession(t *testing.T) {
	repo := newFakeRepo()
	session := repo.seed("s1", "google_meet", "abc-defg-hij", model.StatusRequested, 0)
	facade := newFakeFacade()
	for i := 0; i < 10; i++ {
		facade.startErrs = append(facade.startErrs, apperrors.BackendUnreachable(errors.New("connection refused")))
	}
	dispatch := newTestDispatch(repo, facade, newFakePublisher())
	defer dispatch.Close()

	dispatch.runStart(session, testWorkerConfig())

	updated, err := repo.FindByID(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, updated.Status)
	assert.Equal(t, 3, facade.startCalls)

	history, err := repo.History(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].Detail)
	assert.Contains(t, *history[0].Detail, "retries exhausted")
}

func TestRunDeliverRetriesPublish(t *testing.T) {
	publisher := newFakePublisher()
	publisher.errs = []error{errors.New("redis: connection pool timeout"), nil}
	dispatch := newTestDispatch(newFakeRepo(), newFakeFacade(), publisher)
	defer dispatch.Close()

	dispatch.runDeliver(notify.StatusChange{SessionID: "s1", Status: model.StatusActive, Version: 3})

	require.Len(t, publisher.published, 1)
	assert.Equal(t, int64(3), publisher.published[0].Version)
}

func TestRunDeliverDropsStaleVersion(t *testing.T) {
	publisher := newFakePublisher()
	publisher.latest["s1"] = 5
	dispatch := newTestDispatch(newFakeRepo(), newFakeFacade(), publisher)
	defer dispatch.Close()

	dispatch.runDeliver(notify.StatusChange{SessionID: "s1", Status: model.StatusActive, Version: 3})

	assert.Empty(t, publisher.published)
}

func TestRunDeliverAbandonsWhenOvertaken(t *testing.T) {
	publisher := newFakePublisher()
	// First attempt fails on transport; by then a newer version is out.
	publisher.errs = []error{errors.New("broken pipe")}
	publisher.latest["s1"] = 5
	dispatch := newTestDispatch(newFakeRepo(), newFakeFacade(), publisher)
	defer dispatch.Close()

	dispatch.runDeliver(notify.StatusChange{SessionID: "s1", Status: model.StatusActive, Version: 3})

	assert.Empty(t, publisher.published)
}

func TestStartWorkerRunsInBackground(t *testing.T) {
	repo := newFakeRepo()
	session := repo.seed("s1", "google_meet", "abc-defg-hij", model.StatusRequested, 0)
	facade := newFakeFacade()
	dispatch := newTestDispatch(repo, facade, newFakePublisher())

	dispatch.StartWorker(session, testWorkerConfig())
	dispatch.Close() // waits for the start goroutine

	updated, err := repo.FindByID(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusJoining, updated.Status)
}
