package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

type fakeStateStorage struct {
	state      *models.UpdateState
	saveCalls  int
	clearCalls int
}

func (s *fakeStateStorage) SaveState(ctx context.Context, state *models.UpdateState) error {
	copied := *state
	s.state = &copied
	s.saveCalls++
	return nil
}

func (s *fakeStateStorage) LoadState(ctx context.Context) (*models.UpdateState, error) {
	if s.state == nil {
		return nil, nil
	}
	copied := *s.state
	return &copied, nil
}

func (s *fakeStateStorage) ClearState(ctx context.Context) error {
	s.state = nil
	s.clearCalls++
	return nil
}

type fakeRemote struct {
	statusCalls []models.RunStatus
	unavailable bool
}

func (r *fakeRemote) Health(ctx context.Context) error { return nil }

func (r *fakeRemote) SyncCatalog(ctx context.Context, items []models.CatalogItem, state *models.UpdateState) error {
	return nil
}

func (r *fakeRemote) UploadDetailChunk(ctx context.Context, chunk interfaces.DetailChunk) error {
	return nil
}

func (r *fakeRemote) GetBundles(ctx context.Context) ([]models.CatalogItem, error) { return nil, nil }

func (r *fakeRemote) GetDetailed(ctx context.Context) ([]models.DetailRecord, error) {
	return nil, nil
}

func (r *fakeRemote) UpdateSyncStatus(ctx context.Context, state *models.UpdateState) error {
	if r.unavailable {
		return interfaces.ErrRemoteUnavailable
	}
	r.statusCalls = append(r.statusCalls, state.Status)
	return nil
}

func (r *fakeRemote) GetFailedQueue(ctx context.Context) ([]models.FailureRecord, error) {
	return nil, nil
}

func (r *fakeRemote) PutFailedQueue(ctx context.Context, records []models.FailureRecord) error {
	return nil
}

func testStateConfig() common.StateConfig {
	return common.StateConfig{
		CheckpointInterval: 3,
		MemoryThresholdMB:  1 << 20, // effectively never in tests
		StalenessCeiling:   2 * time.Hour,
	}
}

func newTestManager(storage *fakeStateStorage, remote *fakeRemote, clock *fakeClock) *Manager {
	return NewManager(storage, remote, testStateConfig(), clock, common.GetLogger())
}

func TestCreateInitialStateAppliesTestLimit(t *testing.T) {
	m := newTestManager(&fakeStateStorage{}, &fakeRemote{}, &fakeClock{now: time.Now()})

	state := m.CreateInitialState(237, 50, "english")

	assert.Equal(t, 50, state.Total)
	assert.Equal(t, models.RunStatusRunning, state.Status)
	assert.Equal(t, -1, state.LastProcessedIndex)
	assert.NotEmpty(t, state.SessionID)
	assert.Equal(t, "english", state.Locale)
}

func TestCheckpointIfDueHonorsInterval(t *testing.T) {
	storage := &fakeStateStorage{}
	m := newTestManager(storage, &fakeRemote{}, &fakeClock{now: time.Now()})
	m.CreateInitialState(100, 0, "english")

	for i := 0; i < 2; i++ {
		done, err := m.CheckpointIfDue(context.Background())
		require.NoError(t, err)
		assert.False(t, done)
	}

	done, err := m.CheckpointIfDue(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 1, storage.saveCalls)

	// counter resets after a checkpoint
	done, err = m.CheckpointIfDue(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
}

func TestResumeInterruptedRun(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	storage := &fakeStateStorage{}
	m := newTestManager(storage, &fakeRemote{}, clock)

	created := m.CreateInitialState(237, 0, "english")
	m.RecordProgress(40, 39)
	require.NoError(t, m.Checkpoint(context.Background()))

	// a later process loads the same storage
	clock.now = clock.now.Add(10 * time.Minute)
	m2 := newTestManager(storage, &fakeRemote{}, clock)
	resumed, ok, err := m2.TryResume(context.Background())

	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, created.SessionID, resumed.SessionID)
	assert.Equal(t, 40, resumed.Completed)
	assert.Equal(t, 39, resumed.LastProcessedIndex)
	assert.Equal(t, 1, resumed.ResumeCount)
}

func TestResumeDiscardsStaleCheckpoint(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	storage := &fakeStateStorage{}
	m := newTestManager(storage, &fakeRemote{}, clock)

	m.CreateInitialState(237, 0, "english")
	require.NoError(t, m.Checkpoint(context.Background()))

	clock.now = clock.now.Add(3 * time.Hour)
	m2 := newTestManager(storage, &fakeRemote{}, clock)
	_, ok, err := m2.TryResume(context.Background())

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, storage.clearCalls)
}

func TestResumeIgnoresCompletedRun(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	storage := &fakeStateStorage{
		state: &models.UpdateState{
			SessionID: "run_done",
			Status:    models.RunStatusCompleted,
			UpdatedAt: clock.now,
		},
	}
	m := newTestManager(storage, &fakeRemote{}, clock)

	_, ok, err := m.TryResume(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResumeAdoptsAbortedRun(t *testing.T) {
	// An aborted run leaves an error-status checkpoint; the next run must
	// pick it up and mark it running again.
	clock := &fakeClock{now: time.Now()}
	storage := &fakeStateStorage{
		state: &models.UpdateState{
			SessionID:          "run_aborted",
			Status:             models.RunStatusError,
			Total:              40,
			Completed:          18,
			LastProcessedIndex: 19,
			UpdatedAt:          clock.now.Add(-10 * time.Minute),
		},
	}
	m := newTestManager(storage, &fakeRemote{}, clock)

	resumed, ok, err := m.TryResume(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run_aborted", resumed.SessionID)
	assert.Equal(t, models.RunStatusRunning, resumed.Status)
	assert.Equal(t, 1, resumed.ResumeCount)
	assert.Equal(t, 19, resumed.LastProcessedIndex)
}

func TestCompleteClearsLocalState(t *testing.T) {
	storage := &fakeStateStorage{}
	remote := &fakeRemote{}
	m := newTestManager(storage, remote, &fakeClock{now: time.Now()})
	m.CreateInitialState(10, 0, "english")

	require.NoError(t, m.Complete(context.Background()))

	assert.Nil(t, storage.state)
	require.NotEmpty(t, remote.statusCalls)
	assert.Equal(t, models.RunStatusCompleted, remote.statusCalls[len(remote.statusCalls)-1])
}

func TestMarkErrorKeepsCheckpoint(t *testing.T) {
	storage := &fakeStateStorage{}
	m := newTestManager(storage, &fakeRemote{}, &fakeClock{now: time.Now()})
	m.CreateInitialState(10, 0, "english")
	m.RecordProgress(5, 4)

	require.NoError(t, m.MarkError(context.Background()))

	require.NotNil(t, storage.state)
	assert.Equal(t, models.RunStatusError, storage.state.Status)
	assert.Equal(t, 5, storage.state.Completed)
}

func TestCheckpointSurvivesRemoteOutage(t *testing.T) {
	storage := &fakeStateStorage{}
	m := newTestManager(storage, &fakeRemote{unavailable: true}, &fakeClock{now: time.Now()})
	m.CreateInitialState(10, 0, "english")

	require.NoError(t, m.Checkpoint(context.Background()))
	assert.NotNil(t, storage.state)
}
