package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

func (c fakeClock) Sleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

type fakeRemote struct {
	chunks    []interfaces.DetailChunk
	failNext  int
	callCount int
}

func (r *fakeRemote) Health(ctx context.Context) error { return nil }

func (r *fakeRemote) SyncCatalog(ctx context.Context, items []models.CatalogItem, state *models.UpdateState) error {
	return nil
}

func (r *fakeRemote) UploadDetailChunk(ctx context.Context, chunk interfaces.DetailChunk) error {
	r.callCount++
	if r.failNext > 0 {
		r.failNext--
		return errors.New("upstream hiccup")
	}
	r.chunks = append(r.chunks, chunk)
	return nil
}

func (r *fakeRemote) GetBundles(ctx context.Context) ([]models.CatalogItem, error) { return nil, nil }

func (r *fakeRemote) GetDetailed(ctx context.Context) ([]models.DetailRecord, error) {
	return nil, nil
}

func (r *fakeRemote) UpdateSyncStatus(ctx context.Context, state *models.UpdateState) error {
	return nil
}

func (r *fakeRemote) GetFailedQueue(ctx context.Context) ([]models.FailureRecord, error) {
	return nil, nil
}

func (r *fakeRemote) PutFailedQueue(ctx context.Context, records []models.FailureRecord) error {
	return nil
}

func newTestService(remote *fakeRemote) *Service {
	config := common.SyncConfig{
		ChunkSize:    5,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	}
	s := NewService(remote, config, fakeClock{now: time.Now()}, common.GetLogger())
	s.Begin("run_test", 20)
	return s
}

func records(n int) []models.DetailRecord {
	out := make([]models.DetailRecord, n)
	for i := range out {
		out[i] = models.DetailRecord{ID: fmt.Sprintf("%d", i), Name: fmt.Sprintf("Bundle %d", i)}
	}
	return out
}

func TestUploadIfDueWaitsForFullChunk(t *testing.T) {
	remote := &fakeRemote{}
	s := newTestService(remote)

	s.Buffer(records(3)...)
	require.NoError(t, s.UploadIfDue(context.Background()))
	assert.Empty(t, remote.chunks)
	assert.Equal(t, 3, s.BufferedCount())

	s.Buffer(records(2)...)
	require.NoError(t, s.UploadIfDue(context.Background()))
	require.Len(t, remote.chunks, 1)
	assert.Len(t, remote.chunks[0].Records, 5)
	assert.Zero(t, s.BufferedCount())
	assert.Equal(t, 5, s.UploadedCount())
}

func TestChunkNumbersAreSequential(t *testing.T) {
	remote := &fakeRemote{}
	s := newTestService(remote)

	s.Buffer(records(5)...)
	require.NoError(t, s.UploadIfDue(context.Background()))
	s.Buffer(records(5)...)
	require.NoError(t, s.UploadIfDue(context.Background()))

	require.Len(t, remote.chunks, 2)
	assert.Equal(t, 0, remote.chunks[0].ChunkNumber)
	assert.Equal(t, 1, remote.chunks[1].ChunkNumber)
	assert.Equal(t, "run_test", remote.chunks[0].SessionID)
}

func TestUploadRetriesTransientFailure(t *testing.T) {
	remote := &fakeRemote{failNext: 1}
	s := newTestService(remote)

	s.Buffer(records(5)...)
	require.NoError(t, s.UploadIfDue(context.Background()))

	assert.Equal(t, 2, remote.callCount)
	assert.Equal(t, 5, s.UploadedCount())
}

func TestBufferRetainedOnPersistentFailure(t *testing.T) {
	remote := &fakeRemote{failNext: 10}
	s := newTestService(remote)

	s.Buffer(records(5)...)
	err := s.UploadIfDue(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), string(models.FailureUpload))
	assert.Equal(t, 5, s.BufferedCount(), "failed uploads must not drop data")
	assert.Zero(t, s.UploadedCount())

	// a later flush delivers the same records
	remote.failNext = 0
	require.NoError(t, s.Flush(context.Background()))
	assert.Zero(t, s.BufferedCount())
	assert.Equal(t, 5, s.UploadedCount())
}

func TestFinalizeMarksLastChunk(t *testing.T) {
	remote := &fakeRemote{}
	s := newTestService(remote)

	s.Buffer(records(3)...)
	require.NoError(t, s.Finalize(context.Background()))

	require.Len(t, remote.chunks, 1)
	assert.True(t, remote.chunks[0].IsLastChunk)
	assert.Len(t, remote.chunks[0].Records, 3)
}

func TestFinalizeWithEmptyBufferStillMarksCompletion(t *testing.T) {
	remote := &fakeRemote{}
	s := newTestService(remote)

	s.Buffer(records(5)...)
	require.NoError(t, s.UploadIfDue(context.Background()))
	require.NoError(t, s.Finalize(context.Background()))

	require.Len(t, remote.chunks, 2)
	assert.True(t, remote.chunks[1].IsLastChunk)
	assert.Empty(t, remote.chunks[1].Records)
}

func TestProgressReflectsHighWaterMark(t *testing.T) {
	remote := &fakeRemote{}
	s := newTestService(remote)

	s.Buffer(records(5)...)
	require.NoError(t, s.UploadIfDue(context.Background()))
	s.Buffer(records(5)...)
	require.NoError(t, s.UploadIfDue(context.Background()))

	assert.InDelta(t, 25.0, remote.chunks[0].Progress, 0.01)
	assert.InDelta(t, 50.0, remote.chunks[1].Progress, 0.01)
}
