package state

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// Manager owns the run's UpdateState: creation, periodic checkpoints, and
// resume of interrupted runs. Checkpoints are written locally and mirrored to
// the remote store best-effort; a failed mirror never fails the run.
type Manager struct {
	storage interfaces.StateStorage
	remote  interfaces.RemoteStore
	config  common.StateConfig
	clock   common.Clock
	logger  arbor.ILogger

	mu                     sync.Mutex
	state                  *models.UpdateState
	batchesSinceCheckpoint int
}

// NewManager creates a state manager with no active run.
func NewManager(storage interfaces.StateStorage, remote interfaces.RemoteStore, config common.StateConfig, clock common.Clock, logger arbor.ILogger) *Manager {
	return &Manager{
		storage: storage,
		remote:  remote,
		config:  config,
		clock:   clock,
		logger:  logger,
	}
}

// CreateInitialState starts a fresh run. A positive testLimit caps the total
// for smoke runs.
func (m *Manager) CreateInitialState(total int, testLimit int, locale string) *models.UpdateState {
	if testLimit > 0 && testLimit < total {
		total = testLimit
	}

	now := m.clock.Now()
	state := &models.UpdateState{
		SessionID:          common.NewSessionID(),
		Status:             models.RunStatusRunning,
		Total:              total,
		LastProcessedIndex: -1,
		Locale:             locale,
		StartTime:          now,
		UpdatedAt:          now,
	}

	m.mu.Lock()
	m.state = state
	m.batchesSinceCheckpoint = 0
	m.mu.Unlock()

	m.logger.Info().
		Str("session_id", state.SessionID).
		Int("total", total).
		Msg("Created run state")

	return state
}

// TryResume loads a persisted checkpoint and adopts it when it belongs to an
// interrupted or aborted run. Stale checkpoints past the staleness ceiling
// are abandoned runs and get cleared.
func (m *Manager) TryResume(ctx context.Context) (*models.UpdateState, bool, error) {
	saved, err := m.storage.LoadState(ctx)
	if err != nil {
		return nil, false, err
	}
	if saved == nil {
		return nil, false, nil
	}
	if saved.Status != models.RunStatusRunning && saved.Status != models.RunStatusError {
		return nil, false, nil
	}

	age := m.clock.Now().Sub(saved.UpdatedAt)
	if age > m.config.StalenessCeiling {
		m.logger.Warn().
			Str("session_id", saved.SessionID).
			Str("age", age.String()).
			Msg("Discarding stale checkpoint from abandoned run")
		if err := m.storage.ClearState(ctx); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	saved.Status = models.RunStatusRunning
	saved.ResumeCount++
	saved.UpdatedAt = m.clock.Now()

	m.mu.Lock()
	m.state = saved
	m.batchesSinceCheckpoint = 0
	m.mu.Unlock()

	if err := m.storage.SaveState(ctx, saved); err != nil {
		return nil, false, err
	}

	m.logger.Info().
		Str("session_id", saved.SessionID).
		Int("completed", saved.Completed).
		Int("last_index", saved.LastProcessedIndex).
		Int("resume_count", saved.ResumeCount).
		Msg("Resuming interrupted run")

	return saved, true, nil
}

// State returns a copy of the current run state.
func (m *Manager) State() models.UpdateState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return models.UpdateState{}
	}
	return *m.state
}

// RecordProgress advances the run counters after a batch. Progress is
// monotonic: a batch only ever moves completed and lastProcessedIndex
// forward.
func (m *Manager) RecordProgress(completedDelta int, lastProcessedIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return
	}

	m.state.Completed += completedDelta
	if lastProcessedIndex > m.state.LastProcessedIndex {
		m.state.LastProcessedIndex = lastProcessedIndex
	}
	m.state.UpdatedAt = m.clock.Now()
}

// CheckpointIfDue persists the state after every CheckpointInterval batches,
// or early under memory pressure. The memory-pressure path also hints the
// runtime to collect, since a long run accumulates record garbage between
// uploads.
func (m *Manager) CheckpointIfDue(ctx context.Context) (bool, error) {
	m.mu.Lock()
	m.batchesSinceCheckpoint++
	intervalDue := m.batchesSinceCheckpoint >= m.config.CheckpointInterval
	m.mu.Unlock()

	memoryDue := heapAllocMB() >= m.config.MemoryThresholdMB

	if !intervalDue && !memoryDue {
		return false, nil
	}

	if err := m.Checkpoint(ctx); err != nil {
		return false, err
	}

	if memoryDue {
		m.logger.Warn().
			Int64("heap_mb", int64(heapAllocMB())).
			Int64("threshold_mb", int64(m.config.MemoryThresholdMB)).
			Msg("Checkpoint forced by memory pressure")
		runtime.GC()
	}

	return true, nil
}

// Checkpoint persists the current state unconditionally and resets the
// interval counter. The remote mirror is best-effort.
func (m *Manager) Checkpoint(ctx context.Context) error {
	m.mu.Lock()
	state := m.state
	m.batchesSinceCheckpoint = 0
	m.mu.Unlock()

	if state == nil {
		return nil
	}

	snapshot := *state
	if err := m.storage.SaveState(ctx, &snapshot); err != nil {
		return err
	}

	if err := m.remote.UpdateSyncStatus(ctx, &snapshot); err != nil {
		if !errors.Is(err, interfaces.ErrRemoteUnavailable) {
			return err
		}
		m.logger.Warn().Err(err).Msg("Remote status mirror unreachable, checkpoint is local only")
	}

	return nil
}

// Complete marks the run finished and clears the local checkpoint. The
// remote keeps the completed status for downstream consumers.
func (m *Manager) Complete(ctx context.Context) error {
	return m.finish(ctx, models.RunStatusCompleted, true)
}

// MarkError marks the run failed but leaves the last checkpoint intact so a
// subsequent run can resume from it.
func (m *Manager) MarkError(ctx context.Context) error {
	return m.finish(ctx, models.RunStatusError, false)
}

func (m *Manager) finish(ctx context.Context, status models.RunStatus, clear bool) error {
	m.mu.Lock()
	if m.state == nil {
		m.mu.Unlock()
		return nil
	}
	m.state.Status = status
	m.state.UpdatedAt = m.clock.Now()
	snapshot := *m.state
	m.mu.Unlock()

	if err := m.remote.UpdateSyncStatus(ctx, &snapshot); err != nil && !errors.Is(err, interfaces.ErrRemoteUnavailable) {
		return err
	}

	if clear {
		return m.storage.ClearState(ctx)
	}
	return m.storage.SaveState(ctx, &snapshot)
}

// Clear drops the in-memory state and the local checkpoint. Used to
// force-clear a stuck run.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.state = nil
	m.batchesSinceCheckpoint = 0
	m.mu.Unlock()
	return m.storage.ClearState(ctx)
}

func heapAllocMB() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc / (1024 * 1024)
}
