package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// stateKey is the fixed key for the single checkpoint slot. Only one run is
// active at a time; a new run's checkpoint replaces any abandoned one.
const stateKey = "update_state"

// checkpointDoc wraps UpdateState for storage under the fixed slot key.
type checkpointDoc struct {
	Key   string             `badgerhold:"key"`
	State models.UpdateState `json:"state"`
}

// StateStorage implements the StateStorage interface for Badger
type StateStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewStateStorage creates a new StateStorage instance
func NewStateStorage(db *BadgerDB, logger arbor.ILogger) interfaces.StateStorage {
	return &StateStorage{
		db:     db,
		logger: logger,
	}
}

// SaveState persists the current run checkpoint, replacing any previous one
func (s *StateStorage) SaveState(ctx context.Context, state *models.UpdateState) error {
	doc := checkpointDoc{Key: stateKey, State: *state}
	if err := s.db.Store().Upsert(stateKey, &doc); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadState returns the persisted checkpoint, or nil when none exists
func (s *StateStorage) LoadState(ctx context.Context) (*models.UpdateState, error) {
	var doc checkpointDoc
	err := s.db.Store().Get(stateKey, &doc)
	if err == badgerhold.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return &doc.State, nil
}

// ClearState removes the persisted checkpoint
func (s *StateStorage) ClearState(ctx context.Context) error {
	err := s.db.Store().Delete(stateKey, &checkpointDoc{})
	if err == badgerhold.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	return nil
}
