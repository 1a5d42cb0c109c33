package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// LedgerStorage implements the LedgerStorage interface for Badger. It is the
// local fallback for the failed-item ledger; the remote copy is authoritative
// whenever the remote store is reachable.
type LedgerStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewLedgerStorage creates a new LedgerStorage instance
func NewLedgerStorage(db *BadgerDB, logger arbor.ILogger) interfaces.LedgerStorage {
	return &LedgerStorage{
		db:     db,
		logger: logger,
	}
}

// SaveLedger replaces the stored ledger with the given records
func (s *LedgerStorage) SaveLedger(ctx context.Context, records []models.FailureRecord) error {
	if err := s.clear(); err != nil {
		return err
	}

	for i := range records {
		if err := s.db.Store().Upsert(records[i].ID, &records[i]); err != nil {
			return fmt.Errorf("failed to save ledger record %s: %w", records[i].ID, err)
		}
	}

	s.logger.Debug().Int("count", len(records)).Msg("Ledger persisted to local storage")
	return nil
}

// LoadLedger returns all stored ledger records
func (s *LedgerStorage) LoadLedger(ctx context.Context) ([]models.FailureRecord, error) {
	var records []models.FailureRecord
	err := s.db.Store().Find(&records, badgerhold.Where("AttemptCount").Ge(0).SortBy("FirstFailedAt"))
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	return records, nil
}

// ClearLedger removes all stored ledger records
func (s *LedgerStorage) ClearLedger(ctx context.Context) error {
	return s.clear()
}

func (s *LedgerStorage) clear() error {
	var records []models.FailureRecord
	if err := s.db.Store().Find(&records, nil); err != nil {
		return fmt.Errorf("failed to list ledger records for deletion: %w", err)
	}
	for _, record := range records {
		if err := s.db.Store().Delete(record.ID, &models.FailureRecord{}); err != nil {
			s.logger.Warn().Str("id", record.ID).Err(err).Msg("Failed to delete ledger record")
		}
	}
	return nil
}
