package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
)

// Manager owns the Badger connection and the storage interfaces built on it
type Manager struct {
	db     *BadgerDB
	state  interfaces.StateStorage
	ledger interfaces.LedgerStorage
	logger arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:     db,
		state:  NewStateStorage(db, logger),
		ledger: NewLedgerStorage(db, logger),
		logger: logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// StateStorage returns the checkpoint storage interface
func (m *Manager) StateStorage() interfaces.StateStorage {
	return m.state
}

// LedgerStorage returns the local ledger storage interface
func (m *Manager) LedgerStorage() interfaces.LedgerStorage {
	return m.ledger
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
