package storage

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobrelay/internal/common"
	"github.com/ternarybob/jobrelay/internal/interfaces"
	"github.com/ternarybob/jobrelay/internal/storage/badger"
	"github.com/ternarybob/jobrelay/internal/storage/sqlite"
)

// Manager composes Badger (jobs, publish records, credentials) with SQLite (context sessions)
type Manager struct {
	badger   *badger.Manager
	sqlite   *sqlite.SessionDB
	sessions interfaces.ContextSessionStorage
	logger   arbor.ILogger
}

// NewStorageManager opens both stores from config
func NewStorageManager(logger arbor.ILogger, config *common.Config) (interfaces.StorageManager, error) {
	badgerManager, err := badger.NewManager(logger, &config.Storage.Badger, &config.Site)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger storage: %w", err)
	}

	sqliteDB, err := sqlite.OpenSessionDB(logger, &config.Storage.SQLite)
	if err != nil {
		badgerManager.Close()
		return nil, fmt.Errorf("failed to open sqlite storage: %w", err)
	}

	return &Manager{
		badger:   badgerManager,
		sqlite:   sqliteDB,
		sessions: sqlite.NewContextSessionStorage(sqliteDB, logger),
		logger:   logger,
	}, nil
}

func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.badger.JobStorage()
}

func (m *Manager) PublishRecordStorage() interfaces.PublishRecordStorage {
	return m.badger.PublishRecordStorage()
}

func (m *Manager) CredentialStorage() interfaces.CredentialStorage {
	return m.badger.CredentialStorage()
}

func (m *Manager) ContextSessionStorage() interfaces.ContextSessionStorage {
	return m.sessions
}

// Close closes both stores, returning the first error
func (m *Manager) Close() error {
	var firstErr error
	if err := m.sqlite.Close(); err != nil {
		firstErr = fmt.Errorf("failed to close sqlite: %w", err)
	}
	if err := m.badger.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close badger: %w", err)
	}
	return firstErr
}
