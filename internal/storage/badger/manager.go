package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobrelay/internal/common"
	"github.com/ternarybob/jobrelay/internal/interfaces"
)

// Manager owns the Badger connection and the storages built on it
type Manager struct {
	db          *BadgerDB
	jobs        interfaces.JobStorage
	records     interfaces.PublishRecordStorage
	credentials interfaces.CredentialStorage
	logger      arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig, site *common.SiteConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:          db,
		jobs:        NewJobStorage(db, logger),
		records:     NewPublishRecordStorage(db, logger),
		credentials: NewCredentialStorage(db, logger, site.CookieDomain),
		logger:      logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// JobStorage returns the Job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.jobs
}

// PublishRecordStorage returns the PublishRecord storage interface
func (m *Manager) PublishRecordStorage() interfaces.PublishRecordStorage {
	return m.records
}

// CredentialStorage returns the Credential storage interface
func (m *Manager) CredentialStorage() interfaces.CredentialStorage {
	return m.credentials
}

// Close closes the database connection
func (m *Manager) Close() error {
	return m.db.Close()
}
