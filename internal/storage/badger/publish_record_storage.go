package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobrelay/internal/interfaces"
	"github.com/ternarybob/jobrelay/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// PublishRecordStorage implements the PublishRecordStorage interface for Badger
type PublishRecordStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewPublishRecordStorage creates a new PublishRecordStorage instance
func NewPublishRecordStorage(db *BadgerDB, logger arbor.ILogger) interfaces.PublishRecordStorage {
	return &PublishRecordStorage{
		db:     db,
		logger: logger,
	}
}

func (s *PublishRecordStorage) SaveRecord(ctx context.Context, record *models.PublishRecord) error {
	if record.ID == "" {
		return fmt.Errorf("publish record ID is required")
	}

	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	if err := s.db.Store().Upsert(record.ID, record); err != nil {
		return fmt.Errorf("failed to save publish record: %w", err)
	}
	return nil
}

func (s *PublishRecordStorage) GetRecord(ctx context.Context, id string) (*models.PublishRecord, error) {
	var record models.PublishRecord
	if err := s.db.Store().Get(id, &record); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("publish record %s: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get publish record: %w", err)
	}
	return &record, nil
}

// FindRecord returns the record of one (job, destination) pair
func (s *PublishRecordStorage) FindRecord(ctx context.Context, jobID, destination string) (*models.PublishRecord, error) {
	var records []models.PublishRecord
	query := badgerhold.Where("JobID").Eq(jobID).And("Destination").Eq(destination)
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to find publish record: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("publish record for %s -> %s: %w", jobID, destination, interfaces.ErrNotFound)
	}
	return &records[0], nil
}

func (s *PublishRecordStorage) ListRecordsByJob(ctx context.Context, jobID string) ([]*models.PublishRecord, error) {
	var records []models.PublishRecord
	if err := s.db.Store().Find(&records, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return nil, fmt.Errorf("failed to list publish records: %w", err)
	}

	result := make([]*models.PublishRecord, len(records))
	for i := range records {
		result[i] = &records[i]
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}
