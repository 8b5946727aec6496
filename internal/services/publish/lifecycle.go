package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobrelay/internal/common"
	"github.com/ternarybob/jobrelay/internal/interfaces"
	"github.com/ternarybob/jobrelay/internal/models"
)

// Lifecycle moves publish records through PENDING -> POSTING -> SUCCESS | FAILED.
// A FAILED record may be re-opened for a new attempt; SUCCESS is terminal.
// A POSTING record belongs to its runner until it has not been touched for
// staleAfter, after which it is taken over as an abandoned attempt.
type Lifecycle struct {
	records    interfaces.PublishRecordStorage
	staleAfter time.Duration
	logger     arbor.ILogger
	now        func() time.Time

	mu sync.Mutex
}

func NewLifecycle(records interfaces.PublishRecordStorage, staleAfter time.Duration, logger arbor.ILogger) *Lifecycle {
	return &Lifecycle{records: records, staleAfter: staleAfter, logger: logger, now: time.Now}
}

// BeginPublish opens an attempt for (job, destination) and returns the record in POSTING.
// It fails with ErrPublishInProgress while another runner holds the record.
func (l *Lifecycle) BeginPublish(ctx context.Context, job *models.Job, destination string) (*models.PublishRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, err := l.records.FindRecord(ctx, job.ID, destination)
	if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return nil, err
	}

	if record == nil {
		record = &models.PublishRecord{
			ID:          common.NewPublishRecordID(),
			JobID:       job.ID,
			Destination: destination,
			Account:     common.NormalizeAccount(job.Account),
			Status:      models.PublishStatusPending,
			Attempts:    1,
		}
	}

	switch record.Status {
	case models.PublishStatusSuccess:
		return nil, fmt.Errorf("%w: %s", interfaces.ErrAlreadyPublished, record.ID)
	case models.PublishStatusPosting:
		idle := l.now().Sub(record.UpdatedAt)
		if idle < l.staleAfter {
			return nil, fmt.Errorf("%w: %s (account %s, started %s ago)",
				interfaces.ErrPublishInProgress, record.ID, record.Account, idle.Round(time.Second))
		}
		l.logger.Warn().
			Str("record_id", record.ID).
			Int("attempts", record.Attempts).
			Dur("idle", idle).
			Msg("Publish record was left POSTING, counting the abandoned attempt")
		record.Attempts++
	}

	record.Status = models.PublishStatusPosting
	record.Error = ""
	record.Recovered = false
	if err := l.records.SaveRecord(ctx, record); err != nil {
		return nil, err
	}

	l.logger.Debug().
		Str("record_id", record.ID).
		Str("job_id", job.ID).
		Str("destination", destination).
		Int("attempt", record.Attempts).
		Msg("Publish attempt started")
	return record, nil
}

// CompletePublish closes the current attempt. A nil cause with an outcome marks
// SUCCESS; otherwise the record is FAILED and its attempt count incremented.
func (l *Lifecycle) CompletePublish(ctx context.Context, recordID string, outcome *models.PublishOutcome, cause error) (*models.PublishRecord, error) {
	record, err := l.records.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if record.Status != models.PublishStatusPosting {
		return nil, fmt.Errorf("publish record %s is %s, not %s", recordID, record.Status, models.PublishStatusPosting)
	}

	if cause == nil && outcome != nil {
		record.Status = models.PublishStatusSuccess
		record.Locator = outcome.Locator
		record.Recovered = outcome.RecoveredFromCrash
		record.Verified = string(outcome.Verification)
		record.Error = ""
	} else {
		if cause == nil {
			cause = errors.New("no outcome reported")
		}
		record.Status = models.PublishStatusFailed
		record.Error = "Job posting failed: " + cause.Error()
		record.Attempts++
	}

	if err := l.records.SaveRecord(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}
