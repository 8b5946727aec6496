// -----------------------------------------------------------------------
// Storage interfaces for jobs, publish records, credentials and context sessions
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/jobrelay/internal/models"
)

// JobStorage - persistence for the jobs this service publishes
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context) ([]*models.Job, error)
	ListActiveJobs(ctx context.Context, now time.Time) ([]*models.Job, error)
}

// PublishRecordStorage - one record per (job, destination)
type PublishRecordStorage interface {
	SaveRecord(ctx context.Context, record *models.PublishRecord) error
	GetRecord(ctx context.Context, id string) (*models.PublishRecord, error)
	FindRecord(ctx context.Context, jobID, destination string) (*models.PublishRecord, error)
	ListRecordsByJob(ctx context.Context, jobID string) ([]*models.PublishRecord, error)
}

// CredentialStorage - one artifact set per normalized account
type CredentialStorage interface {
	SaveCredentials(ctx context.Context, set *models.CredentialSet) error
	GetCredentials(ctx context.Context, account string) (*models.CredentialSet, error)
	InvalidateCredentials(ctx context.Context, account string) error
	TouchCredentials(ctx context.Context, account string, at time.Time) error
	ListCredentials(ctx context.Context) ([]*models.CredentialSet, error)
}

// ContextSessionStorage - TTL-bound deep-link sessions.
// Every read enforces expiry against now, regardless of the active flag.
type ContextSessionStorage interface {
	CreateSession(ctx context.Context, session *models.ContextSession) error
	GetLiveSession(ctx context.Context, token string, now time.Time) (*models.ContextSession, error)
	GetLatestLiveSessionForUser(ctx context.Context, externalUserID string, now time.Time) (*models.ContextSession, error)
	// LinkExternalUser sets the external user on a live session only if none is linked yet.
	// It reports whether this call performed the link.
	LinkExternalUser(ctx context.Context, token, externalUserID string, now time.Time) (bool, error)
	TouchSession(ctx context.Context, token string, now time.Time) error
	DeactivateSession(ctx context.Context, token string) error
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
	ListLiveSessions(ctx context.Context, now time.Time, limit int) ([]*models.ContextSession, error)
}

// StorageManager - composite storage manager
type StorageManager interface {
	JobStorage() JobStorage
	PublishRecordStorage() PublishRecordStorage
	CredentialStorage() CredentialStorage
	ContextSessionStorage() ContextSessionStorage
	Close() error
}
