package badger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobrelay/internal/common"
	"github.com/ternarybob/jobrelay/internal/interfaces"
	"github.com/ternarybob/jobrelay/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// defaultCredentialLifetime applies when no artifact in a set carries an expiry
const defaultCredentialLifetime = 30 * 24 * time.Hour

// CredentialStorage implements the CredentialStorage interface for Badger.
// Sets are keyed by the normalized account and hold only artifacts of the site domain.
type CredentialStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	domain string
	now    func() time.Time
}

// NewCredentialStorage creates a new CredentialStorage instance
func NewCredentialStorage(db *BadgerDB, logger arbor.ILogger, domain string) interfaces.CredentialStorage {
	return &CredentialStorage{
		db:     db,
		logger: logger,
		domain: strings.TrimPrefix(strings.ToLower(domain), "."),
		now:    time.Now,
	}
}

// SaveCredentials overwrites any prior set for the account
func (s *CredentialStorage) SaveCredentials(ctx context.Context, set *models.CredentialSet) error {
	key := common.NormalizeAccount(set.Account)
	if key == "" {
		key = common.NormalizeAccount(set.Identity)
	}
	if key == "" {
		return fmt.Errorf("credential account is required")
	}

	now := s.now()
	stored := &models.CredentialSet{
		Account:    key,
		Identity:   set.Identity,
		Artifacts:  s.filter(set.Artifacts, now),
		LastUsedAt: now,
		CreatedAt:  set.CreatedAt,
		UpdatedAt:  now,
	}
	if stored.Identity == "" {
		stored.Identity = set.Account
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if exp, ok := stored.EarliestExpiry(); ok {
		stored.ExpiresAt = exp
	} else {
		stored.ExpiresAt = now.Add(defaultCredentialLifetime)
	}

	if err := s.db.Store().Upsert(key, stored); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	s.logger.Debug().
		Str("account", key).
		Int("artifacts", len(stored.Artifacts)).
		Str("expires_at", stored.ExpiresAt.Format(time.RFC3339)).
		Msg("Credential set saved")

	*set = *stored
	return nil
}

// GetCredentials returns the set with expired artifacts already dropped
func (s *CredentialStorage) GetCredentials(ctx context.Context, account string) (*models.CredentialSet, error) {
	key := common.NormalizeAccount(account)

	var set models.CredentialSet
	if err := s.db.Store().Get(key, &set); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("credentials for %s: %w", key, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get credentials: %w", err)
	}

	set.Artifacts = set.Usable(s.now())
	return &set, nil
}

func (s *CredentialStorage) InvalidateCredentials(ctx context.Context, account string) error {
	key := common.NormalizeAccount(account)
	if err := s.db.Store().Delete(key, &models.CredentialSet{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil // Already cleared
		}
		return fmt.Errorf("failed to invalidate credentials: %w", err)
	}
	s.logger.Info().Str("account", key).Msg("Credential set invalidated")
	return nil
}

func (s *CredentialStorage) TouchCredentials(ctx context.Context, account string, at time.Time) error {
	key := common.NormalizeAccount(account)
	return s.db.Store().UpdateMatching(&models.CredentialSet{}, badgerhold.Where("Account").Eq(key), func(record interface{}) error {
		set, ok := record.(*models.CredentialSet)
		if !ok {
			return fmt.Errorf("unexpected record type %T", record)
		}
		set.LastUsedAt = at
		return nil
	})
}

func (s *CredentialStorage) ListCredentials(ctx context.Context) ([]*models.CredentialSet, error) {
	var sets []models.CredentialSet
	if err := s.db.Store().Find(&sets, nil); err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	result := make([]*models.CredentialSet, len(sets))
	for i := range sets {
		result[i] = &sets[i]
	}
	return result, nil
}

// filter keeps unexpired artifacts of the site domain and normalizes same-site
func (s *CredentialStorage) filter(artifacts []models.CredentialArtifact, now time.Time) []models.CredentialArtifact {
	kept := make([]models.CredentialArtifact, 0, len(artifacts))
	for _, a := range artifacts {
		if s.domain != "" && !strings.HasSuffix(strings.TrimPrefix(strings.ToLower(a.Domain), "."), s.domain) {
			continue
		}
		if a.Expired(now) {
			continue
		}
		a.SameSite = a.NormalizedSameSite()
		kept = append(kept, a)
	}
	return kept
}
