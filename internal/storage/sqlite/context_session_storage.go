package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobrelay/internal/interfaces"
	"github.com/ternarybob/jobrelay/internal/models"
)

const sessionColumns = `id, session_token, publish_record_id, context_data, is_active,
	external_user_id, conversation_started, created_at, expires_at, last_accessed_at`

// ContextSessionStorage implements ContextSessionStorage for SQLite.
// Every lookup filters on expires_at so an expired row is absent even while is_active is 1.
type ContextSessionStorage struct {
	db     *SessionDB
	logger arbor.ILogger
}

// NewContextSessionStorage creates a new ContextSessionStorage instance
func NewContextSessionStorage(db *SessionDB, logger arbor.ILogger) interfaces.ContextSessionStorage {
	return &ContextSessionStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ContextSessionStorage) CreateSession(ctx context.Context, session *models.ContextSession) error {
	if session.Token == "" {
		return fmt.Errorf("session token is required")
	}
	if session.ID == "" {
		session.ID = uuid.New().String()
	}

	data, err := json.Marshal(session.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal context payload: %w", err)
	}

	if session.LastAccessedAt.IsZero() {
		session.LastAccessedAt = session.CreatedAt
	}

	_, err = s.db.DB().ExecContext(ctx, `
		INSERT INTO context_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.Token,
		nullString(session.PublishRecordID),
		string(data),
		boolToInt(session.Active),
		nullString(session.ExternalUserID),
		boolToInt(session.ConversationStarted),
		session.CreatedAt.UnixMilli(),
		session.ExpiresAt.UnixMilli(),
		session.LastAccessedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create context session: %w", err)
	}
	return nil
}

// GetLiveSession returns the active, unexpired session for token and refreshes its last access
func (s *ContextSessionStorage) GetLiveSession(ctx context.Context, token string, now time.Time) (*models.ContextSession, error) {
	row := s.db.DB().QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM context_sessions
		WHERE session_token = ? AND is_active = 1 AND expires_at > ?`,
		token, now.UnixMilli())

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("context session %s: %w", token, interfaces.ErrNotFound)
		}
		return nil, err
	}

	if err := s.TouchSession(ctx, token, now); err != nil {
		return nil, err
	}
	session.LastAccessedAt = now
	return session, nil
}

// GetLatestLiveSessionForUser returns the most recently accessed live session linked to the user
func (s *ContextSessionStorage) GetLatestLiveSessionForUser(ctx context.Context, externalUserID string, now time.Time) (*models.ContextSession, error) {
	row := s.db.DB().QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM context_sessions
		WHERE external_user_id = ? AND is_active = 1 AND expires_at > ?
		ORDER BY last_accessed_at DESC
		LIMIT 1`,
		externalUserID, now.UnixMilli())

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("context session for user %s: %w", externalUserID, interfaces.ErrNotFound)
		}
		return nil, err
	}

	if err := s.TouchSession(ctx, session.Token, now); err != nil {
		return nil, err
	}
	session.LastAccessedAt = now
	return session, nil
}

// LinkExternalUser links the user only when no user is linked yet.
// The check and the write are one statement, so a duplicate event racing the
// first one cannot overwrite the id that won.
func (s *ContextSessionStorage) LinkExternalUser(ctx context.Context, token, externalUserID string, now time.Time) (bool, error) {
	if externalUserID == "" {
		return false, nil
	}

	res, err := s.db.DB().ExecContext(ctx, `
		UPDATE context_sessions
		SET external_user_id = ?, conversation_started = 1, last_accessed_at = ?
		WHERE session_token = ? AND external_user_id IS NULL AND is_active = 1 AND expires_at > ?`,
		externalUserID, now.UnixMilli(), token, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to link external user: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read link result: %w", err)
	}
	return n == 1, nil
}

func (s *ContextSessionStorage) TouchSession(ctx context.Context, token string, now time.Time) error {
	_, err := s.db.DB().ExecContext(ctx,
		`UPDATE context_sessions SET last_accessed_at = ? WHERE session_token = ?`,
		now.UnixMilli(), token)
	if err != nil {
		return fmt.Errorf("failed to touch context session: %w", err)
	}
	return nil
}

func (s *ContextSessionStorage) DeactivateSession(ctx context.Context, token string) error {
	_, err := s.db.DB().ExecContext(ctx,
		`UPDATE context_sessions SET is_active = 0 WHERE session_token = ?`, token)
	if err != nil {
		return fmt.Errorf("failed to deactivate context session: %w", err)
	}
	return nil
}

// DeactivateExpired flips is_active off for rows past expiry. Rows are never deleted.
func (s *ContextSessionStorage) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.DB().ExecContext(ctx,
		`UPDATE context_sessions SET is_active = 0 WHERE is_active = 1 AND expires_at <= ?`,
		now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate expired sessions: %w", err)
	}
	return res.RowsAffected()
}

func (s *ContextSessionStorage) ListLiveSessions(ctx context.Context, now time.Time, limit int) ([]*models.ContextSession, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM context_sessions
		WHERE is_active = 1 AND expires_at > ?
		ORDER BY created_at DESC
		LIMIT ?`,
		now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list context sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.ContextSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.ContextSession, error) {
	var (
		session                              models.ContextSession
		recordID, externalUserID             sql.NullString
		data                                 string
		active, started                      int
		createdAt, expiresAt, lastAccessedAt int64
	)

	err := row.Scan(&session.ID, &session.Token, &recordID, &data, &active,
		&externalUserID, &started, &createdAt, &expiresAt, &lastAccessedAt)
	if err != nil {
		return nil, err
	}

	var payload models.ContextPayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context payload: %w", err)
	}

	session.Payload = &payload
	session.PublishRecordID = recordID.String
	session.ExternalUserID = externalUserID.String
	session.Active = active == 1
	session.ConversationStarted = started == 1
	session.CreatedAt = time.UnixMilli(createdAt)
	session.ExpiresAt = time.UnixMilli(expiresAt)
	session.LastAccessedAt = time.UnixMilli(lastAccessedAt)
	return &session, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
