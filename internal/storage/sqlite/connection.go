// Package sqlite holds the context-session store. Deep-link lookups and the
// first-touch link to a messaging user need conditional updates, which is why
// these rows live in SQLite rather than badger.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobrelay/internal/common"
	_ "modernc.org/sqlite"
)

const (
	defaultBusyTimeout = 5 * time.Second
	openTimeout        = 10 * time.Second
)

// SessionDB is the SQLite file backing context sessions
type SessionDB struct {
	db     *sql.DB
	logger arbor.ILogger
}

// OpenSessionDB opens (creating if needed) the session database at config.Path
// and brings its schema up to date
func OpenSessionDB(logger arbor.ILogger, config *common.SQLiteConfig) (*SessionDB, error) {
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create session database directory: %w", err)
	}

	db, err := sql.Open("sqlite", sessionDSN(config))
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	// a single connection serializes the first-touch UPDATE ... WHERE external_user_id IS NULL
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()

	s := &SessionDB{db: db, logger: logger}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session database unreachable: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session database migrations failed: %w", err)
	}

	logger.Info().
		Str("path", config.Path).
		Bool("wal", config.WALMode).
		Msg("Session database ready")
	return s, nil
}

// sessionDSN carries the pragmas in the DSN so the driver applies them to
// every connection it opens
func sessionDSN(config *common.SQLiteConfig) string {
	busy := defaultBusyTimeout
	if config.BusyTimeoutMS > 0 {
		busy = time.Duration(config.BusyTimeoutMS) * time.Millisecond
	}

	pragmas := url.Values{}
	pragmas.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	pragmas.Add("_pragma", "synchronous(NORMAL)")
	if config.WALMode {
		pragmas.Add("_pragma", "journal_mode(WAL)")
	}
	return config.Path + "?" + pragmas.Encode()
}

// DB exposes the pool for the storage implementations in this package
func (s *SessionDB) DB() *sql.DB {
	return s.db
}

func (s *SessionDB) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
