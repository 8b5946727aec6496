package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobrelay/internal/common"
)

func TestSessionDSN(t *testing.T) {
	dsn := sessionDSN(&common.SQLiteConfig{Path: "/data/sessions.db"})
	assert.Contains(t, dsn, "/data/sessions.db?")
	assert.Contains(t, dsn, "busy_timeout%285000%29")
	assert.NotContains(t, dsn, "journal_mode")

	dsn = sessionDSN(&common.SQLiteConfig{Path: "/data/sessions.db", BusyTimeoutMS: 250, WALMode: true})
	assert.Contains(t, dsn, "busy_timeout%28250%29")
	assert.Contains(t, dsn, "journal_mode%28WAL%29")
}

func TestOpenSessionDB_AppliesPragmasAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sessions.db")
	db, err := OpenSessionDB(arbor.NewLogger(), &common.SQLiteConfig{Path: path, BusyTimeoutMS: 2500, WALMode: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	var mode string
	require.NoError(t, db.DB().QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var busy int
	require.NoError(t, db.DB().QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busy))
	assert.Equal(t, 2500, busy)

	var versions int
	require.NoError(t, db.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
	assert.Equal(t, 1, versions)

	// reopening finds the schema already applied
	require.NoError(t, db.Close())
	again, err := OpenSessionDB(arbor.NewLogger(), &common.SQLiteConfig{Path: path})
	require.NoError(t, err)
	require.NoError(t, again.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
	assert.Equal(t, 1, versions)
	require.NoError(t, again.Close())
}
