package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	t.Run("creates tables via migration", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := Open(context.Background(), dbPath)
		require.NoError(t, err)
		defer db.Close()

		for _, table := range []string{"sessions", "users", "api_tokens"} {
			var count int
			require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&count), table)
			assert.Equal(t, 0, count, table)
		}
	})

	t.Run("enables WAL journal mode", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := Open(context.Background(), dbPath)
		require.NoError(t, err)
		defer db.Close()

		var mode string
		require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
		assert.Equal(t, "wal", mode)
	})

	t.Run("creates parent directories", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

		db, err := Open(context.Background(), dbPath)
		require.NoError(t, err)
		defer db.Close()
	})

	t.Run("idempotent migrations", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db1, err := Open(context.Background(), dbPath)
		require.NoError(t, err)
		db1.Close()

		db2, err := Open(context.Background(), dbPath)
		require.NoError(t, err)
		defer db2.Close()

		v, err := SchemaVersion(context.Background(), db2)
		require.NoError(t, err)
		assert.Equal(t, int64(2), v)
	})

	t.Run("in memory", func(t *testing.T) {
		db, err := Open(context.Background(), MemoryPath)
		require.NoError(t, err)
		defer db.Close()

		_, err = db.Exec("INSERT INTO users (id, name, created_at) VALUES ('u1', 'alice', '2026-01-01T00:00:00.000Z')")
		require.NoError(t, err)

		var name string
		require.NoError(t, db.QueryRow("SELECT name FROM users WHERE id = 'u1'").Scan(&name))
		assert.Equal(t, "alice", name)
	})

	t.Run("single pooled connection", func(t *testing.T) {
		db, err := Open(context.Background(), MemoryPath)
		require.NoError(t, err)
		defer db.Close()

		assert.Equal(t, 1, db.Stats().MaxOpenConnections)
	})
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 891_000_000, time.UTC)
	got, err := ParseTime(FormatTime(now))
	require.NoError(t, err)
	assert.True(t, now.Equal(got))

	zero, err := ParseTime("")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	_, err = ParseTime("yesterday")
	assert.Error(t, err)
}
