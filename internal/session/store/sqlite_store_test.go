package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastianm/devbox/internal/database"
	"github.com/sebastianm/devbox/internal/session"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStore(db)
}

func TestSQLiteStore(t *testing.T) {
	created := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("save and list", func(t *testing.T) {
		s := newTestStore(t)
		ctx := context.Background()

		sess := session.Session{
			ID:             "0190a0b0-0000-7000-8000-000000000001",
			WorkspaceID:    "w1",
			ProjectName:    "demo",
			Image:          "golang:1.25",
			Phase:          session.PhaseStarting,
			PhaseStartedAt: created,
			CreatedAt:      created,
			UpdatedAt:      created,
		}
		require.NoError(t, s.SaveSession(ctx, sess))

		got, err := s.ListSessions(ctx)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, sess.ID, got[0].ID)
		assert.Equal(t, "w1", got[0].WorkspaceID)
		assert.Equal(t, "demo", got[0].ProjectName)
		assert.Equal(t, session.PhaseStarting, got[0].Phase)
		assert.True(t, created.Equal(got[0].CreatedAt))
		assert.Nil(t, got[0].Error)
	})

	t.Run("save updates existing row", func(t *testing.T) {
		s := newTestStore(t)
		ctx := context.Background()

		sess := session.Session{
			ID:             "0190a0b0-0000-7000-8000-000000000002",
			WorkspaceID:    "w2",
			Phase:          session.PhaseStarting,
			PhaseStartedAt: created,
			CreatedAt:      created,
			UpdatedAt:      created,
		}
		require.NoError(t, s.SaveSession(ctx, sess))

		sess.Phase = session.PhaseFailed
		sess.ProgressPercent = 30
		sess.ContainerRef = "abc123"
		sess.Error = &session.Failure{Code: session.FailureImageUnavailable, Message: "manifest unknown"}
		sess.UpdatedAt = created.Add(time.Minute)
		require.NoError(t, s.SaveSession(ctx, sess))

		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, session.PhaseFailed, got.Phase)
		assert.Equal(t, 30, got.ProgressPercent)
		assert.Equal(t, "abc123", got.ContainerRef)
		require.NotNil(t, got.Error)
		assert.Equal(t, session.FailureImageUnavailable, got.Error.Code)
		assert.Equal(t, "manifest unknown", got.Error.Message)
		assert.True(t, created.Add(time.Minute).Equal(got.UpdatedAt))
	})

	t.Run("get missing", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.GetSession(context.Background(), "nope")
		assert.ErrorIs(t, err, sql.ErrNoRows)
	})

	t.Run("registered factory", func(t *testing.T) {
		s := newTestStore(t)
		st := session.NewStore(s.db)
		assert.IsType(t, &SQLiteStore{}, st)
	})
}
