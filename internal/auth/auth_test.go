package auth

import (
	"context"
	"database/sql"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastianm/devbox/internal/apperr"
	"github.com/sebastianm/devbox/internal/database"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(t.Context(), database.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestIssueAndLookup(t *testing.T) {
	ctx := t.Context()
	l := NewSQLLookup(openDB(t))

	token, err := l.IssueToken(ctx, "alice", "laptop")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, TokenPrefix))

	id, err := l.LookupUser(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Name)
	assert.Equal(t, "laptop", id.TokenLabel)
	assert.NotEmpty(t, id.ID)
	assert.False(t, id.Anonymous)

	// A second token for the same user resolves to the same id.
	token2, err := l.IssueToken(ctx, "alice", "ci")
	require.NoError(t, err)
	assert.NotEqual(t, token, token2)
	id2, err := l.LookupUser(ctx, token2)
	require.NoError(t, err)
	assert.Equal(t, id.ID, id2.ID)
}

func TestLookup_Unauthorized(t *testing.T) {
	ctx := t.Context()
	l := NewSQLLookup(openDB(t))

	for _, token := range []string{"", "dbx_nope", "Bearer x"} {
		_, err := l.LookupUser(ctx, token)
		assert.ErrorIs(t, err, apperr.ErrUnauthorized, token)
		assert.Equal(t, apperr.CodeUnauthorized, apperr.CodeOf(err))
	}
}

func TestRevokeToken(t *testing.T) {
	ctx := t.Context()
	l := NewSQLLookup(openDB(t))

	token, err := l.IssueToken(ctx, "bob", "")
	require.NoError(t, err)
	require.NoError(t, l.RevokeToken(ctx, token))
	require.NoError(t, l.RevokeToken(ctx, "dbx_unknown"))

	_, err = l.LookupUser(ctx, token)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestTokensAreStoredHashed(t *testing.T) {
	ctx := t.Context()
	db := openDB(t)
	l := NewSQLLookup(db)

	token, err := l.IssueToken(ctx, "carol", "")
	require.NoError(t, err)

	var stored string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT token_hash FROM api_tokens`).Scan(&stored))
	assert.Equal(t, HashToken(token), stored)
	assert.NotContains(t, stored, token)
}

func TestEnsureUser(t *testing.T) {
	ctx := t.Context()
	l := NewSQLLookup(openDB(t))

	a, err := l.EnsureUser(ctx, "dave")
	require.NoError(t, err)
	b, err := l.EnsureUser(ctx, " dave ")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = l.EnsureUser(ctx, "  ")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

// Lookups borrow from the pool opened at startup; a burst of concurrent
// requests never grows it past its limit or leaves connections checked out.
func TestLookup_UsesSharedPool(t *testing.T) {
	ctx := t.Context()
	db := openDB(t)
	l := NewSQLLookup(db)

	token, err := l.IssueToken(ctx, "erin", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for range 50 {
		wg.Go(func() {
			if _, err := l.LookupUser(ctx, token); err != nil {
				errs <- err
			}
		})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	stats := db.Stats()
	assert.Equal(t, 1, stats.MaxOpenConnections)
	assert.LessOrEqual(t, stats.OpenConnections, 1)
	assert.Zero(t, stats.InUse)
}

func TestLookup_CanceledContext(t *testing.T) {
	l := NewSQLLookup(openDB(t))
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := l.LookupUser(ctx, "dbx_anything")
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		header string
		url    string
		want   string
	}{
		{"bearer", "Bearer dbx_abc", "/", "dbx_abc"},
		{"case insensitive scheme", "bearer dbx_abc", "/", "dbx_abc"},
		{"other scheme", "Basic Zm9vOmJhcg==", "/?access_token=dbx_q", ""},
		{"query fallback", "", "/?access_token=dbx_q", "dbx_q"},
		{"none", "", "/", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, TokenFromRequest(r))
		})
	}
}

func TestIdentityContext(t *testing.T) {
	_, ok := IdentityFrom(t.Context())
	assert.False(t, ok)

	ctx := WithIdentity(t.Context(), Anonymous)
	id, ok := IdentityFrom(ctx)
	require.True(t, ok)
	assert.True(t, id.Anonymous)
}
