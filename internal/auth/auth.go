// Package auth resolves API bearer tokens to users.
//
// Lookups go through the process-wide *sql.DB opened once in
// internal/server. Nothing here opens a connection of its own; each lookup
// borrows one from that pool and returns it before answering.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sebastianm/devbox/internal/apperr"
	"github.com/sebastianm/devbox/internal/database"
)

// TokenPrefix marks devbox API tokens.
const TokenPrefix = "dbx_"

// UserIdentity is the caller behind a request.
type UserIdentity struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	TokenLabel string `json:"tokenLabel,omitempty"`
	Anonymous  bool   `json:"anonymous,omitempty"`
}

// Anonymous is the identity used when authentication is disabled.
var Anonymous = UserIdentity{ID: "anonymous", Name: "anonymous", Anonymous: true}

// Lookup resolves a bearer token. Unknown, revoked or empty tokens yield an
// apperr Unauthorized error.
type Lookup interface {
	LookupUser(ctx context.Context, token string) (UserIdentity, error)
}

// SQLLookup implements Lookup on the shared database pool.
type SQLLookup struct {
	db *sql.DB
}

func NewSQLLookup(db *sql.DB) *SQLLookup {
	return &SQLLookup{db: db}
}

const lookupToken = `
SELECT u.id, u.name, t.label
FROM api_tokens t
JOIN users u ON u.id = t.user_id
WHERE t.token_hash = ? AND t.revoked_at IS NULL`

func (l *SQLLookup) LookupUser(ctx context.Context, token string) (UserIdentity, error) {
	if token == "" {
		return UserIdentity{}, apperr.Unauthorized()
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return UserIdentity{}, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Close()

	var id UserIdentity
	err = conn.QueryRowContext(ctx, lookupToken, HashToken(token)).Scan(&id.ID, &id.Name, &id.TokenLabel)
	if errors.Is(err, sql.ErrNoRows) {
		return UserIdentity{}, apperr.Unauthorized()
	}
	if err != nil {
		return UserIdentity{}, fmt.Errorf("looking up token: %w", err)
	}
	return id, nil
}

// EnsureUser returns the user called name, creating it if needed.
func (l *SQLLookup) EnsureUser(ctx context.Context, name string) (UserIdentity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return UserIdentity{}, apperr.Validation("invalid user", map[string]any{"name": "required"})
	}
	newID, err := uuid.NewV7()
	if err != nil {
		return UserIdentity{}, fmt.Errorf("generating user id: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO users (id, name, created_at) VALUES (?, ?, ?) ON CONFLICT (name) DO NOTHING`,
		newID.String(), name, database.FormatTime(time.Now()))
	if err != nil {
		return UserIdentity{}, fmt.Errorf("creating user %q: %w", name, err)
	}

	id := UserIdentity{Name: name}
	if err := l.db.QueryRowContext(ctx, `SELECT id FROM users WHERE name = ?`, name).Scan(&id.ID); err != nil {
		return UserIdentity{}, fmt.Errorf("reading user %q: %w", name, err)
	}
	return id, nil
}

// IssueToken creates a token for the named user, creating the user if
// needed. Only the token's hash is stored, so the returned value cannot be
// recovered later.
func (l *SQLLookup) IssueToken(ctx context.Context, userName, label string) (string, error) {
	user, err := l.EnsureUser(ctx, userName)
	if err != nil {
		return "", err
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	token := TokenPrefix + base64.RawURLEncoding.EncodeToString(buf)

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO api_tokens (token_hash, user_id, label, created_at) VALUES (?, ?, ?, ?)`,
		HashToken(token), user.ID, label, database.FormatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("storing token: %w", err)
	}
	return token, nil
}

// RevokeToken disables token. Revoking an unknown token is not an error.
func (l *SQLLookup) RevokeToken(ctx context.Context, token string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE api_tokens SET revoked_at = ? WHERE token_hash = ? AND revoked_at IS NULL`,
		database.FormatTime(time.Now()), HashToken(token))
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	return nil
}

// HashToken is the stored form of a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// falling back to the access_token query parameter for websocket clients
// that cannot set headers.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

type ctxKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id UserIdentity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IdentityFrom returns the identity stored by WithIdentity.
func IdentityFrom(ctx context.Context) (UserIdentity, bool) {
	id, ok := ctx.Value(ctxKey{}).(UserIdentity)
	return id, ok
}
