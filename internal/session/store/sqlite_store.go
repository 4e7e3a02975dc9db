package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sebastianm/devbox/internal/database"
	"github.com/sebastianm/devbox/internal/session"
)

// SQLiteStore implements session.Store on the shared database pool.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const upsertSession = `
INSERT INTO sessions (
    id, workspace_id, project_name, description, template, image,
    phase, progress_percent, container_ref, error_code, error_message,
    phase_started_at, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    image            = excluded.image,
    phase            = excluded.phase,
    progress_percent = excluded.progress_percent,
    container_ref    = excluded.container_ref,
    error_code       = excluded.error_code,
    error_message    = excluded.error_message,
    phase_started_at = excluded.phase_started_at,
    updated_at       = excluded.updated_at`

func (s *SQLiteStore) SaveSession(ctx context.Context, sess session.Session) error {
	var code, msg string
	if sess.Error != nil {
		code, msg = string(sess.Error.Code), sess.Error.Message
	}
	_, err := s.db.ExecContext(ctx, upsertSession,
		sess.ID,
		sess.WorkspaceID,
		sess.ProjectName,
		sess.Description,
		sess.Template,
		sess.Image,
		string(sess.Phase),
		sess.ProgressPercent,
		sess.ContainerRef,
		code,
		msg,
		database.FormatTime(sess.PhaseStartedAt),
		database.FormatTime(sess.CreatedAt),
		database.FormatTime(sess.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving session %q: %w", sess.ID, err)
	}
	return nil
}

const selectColumns = `
SELECT id, workspace_id, project_name, description, template, image,
       phase, progress_percent, container_ref, error_code, error_message,
       phase_started_at, created_at, updated_at
FROM sessions`

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+" ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}

// GetSession reads a single row. The registry itself only ever loads the
// full table at startup.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (session.Session, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+" WHERE id = ?", id)
	if err != nil {
		return session.Session{}, fmt.Errorf("getting session %q: %w", id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return session.Session{}, fmt.Errorf("getting session %q: %w", id, err)
		}
		return session.Session{}, fmt.Errorf("getting session %q: %w", id, sql.ErrNoRows)
	}
	return scanSession(rows)
}

func scanSession(rows *sql.Rows) (session.Session, error) {
	var sess session.Session
	var phase, code, msg string
	var phaseStarted, created, updated string
	if err := rows.Scan(
		&sess.ID,
		&sess.WorkspaceID,
		&sess.ProjectName,
		&sess.Description,
		&sess.Template,
		&sess.Image,
		&phase,
		&sess.ProgressPercent,
		&sess.ContainerRef,
		&code,
		&msg,
		&phaseStarted,
		&created,
		&updated,
	); err != nil {
		return session.Session{}, fmt.Errorf("scanning session: %w", err)
	}

	p, err := session.ParsePhase(phase)
	if err != nil {
		return session.Session{}, fmt.Errorf("session %q: %w", sess.ID, err)
	}
	sess.Phase = p
	if code != "" {
		sess.Error = &session.Failure{Code: session.FailureCode(code), Message: msg}
	}
	if sess.PhaseStartedAt, err = database.ParseTime(phaseStarted); err != nil {
		return session.Session{}, err
	}
	if sess.CreatedAt, err = database.ParseTime(created); err != nil {
		return session.Session{}, err
	}
	if sess.UpdatedAt, err = database.ParseTime(updated); err != nil {
		return session.Session{}, err
	}
	return sess, nil
}
