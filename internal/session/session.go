package session

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sebastianm/devbox/internal/apperr"
)

// workspaceIDRegex keeps workspace ids usable inside container and volume names.
var workspaceIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,62}$`)

// FailureCode is the machine-readable reason a session ended in Failed.
type FailureCode string

const (
	FailureImageUnavailable  FailureCode = "IMAGE_UNAVAILABLE"
	FailureEngineUnreachable FailureCode = "ENGINE_UNREACHABLE"
	FailureStartTimeout      FailureCode = "START_TIMEOUT"
	FailureUnknown           FailureCode = "UNKNOWN"
)

// Failure is attached to a session only while its phase is Failed.
type Failure struct {
	Code    FailureCode `json:"code"`
	Message string      `json:"message"`
}

// Spec is the caller-supplied part of a session.
type Spec struct {
	WorkspaceID string
	Template    string
	Image       string
	ProjectName string
	Description string
}

// Validate rejects specs that must never mint a session id.
func (s Spec) Validate() error {
	details := map[string]any{}
	ws := strings.TrimSpace(s.WorkspaceID)
	switch {
	case ws == "":
		details["workspaceId"] = "required"
	case !workspaceIDRegex.MatchString(ws):
		details["workspaceId"] = "must be 1-63 letters, digits, '.', '_' or '-'"
	}
	if len(s.ProjectName) > 200 {
		details["projectName"] = "at most 200 characters"
	}
	if len(s.Description) > 2000 {
		details["description"] = "at most 2000 characters"
	}
	if len(details) > 0 {
		return apperr.Validation("invalid session request", details)
	}
	return nil
}

// Session is one workspace-creation request and its provisioning state.
type Session struct {
	ID          string
	WorkspaceID string
	ProjectName string
	Description string
	Template    string
	// Image is the resolved image reference, also the ETA model key.
	Image string

	Phase           Phase
	ProgressPercent int
	ContainerRef    string
	Error           *Failure

	// PhaseStartedAt is when the current phase was entered.
	PhaseStartedAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ValidateID separates "you asked wrong" from "nothing exists". Empty ids
// and the literal placeholders "undefined" and "null" are missing, anything
// that is not a UUID is invalid.
func ValidateID(id string) error {
	switch strings.TrimSpace(id) {
	case "", "undefined", "null":
		return apperr.SessionIDMissing()
	}
	if _, err := uuid.Parse(id); err != nil {
		return apperr.SessionIDInvalid(id)
	}
	return nil
}

// Store persists sessions so they survive a restart.
type Store interface {
	SaveSession(ctx context.Context, s Session) error
	ListSessions(ctx context.Context) ([]Session, error)
}

var storeFactory func(db *sql.DB) Store

func RegisterStoreFactory(f func(db *sql.DB) Store) {
	storeFactory = f
}

// NewStore returns the registered store implementation, or nil if none was
// linked in.
func NewStore(db *sql.DB) Store {
	if storeFactory == nil || db == nil {
		return nil
	}
	return storeFactory(db)
}
