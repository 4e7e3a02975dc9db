package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebastianm/devbox/internal/apperr"
)

// ErrInvalidTransition is returned by Update when a mutator moves the phase
// along an edge that is not in the transition table.
var ErrInvalidTransition = errors.New("invalid phase transition")

// Registry owns every Session record. Lookups take a shared lock on the
// index only; mutations lock the single session they touch, so unrelated
// sessions never contend.
type Registry struct {
	log   *slog.Logger
	store Store
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	sess Session
}

// NewRegistry creates a registry. store may be nil, in which case sessions
// only live in memory.
func NewRegistry(log *slog.Logger, store Store) *Registry {
	return &Registry{
		log:     log,
		store:   store,
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]*entry),
	}
}

// Create validates spec, mints a fresh id and registers the session in
// Starting. No id is minted for an invalid spec.
func (r *Registry) Create(ctx context.Context, spec Spec) (Session, error) {
	if err := spec.Validate(); err != nil {
		return Session{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Session{}, apperr.Internal(fmt.Errorf("generating session id: %w", err))
	}
	now := r.now()
	sess := Session{
		ID:             id.String(),
		WorkspaceID:    strings.TrimSpace(spec.WorkspaceID),
		ProjectName:    spec.ProjectName,
		Description:    spec.Description,
		Template:       spec.Template,
		Image:          spec.Image,
		Phase:          PhaseStarting,
		PhaseStartedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if r.store != nil {
		if err := r.store.SaveSession(ctx, sess); err != nil {
			return Session{}, apperr.Internal(fmt.Errorf("persisting session: %w", err))
		}
	}

	r.mu.Lock()
	r.entries[sess.ID] = &entry{sess: sess}
	r.mu.Unlock()

	return sess, nil
}

// Get returns a snapshot of the session. Malformed ids fail validation
// before the index is consulted.
func (r *Registry) Get(id string) (Session, error) {
	if err := ValidateID(id); err != nil {
		return Session{}, err
	}
	e, ok := r.lookup(id)
	if !ok {
		return Session{}, apperr.SessionNotFound(id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess, nil
}

// Update applies fn to a copy of the session under the session's lock and
// commits the copy if fn succeeds and the result respects the state machine.
// Immutable fields are restored, timestamps are maintained here, the error
// is cleared unless the phase is Failed, and progress never decreases while
// the phase moves forward.
func (r *Registry) Update(ctx context.Context, id string, fn func(*Session) error) (Session, error) {
	if err := ValidateID(id); err != nil {
		return Session{}, err
	}
	e, ok := r.lookup(id)
	if !ok {
		return Session{}, apperr.SessionNotFound(id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.sess
	next := prev
	if err := fn(&next); err != nil {
		return prev, err
	}

	next.ID = prev.ID
	next.WorkspaceID = prev.WorkspaceID
	next.ProjectName = prev.ProjectName
	next.Description = prev.Description
	next.Template = prev.Template
	next.CreatedAt = prev.CreatedAt

	if prev.Phase.Terminal() {
		if next != prev {
			return prev, fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, id, prev.Phase)
		}
		return prev, nil
	}
	if next.Phase != prev.Phase && !CanTransition(prev.Phase, next.Phase) {
		return prev, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Phase, next.Phase)
	}

	now := r.now()
	if next.Phase != prev.Phase {
		next.PhaseStartedAt = now
	}
	next.ProgressPercent = clampPercent(next.ProgressPercent)
	if next.Phase != PhaseFailed {
		next.Error = nil
		if next.ProgressPercent < prev.ProgressPercent {
			next.ProgressPercent = prev.ProgressPercent
		}
	}
	if next.Phase == PhaseReady {
		next.ProgressPercent = 100
	}
	next.UpdatedAt = now

	e.sess = next

	if r.store != nil {
		if err := r.store.SaveSession(ctx, next); err != nil {
			r.log.Error("registry: failed to persist session", "session_id", id, "phase", next.Phase, "error", err)
		}
	}
	return next, nil
}

// List returns snapshots of all sessions ordered by creation time.
func (r *Registry) List() []Session {
	r.mu.RLock()
	es := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		es = append(es, e)
	}
	r.mu.RUnlock()

	out := make([]Session, 0, len(es))
	for _, e := range es {
		e.mu.Lock()
		out = append(out, e.sess)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Load fills the registry from the store. Sessions already present are
// left alone.
func (r *Registry) Load(ctx context.Context) ([]Session, error) {
	if r.store == nil {
		return nil, nil
	}
	sessions, err := r.store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading sessions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	loaded := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		if _, ok := r.entries[s.ID]; ok {
			continue
		}
		r.entries[s.ID] = &entry{sess: s}
		loaded = append(loaded, s)
	}
	return loaded, nil
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

func clampPercent(p int) int {
	return max(0, min(100, p))
}
