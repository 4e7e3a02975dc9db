// Package lifecycle drives sessions through provisioning. The Manager is the
// only writer of a session's phase, progress, container ref and error; the
// terminal and file packages report problems to it instead of touching
// session state.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sebastianm/devbox/internal/apperr"
	"github.com/sebastianm/devbox/internal/config"
	"github.com/sebastianm/devbox/internal/engine"
	"github.com/sebastianm/devbox/internal/eta"
	"github.com/sebastianm/devbox/internal/metrics"
	"github.com/sebastianm/devbox/internal/session"
)

// ReadyKey is the ETA model phase under which whole provisioning runs are
// recorded, from Starting to Ready.
const ReadyKey = string(session.PhaseReady)

// Deps holds the Manager's collaborators.
type Deps struct {
	Log      *slog.Logger
	Registry *session.Registry
	Engine   engine.Engine
	ETA      *eta.Estimator
	Metrics  *metrics.Metrics // optional
	Config   config.EngineConfig
}

// Status is the client-facing view of a session's progress.
type Status struct {
	SessionID    string
	WorkspaceID  string
	Phase        session.Phase
	Ready        bool
	Percent      int
	ETAMillis    *int64
	ContainerRef string
	Error        *session.Failure
}

// Manager owns provisioning tasks. Each session has at most one task, started
// by CreateSession and cancelled by Stop or Shutdown.
type Manager struct {
	log     *slog.Logger
	reg     *session.Registry
	eng     engine.Engine
	eta     *eta.Estimator
	metrics *metrics.Metrics
	cfg     config.EngineConfig

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu        sync.Mutex
	tasks     map[string]*task
	wsLocks   map[string]*wsLock
	listeners []func(sessionID string)

	// shown is the highest percent reported per session so status never
	// moves backwards when the ETA model shifts under a running phase.
	shownMu sync.Mutex
	shown   map[string]int
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type wsLock struct {
	ch   chan struct{}
	refs int
}

// NewManager creates a Manager. Call Shutdown to cancel running tasks.
func NewManager(deps Deps) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		log:        deps.Log,
		reg:        deps.Registry,
		eng:        deps.Engine,
		eta:        deps.ETA,
		metrics:    deps.Metrics,
		cfg:        deps.Config,
		baseCtx:    ctx,
		baseCancel: cancel,
		tasks:      make(map[string]*task),
		wsLocks:    make(map[string]*wsLock),
		shown:      make(map[string]int),
	}
	m.metrics.RegisterPhaseGauge(m.countPhases)
	return m
}

// OnTerminal registers fn to be called after the manager moves a session to
// Failed or Stopped.
func (m *Manager) OnTerminal(fn func(sessionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// ResolveImage picks the image for spec: an explicit image wins, then the
// template mapping, then the configured default.
func (m *Manager) ResolveImage(spec session.Spec) (string, error) {
	if img := strings.TrimSpace(spec.Image); img != "" {
		if !config.ValidImageRef(img) {
			return "", apperr.Validation("invalid session request", map[string]any{"image": "not an image reference"})
		}
		return img, nil
	}
	if spec.Template != "" {
		img, ok := m.cfg.Templates[spec.Template]
		if !ok {
			return "", apperr.Validation("invalid session request", map[string]any{"template": "unknown template"})
		}
		return img, nil
	}
	return m.cfg.DefaultImage, nil
}

// CreateSession registers a session in Starting and provisions it in the
// background. It returns as soon as the session exists.
func (m *Manager) CreateSession(ctx context.Context, spec session.Spec) (session.Session, error) {
	if err := spec.Validate(); err != nil {
		return session.Session{}, err
	}
	image, err := m.ResolveImage(spec)
	if err != nil {
		return session.Session{}, err
	}
	spec.Image = image

	sess, err := m.reg.Create(ctx, spec)
	if err != nil {
		return session.Session{}, err
	}
	m.metrics.SessionCreated()
	m.log.Info("session created", "session_id", sess.ID, "workspace_id", sess.WorkspaceID, "image", sess.Image)

	taskCtx, cancel := context.WithCancel(m.baseCtx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.tasks[sess.ID] = t
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(t.done)
		defer cancel()
		defer func() {
			m.mu.Lock()
			delete(m.tasks, sess.ID)
			m.mu.Unlock()
		}()
		m.provision(taskCtx, sess)
	}()

	return sess, nil
}

// Status reads the session and computes its progress and ETA. It never
// waits on provisioning.
func (m *Manager) Status(id string) (Status, error) {
	sess, err := m.reg.Get(id)
	if err != nil {
		return Status{}, err
	}

	st := Status{
		SessionID:    sess.ID,
		WorkspaceID:  sess.WorkspaceID,
		Phase:        sess.Phase,
		Ready:        sess.Phase == session.PhaseReady,
		ContainerRef: sess.ContainerRef,
		Error:        sess.Error,
	}

	now := time.Now()
	switch {
	case sess.Phase == session.PhaseReady:
		st.Percent = 100
		st.ETAMillis = eta.Millis(0, true)
	case sess.Phase.Terminal():
		st.Percent = sess.ProgressPercent
	default:
		expected, known := m.eta.Average(sess.Image, string(sess.Phase))
		p := interpolate(sess.Phase, now.Sub(sess.PhaseStartedAt), expected, known)
		st.Percent = max(p, sess.ProgressPercent)
		st.ETAMillis = eta.Millis(m.eta.Estimate(sess.Image, ReadyKey, now.Sub(sess.CreatedAt)))
	}
	st.Percent = m.highWater(sess, st.Percent)
	return st, nil
}

func (m *Manager) highWater(sess session.Session, p int) int {
	if sess.Phase == session.PhaseReady || sess.Phase.Terminal() {
		m.forget(sess.ID)
		return p
	}
	m.shownMu.Lock()
	defer m.shownMu.Unlock()
	if prev := m.shown[sess.ID]; prev > p {
		p = prev
	}
	// The session may have left provisioning since it was read; its entry
	// is forgotten after that transition, so it must not come back here.
	if cur, err := m.reg.Get(sess.ID); err != nil || cur.Phase == session.PhaseReady || cur.Phase.Terminal() {
		return p
	}
	m.shown[sess.ID] = p
	return p
}

// forget drops the progress high-water mark of a session that no longer
// interpolates.
func (m *Manager) forget(id string) {
	m.shownMu.Lock()
	delete(m.shown, id)
	m.shownMu.Unlock()
}

// Stop cancels provisioning, removes the container unless another live
// session uses it, and marks the session Stopped. Engine errors are logged,
// not returned. Stopping a session that already ended returns it unchanged.
func (m *Manager) Stop(ctx context.Context, id string) (session.Session, error) {
	sess, err := m.reg.Get(id)
	if err != nil {
		return session.Session{}, err
	}
	if sess.Phase.Terminal() {
		return sess, nil
	}

	stopped, err := m.reg.Update(ctx, id, func(s *session.Session) error {
		s.Phase = session.PhaseStopped
		return nil
	})
	if err != nil {
		if errors.Is(err, session.ErrInvalidTransition) {
			// Provisioning failed between the read and the update.
			return m.reg.Get(id)
		}
		return session.Session{}, err
	}
	m.log.Info("session stopped", "session_id", id, "container_ref", stopped.ContainerRef)

	m.cancelTask(ctx, id)

	if stopped.ContainerRef != "" {
		m.removeContainer(stopped.ContainerRef, id)
	}
	m.notify(id)
	return stopped, nil
}

func (m *Manager) cancelTask(ctx context.Context, id string) {
	m.mu.Lock()
	t := m.tasks[id]
	m.mu.Unlock()
	if t == nil {
		return
	}
	t.cancel()
	select {
	case <-t.done:
	case <-ctx.Done():
		m.log.Warn("stop: provisioning task still running", "session_id", id)
	}
}

// removeContainer stops and removes ref unless a live session other than
// exceptID still points at it.
func (m *Manager) removeContainer(ref, exceptID string) {
	if m.sharedRef(ref, exceptID) {
		m.log.Info("container still in use, leaving it running", "container_ref", ref, "session_id", exceptID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CallTimeout.Duration)
	defer cancel()
	if err := m.eng.Stop(ctx, ref); err != nil {
		m.log.Warn("stopping container failed", "container_ref", ref, "error", err)
	}
	if err := m.eng.Remove(ctx, ref); err != nil {
		m.log.Warn("removing container failed", "container_ref", ref, "error", err)
	}
}

func (m *Manager) sharedRef(ref, exceptID string) bool {
	for _, s := range m.reg.List() {
		if s.ID != exceptID && s.ContainerRef == ref && !s.Phase.Terminal() {
			return true
		}
	}
	return false
}

// fail moves the session to Failed. It reports false if the session had
// already ended, e.g. because it was stopped.
func (m *Manager) fail(ctx context.Context, id string, code session.FailureCode, cause error) bool {
	msg := "provisioning failed"
	if cause != nil {
		msg = cause.Error()
	}
	_, err := m.reg.Update(ctx, id, func(s *session.Session) error {
		s.Phase = session.PhaseFailed
		s.Error = &session.Failure{Code: code, Message: msg}
		return nil
	})
	if err != nil {
		if !errors.Is(err, session.ErrInvalidTransition) {
			m.log.Error("marking session failed", "session_id", id, "error", err)
		}
		return false
	}
	m.metrics.SessionFailed(string(code))
	m.log.Warn("session failed", "session_id", id, "code", code, "error", cause)
	m.notify(id)
	return true
}

func (m *Manager) notify(id string) {
	m.forget(id)
	m.mu.Lock()
	fns := append([]func(string){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(id)
	}
}

// lockWorkspace serializes provisioning per workspace so that a second
// session for the same workspace finds and reuses the first one's container.
func (m *Manager) lockWorkspace(ctx context.Context, workspaceID string) (func(), error) {
	m.mu.Lock()
	l := m.wsLocks[workspaceID]
	if l == nil {
		l = &wsLock{ch: make(chan struct{}, 1)}
		m.wsLocks[workspaceID] = l
	}
	l.refs++
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.wsLocks, workspaceID)
		}
		m.mu.Unlock()
	}

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}

func (m *Manager) countPhases() map[string]int {
	out := make(map[string]int)
	for _, s := range m.reg.List() {
		out[string(s.Phase)]++
	}
	return out
}

// Shutdown cancels all provisioning tasks and waits for them to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.baseCancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for provisioning tasks: %w", ctx.Err())
	}
}
