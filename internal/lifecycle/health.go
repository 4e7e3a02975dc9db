package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sebastianm/devbox/internal/engine"
	"github.com/sebastianm/devbox/internal/session"
)

var errContainerGone = errors.New("container is no longer running")

// ReportFailure is how the terminal and file proxies tell the manager an
// engine call against a Ready session failed. The manager checks the
// container and marks the session Failed only if it is really gone; a
// transient engine error leaves the session Ready.
func (m *Manager) ReportFailure(ctx context.Context, sessionID string, cause error) {
	sess, err := m.reg.Get(sessionID)
	if err != nil || sess.Phase != session.PhaseReady {
		return
	}
	m.log.Warn("engine failure reported", "session_id", sessionID, "container_ref", sess.ContainerRef, "error", cause)
	m.checkReady(ctx, sess)
}

// Recover loads persisted sessions. Sessions caught mid-provisioning by a
// restart have no task any more and are marked Failed; Ready sessions are
// checked against the engine.
func (m *Manager) Recover(ctx context.Context) error {
	loaded, err := m.reg.Load(ctx)
	if err != nil {
		return err
	}
	var interrupted, checked int
	for _, s := range loaded {
		switch {
		case s.Phase.Provisioning():
			m.fail(ctx, s.ID, session.FailureUnknown, errors.New("provisioning interrupted by restart"))
			interrupted++
		case s.Phase == session.PhaseReady:
			m.checkReady(ctx, s)
			checked++
		}
	}
	m.log.Info("sessions recovered", "loaded", len(loaded), "interrupted", interrupted, "ready_checked", checked)
	return nil
}

// Run checks Ready sessions on every health interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		m.checkOnce(ctx)
	}
}

func (m *Manager) checkOnce(ctx context.Context) {
	for _, s := range m.reg.List() {
		if s.Phase != session.PhaseReady {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		m.checkReady(ctx, s)
	}
}

// checkReady fails sess if its container is missing or not running. An
// unreachable engine is not evidence either way.
func (m *Manager) checkReady(ctx context.Context, sess session.Session) {
	if sess.ContainerRef == "" {
		m.fail(ctx, sess.ID, session.FailureUnknown, errors.New("ready session has no container"))
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout.Duration)
	defer cancel()

	info, err := m.eng.Inspect(callCtx, sess.ContainerRef)
	switch {
	case errors.Is(err, engine.ErrNoSuchContainer):
		m.fail(ctx, sess.ID, session.FailureUnknown, errContainerGone)
	case err != nil:
		m.log.Warn("health check inconclusive", "session_id", sess.ID, "container_ref", sess.ContainerRef, "error", err)
	case info.State != engine.StateRunning:
		m.fail(ctx, sess.ID, session.FailureUnknown, fmt.Errorf("%w: state %s", errContainerGone, info.State))
	}
}
