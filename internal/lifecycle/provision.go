package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sebastianm/devbox/internal/engine"
	"github.com/sebastianm/devbox/internal/session"
)

const (
	labelWorkspace = "devbox.workspace"
	labelSession   = "devbox.session"
)

// errProbeTimeout means the container started but never answered a probe.
var errProbeTimeout = errors.New("container did not become responsive")

// errStopped aborts a task whose session left the provisioning chain.
var errStopped = errors.New("session is no longer provisioning")

// run is the state of one provisioning task.
type run struct {
	m     *Manager
	sess  session.Session
	image string
	name  string

	// created is the container this task created, removed again if the task
	// does not reach Ready.
	created string
	// full is set once the task went through the image pull, so the total
	// duration is a fair sample for the Ready estimate.
	full bool
}

// ContainerName is the deterministic container name for a workspace.
func (m *Manager) ContainerName(workspaceID string) string {
	return m.cfg.ContainerPrefix + workspaceID
}

func (m *Manager) provision(ctx context.Context, sess session.Session) {
	r := &run{
		m:     m,
		sess:  sess,
		image: sess.Image,
		name:  m.ContainerName(sess.WorkspaceID),
	}
	log := m.log.With("session_id", sess.ID, "workspace_id", sess.WorkspaceID)

	unlock, err := m.lockWorkspace(ctx, sess.WorkspaceID)
	if err != nil {
		r.abort(ctx, err)
		return
	}
	defer unlock()

	ref, err := r.steps(ctx)
	if err != nil {
		r.cleanup()
		r.abort(ctx, err)
		return
	}

	if err := r.ready(ctx, ref); err != nil {
		r.cleanup()
		r.abort(ctx, err)
		return
	}
	log.Info("session ready", "container_ref", ref, "image", r.image)
}

// steps walks the provisioning chain and returns the ref of a running,
// responsive container.
func (r *run) steps(ctx context.Context) (string, error) {
	m := r.m

	info, err := r.inspect(ctx, r.name)
	switch {
	case err == nil && info.State == engine.StateRunning:
		m.log.Info("reusing running container", "session_id", r.sess.ID, "container_ref", info.Ref)
		return info.Ref, nil
	case err == nil:
		// The workspace container exists but is not running: start it again.
		if err := r.enter(ctx, session.PhaseStartingContainer, info.Ref); err != nil {
			return "", err
		}
		if err := r.start(ctx, info.Ref); err != nil {
			return "", err
		}
		return info.Ref, nil
	case !errors.Is(err, engine.ErrNoSuchContainer):
		return "", err
	}

	if err := r.enter(ctx, session.PhasePullingImage, ""); err != nil {
		return "", err
	}
	if err := r.pull(ctx); err != nil {
		return "", err
	}
	r.full = true

	if err := r.enter(ctx, session.PhaseCreatingVolume, ""); err != nil {
		return "", err
	}
	volume := r.name + "-data"
	if err := r.call(ctx, func(ctx context.Context) error {
		return m.eng.CreateVolume(ctx, volume, map[string]string{labelWorkspace: r.sess.WorkspaceID})
	}); err != nil {
		return "", fmt.Errorf("creating volume %s: %w", volume, err)
	}

	if err := r.enter(ctx, session.PhaseCreatingContainer, ""); err != nil {
		return "", err
	}
	ref, err := r.create(ctx, volume)
	if err != nil {
		return "", err
	}

	if err := r.enter(ctx, session.PhaseStartingContainer, ref); err != nil {
		return "", err
	}
	if err := r.start(ctx, ref); err != nil {
		return "", err
	}
	return ref, nil
}

func (r *run) pull(ctx context.Context) error {
	m := r.m
	var exists bool
	if err := r.call(ctx, func(ctx context.Context) error {
		var err error
		exists, err = m.eng.ImageExists(ctx, r.image)
		return err
	}); err != nil {
		return fmt.Errorf("checking image %s: %w", r.image, err)
	}
	if exists {
		return nil
	}

	pullCtx, cancel := context.WithTimeout(ctx, m.cfg.PullTimeout.Duration)
	defer cancel()
	if err := m.eng.PullImage(pullCtx, r.image); err != nil {
		return fmt.Errorf("pulling image %s: %w", r.image, err)
	}
	return nil
}

func (r *run) create(ctx context.Context, volume string) (string, error) {
	m := r.m
	var ref string
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		ref, err = m.eng.Create(ctx, engine.CreateOptions{
			Name:       r.name,
			Image:      r.image,
			Volume:     volume,
			MountPath:  m.cfg.SandboxRoot,
			WorkingDir: m.cfg.SandboxRoot,
			Labels: map[string]string{
				labelWorkspace: r.sess.WorkspaceID,
				labelSession:   r.sess.ID,
			},
		})
		return err
	})
	if errors.Is(err, engine.ErrNameConflict) {
		// Someone else created the workspace container in the meantime.
		info, ierr := r.inspect(ctx, r.name)
		if ierr != nil {
			return "", fmt.Errorf("creating container %s: %w", r.name, errors.Join(err, ierr))
		}
		return info.Ref, nil
	}
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", r.name, err)
	}
	r.created = ref
	return ref, nil
}

// start starts ref and probes it until it runs a command or the probe
// timeout expires.
func (r *run) start(ctx context.Context, ref string) error {
	m := r.m
	if err := r.call(ctx, func(ctx context.Context) error {
		return m.eng.Start(ctx, ref)
	}); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout.Duration)
	defer cancel()
	ticker := time.NewTicker(m.cfg.ProbeInterval.Duration)
	defer ticker.Stop()

	var lastErr error
	for {
		res, err := m.eng.Exec(probeCtx, ref, []string{"true"}, engine.ExecOptions{})
		switch {
		case err == nil && res.ExitCode == 0:
			return nil
		case errors.Is(err, engine.ErrUnreachable):
			return err
		case err != nil:
			lastErr = err
		default:
			lastErr = fmt.Errorf("probe exited with code %d", res.ExitCode)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-probeCtx.Done():
			return fmt.Errorf("%w after %s: %w", errProbeTimeout, m.cfg.ProbeTimeout.Duration, lastErr)
		case <-ticker.C:
		}
	}
}

// enter records the duration of the phase being left and moves the session
// into next. A non-empty ref is stored on the session in the same update.
func (r *run) enter(ctx context.Context, next session.Phase, ref string) error {
	prev := r.sess
	updated, err := r.m.reg.Update(ctx, prev.ID, func(s *session.Session) error {
		if s.Phase.Terminal() {
			return errStopped
		}
		s.Phase = next
		s.ProgressPercent = phaseFloor(next)
		if ref != "" {
			s.ContainerRef = ref
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.observe(prev)
	r.sess = updated
	r.m.log.Debug("phase entered", "session_id", updated.ID, "phase", next, "percent", updated.ProgressPercent)
	return nil
}

// observe feeds the time spent in prev's phase to the estimator. Starting is
// bookkeeping only and has no model of its own.
func (r *run) observe(prev session.Session) {
	if prev.Phase == session.PhaseStarting {
		return
	}
	d := time.Since(prev.PhaseStartedAt)
	r.m.eta.Observe(r.image, string(prev.Phase), d)
	r.m.metrics.ObservePhase(string(prev.Phase), d)
}

func (r *run) ready(ctx context.Context, ref string) error {
	if err := r.enter(ctx, session.PhaseReady, ref); err != nil {
		return err
	}
	r.m.forget(r.sess.ID)
	if r.full {
		r.m.eta.Observe(r.image, ReadyKey, r.sess.UpdatedAt.Sub(r.sess.CreatedAt))
	}
	return nil
}

// call runs one short engine call bounded by the configured call timeout.
func (r *run) call(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, r.m.cfg.CallTimeout.Duration)
	defer cancel()
	return fn(callCtx)
}

func (r *run) inspect(ctx context.Context, ref string) (*engine.ContainerInfo, error) {
	var info *engine.ContainerInfo
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		info, err = r.m.eng.Inspect(ctx, ref)
		return err
	})
	return info, err
}

// abort ends the task. A task cancelled by Stop leaves the session alone;
// one cancelled by shutdown, or failing on its own, marks it Failed.
func (r *run) abort(ctx context.Context, err error) {
	if errors.Is(err, errStopped) {
		return
	}
	cur, gerr := r.m.reg.Get(r.sess.ID)
	if gerr == nil && cur.Phase.Terminal() {
		return
	}
	code := failureCode(r.sess.Phase, err)
	if ctx.Err() != nil {
		code = session.FailureUnknown
		err = fmt.Errorf("provisioning interrupted: %w", err)
	}
	r.m.fail(context.WithoutCancel(ctx), r.sess.ID, code, err)
}

// cleanup removes a container this task created. Reused containers are left
// alone.
func (r *run) cleanup() {
	if r.created == "" {
		return
	}
	r.m.removeContainer(r.created, r.sess.ID)
}

// failureCode maps a provisioning error to the code clients see.
func failureCode(phase session.Phase, err error) session.FailureCode {
	switch {
	case errors.Is(err, engine.ErrImageNotFound):
		return session.FailureImageUnavailable
	case errors.Is(err, engine.ErrUnreachable):
		return session.FailureEngineUnreachable
	case errors.Is(err, errProbeTimeout):
		return session.FailureStartTimeout
	case phase == session.PhaseStartingContainer && errors.Is(err, context.DeadlineExceeded):
		return session.FailureStartTimeout
	}
	return session.FailureUnknown
}
