// Package terminal bridges an interactive process in a session's container
// to a client-facing duplex channel.
//
// A session has at most one bridge at a time; a second attach is rejected
// with TERMINAL_BUSY. A bridge reads the container stream with a short
// deadline and treats an expired deadline as "nothing to send yet", so an
// idle shell never ends the bridge. Only an explicit close from either side,
// a stream error or Detach does.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sebastianm/devbox/internal/apperr"
	"github.com/sebastianm/devbox/internal/engine"
	"github.com/sebastianm/devbox/internal/metrics"
	"github.com/sebastianm/devbox/internal/session"
)

// Channel is the client side of a bridge. Read returns one inbound frame.
type Channel interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, p []byte) error
	Close(reason string) error
}

// SessionReader resolves a session id to its current state.
type SessionReader interface {
	Get(id string) (session.Session, error)
}

// FailureReporter receives engine failures seen by a bridge. Only the
// lifecycle manager decides whether they fail the session.
type FailureReporter interface {
	ReportFailure(ctx context.Context, sessionID string, err error)
}

// Deps holds the Hub's collaborators and settings.
type Deps struct {
	Log      *slog.Logger
	Sessions SessionReader
	Engine   engine.Engine
	Reporter FailureReporter
	Metrics  *metrics.Metrics // optional

	// Shell is the program attached to, started in WorkingDir.
	Shell      string
	WorkingDir string

	// ReadTimeout bounds a single container read.
	ReadTimeout time.Duration
	Cols, Rows  uint16
}

// Hub tracks the live bridge of every session.
type Hub struct {
	d Deps

	mu      sync.Mutex
	bridges map[string]*Bridge
}

// NewHub creates a Hub.
func NewHub(d Deps) *Hub {
	if d.ReadTimeout <= 0 {
		d.ReadTimeout = 5 * time.Second
	}
	if d.Cols == 0 {
		d.Cols = 80
	}
	if d.Rows == 0 {
		d.Rows = 24
	}
	return &Hub{d: d, bridges: make(map[string]*Bridge)}
}

// Bridge is one attachment. It exists from Open until Run returns or Close
// is called.
type Bridge struct {
	hub       *Hub
	sessionID string

	mu      sync.Mutex
	stream  engine.Stream // nil while Open is attaching
	cancel  context.CancelCauseFunc
	closed  bool
	running bool
}

var (
	// errContainerEOF ends a bridge because the process in the container exited.
	errContainerEOF = errors.New("container stream ended")
	// errClientGone ends a bridge because the client disconnected.
	errClientGone = errors.New("client disconnected")
	// errDetached ends a bridge on Detach.
	errDetached = errors.New("detached")
)

// Open checks the session is Ready, claims its bridge slot and attaches to
// the container. Zero cols or rows use the configured defaults. The caller
// must either Run or Close the returned bridge.
func (h *Hub) Open(ctx context.Context, sessionID string, cols, rows uint16) (*Bridge, error) {
	sess, err := h.d.Sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Phase != session.PhaseReady || sess.ContainerRef == "" {
		return nil, apperr.NotReady(sessionID, string(sess.Phase))
	}

	b := &Bridge{hub: h, sessionID: sessionID}
	h.mu.Lock()
	if _, busy := h.bridges[sessionID]; busy {
		h.mu.Unlock()
		return nil, apperr.TerminalBusy(sessionID)
	}
	h.bridges[sessionID] = b
	h.mu.Unlock()

	if cols == 0 {
		cols = h.d.Cols
	}
	if rows == 0 {
		rows = h.d.Rows
	}
	stream, err := h.d.Engine.Attach(ctx, sess.ContainerRef, engine.AttachOptions{
		Command:    []string{h.d.Shell},
		WorkingDir: h.d.WorkingDir,
		Cols:       cols,
		Rows:       rows,
	})
	if err != nil {
		h.release(b)
		h.d.Reporter.ReportFailure(context.WithoutCancel(ctx), sessionID, err)
		return nil, apperr.Engine("attaching terminal", err)
	}
	b.mu.Lock()
	if b.closed {
		// Detached while attaching; Close already freed the slot.
		b.mu.Unlock()
		_ = stream.Close()
		return nil, apperr.StreamClosed(errDetached)
	}
	b.stream = stream
	b.mu.Unlock()

	h.d.Metrics.TerminalAttached()
	h.d.Log.Info("terminal attached", "session_id", sessionID, "container_ref", sess.ContainerRef, "cols", cols, "rows", rows)
	return b, nil
}

// Run moves bytes between the container and ch until either side closes,
// the stream fails or the bridge is detached. Both loops stop before Run
// returns; the stream and ch are closed and the slot is released. A normal
// end returns nil.
func (b *Bridge) Run(ctx context.Context, ch Channel) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	b.mu.Lock()
	if b.closed || b.running {
		b.mu.Unlock()
		_ = ch.Close("detached")
		return nil
	}
	b.running = true
	b.cancel = cancel
	b.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.readLoop(gctx, ch) })
	g.Go(func() error { return b.writeLoop(gctx, ch) })
	g.Go(func() error {
		// Closing both ends unblocks whichever loop is still waiting.
		<-gctx.Done()
		_ = b.stream.Close()
		_ = ch.Close(closeReason(context.Cause(gctx)))
		return nil
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
	}

	b.teardown()

	switch {
	case err == nil,
		errors.Is(err, errContainerEOF),
		errors.Is(err, errClientGone),
		errors.Is(err, errDetached),
		errors.Is(err, context.Canceled):
		b.hub.d.Log.Info("terminal detached", "session_id", b.sessionID, "reason", closeReason(err))
		if errors.Is(err, errContainerEOF) {
			b.hub.d.Reporter.ReportFailure(context.WithoutCancel(ctx), b.sessionID, err)
		}
		return nil
	}

	b.hub.d.Log.Warn("terminal bridge failed", "session_id", b.sessionID, "error", err)
	if errors.Is(err, apperr.ErrEngine) {
		b.hub.d.Reporter.ReportFailure(context.WithoutCancel(ctx), b.sessionID, err)
	}
	return err
}

// readLoop copies container output to the client. A read that times out
// just means the shell is idle.
func (b *Bridge) readLoop(ctx context.Context, ch Channel) error {
	buf := make([]byte, 32*1024)
	for {
		if err := b.stream.SetReadDeadline(time.Now().Add(b.hub.d.ReadTimeout)); err != nil {
			return apperr.StreamClosed(err)
		}
		n, err := b.stream.Read(buf)
		if n > 0 {
			if werr := ch.Write(ctx, buf[:n]); werr != nil {
				return fmt.Errorf("%w: %w", errClientGone, werr)
			}
		}
		switch {
		case err == nil:
		case engine.IsTimeout(err):
			if ctx.Err() != nil {
				return ctx.Err()
			}
		case errors.Is(err, io.EOF):
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errContainerEOF
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return apperr.Engine("reading terminal stream", err)
		}
	}
}

// writeLoop forwards each client frame to the container verbatim.
func (b *Bridge) writeLoop(ctx context.Context, ch Channel) error {
	for {
		p, err := ch.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %w", errClientGone, err)
		}
		if len(p) == 0 {
			continue
		}
		if _, err := b.stream.Write(p); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return apperr.StreamClosed(err)
		}
	}
}

// Close ends the bridge. It is safe to call at any time and more than once.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	cancel, running, stream := b.cancel, b.running, b.stream
	b.mu.Unlock()

	if running {
		cancel(errDetached)
		return
	}
	if stream == nil {
		// Open is still attaching and drops the stream once it sees closed.
		b.hub.release(b)
		return
	}
	// Opened but never run: nothing else will release it.
	_ = stream.Close()
	b.teardown()
}

// attached returns the container stream, or nil while Open is attaching or
// after the bridge was closed.
func (b *Bridge) attached() engine.Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	return b.stream
}

func (b *Bridge) teardown() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	if b.hub.release(b) {
		b.hub.d.Metrics.TerminalDetached()
	}
}

// release frees the slot if b still holds it.
func (h *Hub) release(b *Bridge) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bridges[b.sessionID] != b {
		return false
	}
	delete(h.bridges, b.sessionID)
	return true
}

// Resize changes the window of the session's attached terminal.
func (h *Hub) Resize(sessionID string, cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return apperr.Validation("invalid resize request", map[string]any{"cols": cols, "rows": rows})
	}
	h.mu.Lock()
	b := h.bridges[sessionID]
	h.mu.Unlock()
	if b == nil {
		return apperr.NoTerminal(sessionID)
	}
	stream := b.attached()
	if stream == nil {
		return apperr.NoTerminal(sessionID)
	}
	if err := stream.Resize(cols, rows); err != nil {
		return apperr.StreamClosed(err)
	}
	return nil
}

// Detach ends the session's bridge, if any. It is registered with the
// lifecycle manager so that stopping a session drops its terminal.
func (h *Hub) Detach(sessionID string) {
	h.mu.Lock()
	b := h.bridges[sessionID]
	h.mu.Unlock()
	if b == nil {
		return
	}
	h.d.Log.Info("detaching terminal", "session_id", sessionID)
	b.Close()
}

// Attached reports whether sessionID has a live bridge.
func (h *Hub) Attached(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.bridges[sessionID]
	return ok
}

// Count returns the number of live bridges.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bridges)
}

func closeReason(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, errContainerEOF):
		return "process exited"
	case errors.Is(err, errClientGone):
		return "client disconnected"
	case errors.Is(err, errDetached):
		return "detached"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "stream error"
}
