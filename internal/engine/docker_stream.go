package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty/v2"
	"github.com/kballard/go-shellquote"

	"github.com/sebastianm/devbox/internal/procutil"
)

// Attach starts opts.Command in the container on a pseudo-terminal. The
// stream outlives ctx; call Close to end it.
func (d *DockerEngine) Attach(ctx context.Context, ref string, opts AttachOptions) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	command := opts.Command
	if len(command) == 0 {
		command = []string{"/bin/sh"}
	}
	if opts.Cols == 0 {
		opts.Cols = 80
	}
	if opts.Rows == 0 {
		opts.Rows = 24
	}

	env := append([]string{"TERM=xterm-256color"}, opts.Env...)
	args := execArgs(ref, command, ExecOptions{WorkingDir: opts.WorkingDir, Env: env}, true)

	cmd := exec.Command(d.Command, args...)
	procutil.Prepare(cmd, false)

	d.log.Debug("engine attach", "container_ref", ref, "cmd", shellquote.Join(command...))

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: opts.Rows, Cols: opts.Cols})
	if err != nil {
		return nil, &CommandError{Command: d.Command + " exec", Kind: classify("", err), Err: fmt.Errorf("start pty: %w", err)}
	}

	s := &ptyStream{
		ptmx: ptmx,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	s.reader = newDeadlineReader(ptyReader{ptmx})

	go func() {
		defer close(s.done)
		err := cmd.Wait()
		d.log.Debug("engine attach exited", "container_ref", ref, "error", err)
	}()

	return s, nil
}

// ptyStream is a Stream over a local pty connected to "<engine> exec -it".
type ptyStream struct {
	ptmx   *os.File
	cmd    *exec.Cmd
	done   chan struct{}
	reader *deadlineReader

	closeOnce sync.Once
}

func (s *ptyStream) Read(p []byte) (int, error) { return s.reader.Read(p) }

func (s *ptyStream) Write(p []byte) (int, error) {
	select {
	case <-s.done:
		return 0, io.ErrClosedPipe
	default:
	}
	return s.ptmx.Write(p)
}

func (s *ptyStream) SetReadDeadline(t time.Time) error {
	s.reader.SetDeadline(t)
	return nil
}

func (s *ptyStream) Resize(cols, rows uint16) error {
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Close hangs up the process, kills it if it does not exit within two
// seconds, and releases the pty.
func (s *ptyStream) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(syscall.SIGHUP)
			select {
			case <-s.done:
			case <-time.After(2 * time.Second):
				_ = s.cmd.Process.Kill()
				<-s.done
			}
		}
		_ = s.ptmx.Close()
		s.reader.Close()
	})
	return nil
}

// ptyReader reports the EIO a pty master returns after the child hung up
// as a clean end of stream.
type ptyReader struct{ f *os.File }

func (r ptyReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if err != nil && (errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)) {
		err = io.EOF
	}
	return n, err
}

// deadlineReader adds read deadlines to an io.Reader that has none. A single
// goroutine pumps the source; reads wait for the next chunk, the deadline or
// Close.
type deadlineReader struct {
	chunks chan []byte
	closed chan struct{}

	mu       sync.Mutex
	deadline time.Time
	pending  []byte
	err      error // terminal error from the source, delivered after the data

	closeOnce sync.Once
}

func newDeadlineReader(src io.Reader) *deadlineReader {
	r := &deadlineReader{
		chunks: make(chan []byte),
		closed: make(chan struct{}),
	}
	go r.pump(src)
	return r
}

func (r *deadlineReader) pump(src io.Reader) {
	defer close(r.chunks)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case r.chunks <- chunk:
			case <-r.closed:
				return
			}
		}
		if err != nil {
			r.mu.Lock()
			r.err = err
			r.mu.Unlock()
			return
		}
	}
}

// SetDeadline bounds reads started after the call.
func (r *deadlineReader) SetDeadline(t time.Time) {
	r.mu.Lock()
	r.deadline = t
	r.mu.Unlock()
}

func (r *deadlineReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		n := copy(p, r.pending)
		r.pending = r.pending[n:]
		r.mu.Unlock()
		return n, nil
	}
	deadline := r.deadline
	r.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case chunk, ok := <-r.chunks:
		if !ok {
			r.mu.Lock()
			err := r.err
			r.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}
		n := copy(p, chunk)
		if n < len(chunk) {
			r.mu.Lock()
			r.pending = chunk[n:]
			r.mu.Unlock()
		}
		return n, nil
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	case <-r.closed:
		return 0, io.EOF
	}
}

// Close unblocks pending reads. It does not close the source.
func (r *deadlineReader) Close() {
	r.closeOnce.Do(func() { close(r.closed) })
}
