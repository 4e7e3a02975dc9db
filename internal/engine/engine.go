// Package engine drives an external container engine through the narrow set
// of lifecycle verbs devbox needs.
//
// # Engine Interface
//
// Engine covers image and volume preparation (ImageExists, PullImage,
// CreateVolume), the container lifecycle (Create, Start, Stop, Remove,
// Inspect), one-shot commands (Exec) and interactive streams (Attach).
//
// DockerEngine implements it by shelling out to the docker or podman CLI.
// MockEngine is an in-memory implementation for tests that records calls
// and accepts injected errors per method.
//
// # Streams
//
// Attach returns a Stream. A read that hits the deadline set through
// SetReadDeadline fails with an error for which IsTimeout reports true; the
// stream stays usable afterwards. Any other read error, including io.EOF,
// means the stream is finished.
package engine

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"
)

// ContainerState is the coarse lifecycle state of a container.
type ContainerState string

const (
	StateRunning  ContainerState = "running"
	StateStopped  ContainerState = "stopped"
	StateNotFound ContainerState = "not-found"
	StateUnknown  ContainerState = "unknown"
)

// ContainerInfo describes an existing container.
type ContainerInfo struct {
	// Ref is the engine's container id.
	Ref       string
	Name      string
	Image     string
	State     ContainerState
	StartedAt string
	Labels    map[string]string
}

// CreateOptions holds options for creating a container.
type CreateOptions struct {
	Name       string
	Image      string
	Volume     string // named volume mounted at MountPath
	MountPath  string
	WorkingDir string
	Labels     map[string]string
	Env        []string
	// Command keeps the container alive. Defaults to "sleep infinity".
	Command []string
}

// ExecOptions holds options for a one-shot command inside a container.
type ExecOptions struct {
	User       string
	WorkingDir string
	Env        []string
	Stdin      io.Reader
}

// ExecResult holds the outcome of a command that ran. A non-zero exit code
// is not an error.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// AttachOptions configures an interactive stream.
type AttachOptions struct {
	Command    []string
	WorkingDir string
	Env        []string
	Cols, Rows uint16
}

// Stream is a duplex byte stream to an interactive process in a container.
type Stream interface {
	io.ReadWriteCloser

	// SetReadDeadline bounds the next reads. A zero time clears it.
	SetReadDeadline(t time.Time) error

	// Resize changes the terminal window of the process.
	Resize(cols, rows uint16) error
}

// Engine is the capability contract devbox needs from a container engine.
// All methods are safe for concurrent use.
type Engine interface {
	// Name returns the engine identifier, e.g. "docker".
	Name() string

	// Ping checks the engine is reachable.
	Ping(ctx context.Context) error

	ImageExists(ctx context.Context, image string) (bool, error)
	PullImage(ctx context.Context, image string) error

	// CreateVolume creates a named volume. Creating an existing volume is
	// not an error.
	CreateVolume(ctx context.Context, name string, labels map[string]string) error

	// Create creates a container without starting it and returns its ref.
	Create(ctx context.Context, opts CreateOptions) (string, error)
	Start(ctx context.Context, ref string) error

	// Stop and Remove treat a missing container as success.
	Stop(ctx context.Context, ref string) error
	Remove(ctx context.Context, ref string) error

	// Inspect accepts a ref or a container name. A missing container yields
	// ErrNoSuchContainer.
	Inspect(ctx context.Context, ref string) (*ContainerInfo, error)

	Exec(ctx context.Context, ref string, cmd []string, opts ExecOptions) (*ExecResult, error)
	Attach(ctx context.Context, ref string, opts AttachOptions) (Stream, error)
}

// Classified engine failures. Errors returned by an Engine wrap one of these
// when the cause is recognised.
var (
	ErrUnreachable     = errors.New("container engine unreachable")
	ErrImageNotFound   = errors.New("image not found")
	ErrNoSuchContainer = errors.New("no such container")
	ErrNameConflict    = errors.New("container name already in use")
)

// IsTimeout reports whether err is a read deadline expiry rather than a
// real stream failure.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
