package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"golang.org/x/sync/singleflight"

	"github.com/sebastianm/devbox/internal/procutil"
)

// DockerEngine implements Engine using the docker or podman CLI.
type DockerEngine struct {
	// Command is the container command to use (docker or podman).
	Command string
	// PullTimeout bounds a shared pull, which outlives the callers waiting
	// on it. Zero means DefaultPullTimeout.
	PullTimeout time.Duration

	log   *slog.Logger
	pulls singleflight.Group
}

const DefaultPullTimeout = 10 * time.Minute

// NewDockerEngine creates an engine that shells out to command. An empty
// command picks podman if it is on PATH, then docker.
func NewDockerEngine(log *slog.Logger, command string) (*DockerEngine, error) {
	if command == "" {
		for _, c := range []string{"podman", "docker"} {
			if _, err := exec.LookPath(c); err == nil {
				command = c
				break
			}
		}
		if command == "" {
			return nil, fmt.Errorf("%w: neither podman nor docker found in PATH", ErrUnreachable)
		}
	}
	return &DockerEngine{Command: command, log: log}, nil
}

// Name returns the engine identifier.
func (d *DockerEngine) Name() string {
	return d.Command
}

// CommandError is a failed CLI invocation. It unwraps to the classified
// sentinel, if any, and to the process error.
type CommandError struct {
	Command string
	Stderr  string
	Kind    error
	Err     error
}

func (e *CommandError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("%s failed: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s failed: %s: %v", e.Command, stderr, e.Err)
}

func (e *CommandError) Unwrap() []error {
	if e.Kind == nil {
		return []error{e.Err}
	}
	return []error{e.Kind, e.Err}
}

// classify maps CLI stderr onto a sentinel error.
func classify(stderr string, err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return ErrUnreachable
	}
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "cannot connect to the docker daemon"),
		strings.Contains(s, "is the docker daemon running"),
		strings.Contains(s, "error during connect"),
		strings.Contains(s, "unable to connect to podman"),
		strings.Contains(s, "connection refused"):
		return ErrUnreachable
	case strings.Contains(s, "no such container"),
		strings.Contains(s, "no container with name or id"):
		return ErrNoSuchContainer
	case strings.Contains(s, "manifest unknown"),
		strings.Contains(s, "pull access denied"),
		strings.Contains(s, "repository does not exist"),
		strings.Contains(s, "no such image"),
		strings.Contains(s, "image not known"),
		strings.Contains(s, "not found: manifest"),
		strings.Contains(s, "manifest for") && strings.Contains(s, "not found"):
		return ErrImageNotFound
	case strings.Contains(s, "is already in use"):
		return ErrNameConflict
	}
	return nil
}

// runCmd executes a docker/podman command and returns its stdout.
func (d *DockerEngine) runCmd(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, d.Command, args...)
	procutil.Prepare(cmd, true)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	d.log.Debug("engine command", "cmd", shellquote.Join(append([]string{d.Command}, args...)...))

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(ctxErr, err)
		}
		return stdout.Bytes(), &CommandError{
			Command: d.Command + " " + args[0],
			Stderr:  stderr.String(),
			Kind:    classify(stderr.String(), err),
			Err:     err,
		}
	}
	return stdout.Bytes(), nil
}

func (d *DockerEngine) Ping(ctx context.Context) error {
	_, err := d.runCmd(ctx, "version", "--format", "{{.Server.Version}}")
	if err != nil && !errors.Is(err, ErrUnreachable) {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	return err
}

func (d *DockerEngine) ImageExists(ctx context.Context, image string) (bool, error) {
	_, err := d.runCmd(ctx, "image", "inspect", "--format", "{{.Id}}", image)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrImageNotFound) {
		return false, nil
	}
	return false, err
}

// PullImage pulls image. Concurrent pulls of the same image share one CLI
// invocation. The invocation is not tied to any single caller: a caller
// whose ctx ends stops waiting, while the pull runs on for the others until
// PullTimeout.
func (d *DockerEngine) PullImage(ctx context.Context, image string) error {
	ch := d.pulls.DoChan(image, func() (any, error) {
		timeout := d.PullTimeout
		if timeout <= 0 {
			timeout = DefaultPullTimeout
		}
		pullCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		d.log.Info("pulling image", "image", image, "engine", d.Command)
		_, err := d.runCmd(pullCtx, "pull", "--quiet", image)
		return nil, err
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *DockerEngine) CreateVolume(ctx context.Context, name string, labels map[string]string) error {
	args := []string{"volume", "create"}
	args = append(args, labelArgs(labels)...)
	args = append(args, name)
	_, err := d.runCmd(ctx, args...)
	return err
}

func (d *DockerEngine) Create(ctx context.Context, opts CreateOptions) (string, error) {
	out, err := d.runCmd(ctx, createArgs(opts)...)
	if err != nil {
		return "", err
	}
	ref := strings.TrimSpace(string(out))
	if ref == "" {
		return "", fmt.Errorf("%s create returned no container id", d.Command)
	}
	return ref, nil
}

func createArgs(opts CreateOptions) []string {
	args := []string{"create", "--init"}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	args = append(args, labelArgs(opts.Labels)...)
	if opts.Volume != "" && opts.MountPath != "" {
		args = append(args, "-v", opts.Volume+":"+opts.MountPath)
	}
	if opts.WorkingDir != "" {
		args = append(args, "-w", opts.WorkingDir)
	}
	for _, env := range opts.Env {
		args = append(args, "-e", env)
	}
	args = append(args, opts.Image)
	if len(opts.Command) == 0 {
		return append(args, "sleep", "infinity")
	}
	return append(args, opts.Command...)
}

func labelArgs(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, "--label", k+"="+labels[k])
	}
	return args
}

func (d *DockerEngine) Start(ctx context.Context, ref string) error {
	_, err := d.runCmd(ctx, "start", ref)
	return err
}

func (d *DockerEngine) Stop(ctx context.Context, ref string) error {
	_, err := d.runCmd(ctx, "stop", "-t", "5", ref)
	if errors.Is(err, ErrNoSuchContainer) {
		return nil
	}
	return err
}

func (d *DockerEngine) Remove(ctx context.Context, ref string) error {
	_, err := d.runCmd(ctx, "rm", "-f", ref)
	if errors.Is(err, ErrNoSuchContainer) {
		return nil
	}
	return err
}

// dockerInspect holds the relevant fields from docker inspect.
type dockerInspect struct {
	ID     string `json:"Id"`
	Name   string `json:"Name"`
	Config struct {
		Image  string            `json:"Image"`
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	State struct {
		Status    string `json:"Status"`
		Running   bool   `json:"Running"`
		StartedAt string `json:"StartedAt"`
	} `json:"State"`
}

func (d *DockerEngine) Inspect(ctx context.Context, ref string) (*ContainerInfo, error) {
	out, err := d.runCmd(ctx, "container", "inspect", ref)
	if err != nil {
		return nil, err
	}
	return parseInspect(out)
}

func parseInspect(out []byte) (*ContainerInfo, error) {
	var inspects []dockerInspect
	if err := json.Unmarshal(out, &inspects); err != nil {
		return nil, fmt.Errorf("parsing inspect output: %w", err)
	}
	if len(inspects) == 0 {
		return nil, ErrNoSuchContainer
	}

	in := inspects[0]
	info := &ContainerInfo{
		Ref:       in.ID,
		Name:      strings.TrimPrefix(in.Name, "/"),
		Image:     in.Config.Image,
		StartedAt: in.State.StartedAt,
		Labels:    in.Config.Labels,
	}
	switch {
	case in.State.Running, in.State.Status == "running":
		info.State = StateRunning
	case in.State.Status == "exited", in.State.Status == "stopped",
		in.State.Status == "created", in.State.Status == "configured":
		info.State = StateStopped
	default:
		info.State = StateUnknown
	}
	return info, nil
}

// Exec runs cmd inside the container and waits for it. Engine-level
// failures are returned as errors; the command's own exit status is
// reported in the result.
func (d *DockerEngine) Exec(ctx context.Context, ref string, command []string, opts ExecOptions) (*ExecResult, error) {
	args := execArgs(ref, command, opts, false)

	cmd := exec.CommandContext(ctx, d.Command, args...)
	procutil.Prepare(cmd, true)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}

	d.log.Debug("engine exec", "container_ref", ref, "cmd", shellquote.Join(command...))

	err := cmd.Run()
	result := &ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		// The CLI reports its own failures on stderr with a non-zero code,
		// prefixed the same way by docker and podman.
		if kind := classify(stderr.String(), err); kind != nil && fromCLI(stderr.String()) {
			return result, &CommandError{Command: d.Command + " exec", Stderr: stderr.String(), Kind: kind, Err: err}
		}
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = errors.Join(ctxErr, err)
	}
	return result, &CommandError{Command: d.Command + " exec", Stderr: stderr.String(), Kind: classify(stderr.String(), err), Err: err}
}

func fromCLI(stderr string) bool {
	s := strings.TrimSpace(stderr)
	return strings.HasPrefix(s, "Error") || strings.HasPrefix(s, "Cannot connect")
}

func execArgs(ref string, command []string, opts ExecOptions, tty bool) []string {
	args := []string{"exec"}
	switch {
	case tty:
		args = append(args, "-it")
	case opts.Stdin != nil:
		args = append(args, "-i")
	}
	if opts.User != "" {
		args = append(args, "-u", opts.User)
	}
	if opts.WorkingDir != "" {
		args = append(args, "-w", opts.WorkingDir)
	}
	for _, env := range opts.Env {
		args = append(args, "-e", env)
	}
	args = append(args, ref)
	return append(args, command...)
}

// Ensure DockerEngine implements Engine.
var _ Engine = (*DockerEngine)(nil)
