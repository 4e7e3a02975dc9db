package fileops

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastianm/devbox/internal/apperr"
	"github.com/sebastianm/devbox/internal/engine"
	"github.com/sebastianm/devbox/internal/session"
)

// localExec runs the command on the host, standing in for the container.
func localExec(_ string, cmd []string, opts engine.ExecOptions) (*engine.ExecResult, error) {
	c := exec.Command(cmd[0], cmd[1:]...)
	c.Stdin = opts.Stdin
	var stdout, stderr bytes.Buffer
	c.Stdout, c.Stderr = &stdout, &stderr
	err := c.Run()
	res := &engine.ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

type fakeReporter struct {
	mu    sync.Mutex
	calls []error
}

func (r *fakeReporter) ReportFailure(_ context.Context, _ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, err)
}

func (r *fakeReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fixture struct {
	proxy    *Proxy
	eng      *engine.MockEngine
	reg      *session.Registry
	reporter *fakeReporter
	root     string
	id       string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("file scripts run on the host and need GNU stat")
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		eng:      engine.NewMockEngine(),
		reg:      session.NewRegistry(log, nil),
		reporter: &fakeReporter{},
		root:     root,
	}
	f.eng.ExecHandler = localExec
	f.proxy = NewProxy(Deps{
		Log:           log,
		Sessions:      f.reg,
		Engine:        f.eng,
		Reporter:      f.reporter,
		Root:          root,
		MaxReadBytes:  64,
		MaxWriteBytes: 64,
	})

	sess, err := f.reg.Create(t.Context(), session.Spec{WorkspaceID: "w1"})
	require.NoError(t, err)
	ref := f.eng.AddContainer("devbox-w1", "alpine", engine.StateRunning)
	_, err = f.reg.Update(t.Context(), sess.ID, func(s *session.Session) error {
		s.Phase = session.PhaseReady
		s.ContainerRef = ref
		return nil
	})
	require.NoError(t, err)
	f.id = sess.ID
	return f
}

func (f *fixture) writeFile(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(f.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func paths(nodes []Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Path
	}
	return out
}

func TestProxy_WriteReadList(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	n, err := f.proxy.Write(ctx, f.id, "src/main.go", "package main\n", "")
	require.NoError(t, err)
	assert.Equal(t, int64(13), n)

	file, err := f.proxy.Read(ctx, f.id, "src/main.go")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.root, "src/main.go"), file.Path)
	assert.Equal(t, "package main\n", file.Content)
	assert.Equal(t, EncodingUTF8, file.Encoding)
	assert.Equal(t, int64(13), file.Size)

	f.writeFile(t, "README.md", "# hi\n")
	nodes, err := f.proxy.List(ctx, f.id, "", ListOptions{})
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, Node{Path: f.root + "/src", Type: TypeDirectory, Size: nodes[0].Size, Permissions: nodes[0].Permissions}, nodes[0])
	assert.Equal(t, f.root+"/README.md", nodes[1].Path)
	assert.Equal(t, TypeFile, nodes[1].Type)
	assert.Equal(t, int64(5), nodes[1].Size)
	assert.NotEmpty(t, nodes[1].Permissions)

	nodes, err = f.proxy.List(ctx, f.id, f.root+"/src", ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{f.root + "/src/main.go"}, paths(nodes))
}

func TestProxy_ListNamesWithSpaces(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "my notes.txt", "x")
	f.writeFile(t, ".env", "y")

	nodes, err := f.proxy.List(t.Context(), f.id, "", ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{f.root + "/.env", f.root + "/my notes.txt"}, paths(nodes))
}

func TestProxy_Overwrite(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "a.txt", "a much longer original body")

	_, err := f.proxy.Write(t.Context(), f.id, "a.txt", "short", EncodingUTF8)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(f.root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "short", string(data))
}

func TestProxy_BinaryContent(t *testing.T) {
	f := newFixture(t)
	raw := []byte{0xff, 0x00, 0xfe, 'a'}
	enc := base64.StdEncoding.EncodeToString(raw)

	_, err := f.proxy.Write(t.Context(), f.id, "blob.bin", enc, EncodingBase64)
	require.NoError(t, err)

	file, err := f.proxy.Read(t.Context(), f.id, "blob.bin")
	require.NoError(t, err)
	assert.Equal(t, EncodingBase64, file.Encoding)
	assert.Equal(t, enc, file.Content)
	assert.Equal(t, int64(4), file.Size)

	_, err = f.proxy.Write(t.Context(), f.id, "blob.bin", "***", EncodingBase64)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
	_, err = f.proxy.Write(t.Context(), f.id, "blob.bin", "x", "latin1")
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestProxy_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	f.writeFile(t, "file.txt", "hello")
	f.writeFile(t, "dir/inner.txt", "hello")

	_, err := f.proxy.Read(ctx, f.id, "missing.txt")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, apperr.CodeFileNotFound, apperr.CodeOf(err))

	_, err = f.proxy.List(ctx, f.id, "missing", ListOptions{})
	assert.Equal(t, apperr.CodeFileNotFound, apperr.CodeOf(err))

	_, err = f.proxy.List(ctx, f.id, "file.txt", ListOptions{})
	assert.Equal(t, apperr.CodeNotADirectory, apperr.CodeOf(err))

	_, err = f.proxy.Read(ctx, f.id, "dir")
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	_, err = f.proxy.Write(ctx, f.id, "dir", "x", "")
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	// The parent is a regular file, so mkdir fails inside the container.
	_, err = f.proxy.Write(ctx, f.id, "file.txt/child", "x", "")
	assert.ErrorIs(t, err, apperr.ErrEngine)
	assert.Equal(t, apperr.CodeEngine, apperr.CodeOf(err))

	_, err = f.proxy.Read(ctx, f.id, "")
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	assert.Zero(t, f.reporter.count())
}

func TestProxy_SizeLimits(t *testing.T) {
	f := newFixture(t)
	big := string(bytes.Repeat([]byte("x"), 65))
	f.writeFile(t, "big.txt", big)

	_, err := f.proxy.Read(t.Context(), f.id, "big.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrTooLarge)
	e := apperr.As(err)
	assert.Equal(t, apperr.CodeFileTooLarge, e.Code)
	assert.Equal(t, int64(65), e.Details["size"])

	calls := len(f.eng.GetCallsFor("Exec"))
	_, err = f.proxy.Write(t.Context(), f.id, "big2.txt", big, "")
	assert.Equal(t, apperr.CodeFileTooLarge, apperr.CodeOf(err))
	assert.Len(t, f.eng.GetCallsFor("Exec"), calls)
}

func TestProxy_PathEscapes(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	for _, p := range []string{"../secret", "/etc/passwd", "a/../../b"} {
		_, err := f.proxy.Read(ctx, f.id, p)
		assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err), p)
		_, err = f.proxy.Write(ctx, f.id, p, "x", "")
		assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err), p)
		_, err = f.proxy.List(ctx, f.id, p, ListOptions{})
		assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err), p)
	}
	assert.Empty(t, f.eng.GetCallsFor("Exec"), "rejected before dispatch")

	// A symlink inside the sandbox that points out of it is caught in the
	// container.
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("s"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(f.root, "link")))

	_, err := f.proxy.Read(ctx, f.id, "link/secret")
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
	_, err = f.proxy.Write(ctx, f.id, "link/secret", "overwritten", "")
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
	_, err = f.proxy.List(ctx, f.id, "link", ListOptions{})
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	data, err := os.ReadFile(filepath.Join(outside, "secret"))
	require.NoError(t, err)
	assert.Equal(t, "s", string(data))
}

func TestProxy_WriteThroughSymlinkIntoMissingDir(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(f.root, "link")))

	for _, p := range []string{"link/sub/new.txt", "link/a/b/c/new.txt"} {
		_, err := f.proxy.Write(ctx, f.id, p, "x", "")
		assert.ErrorIs(t, err, apperr.ErrValidation, p)
		assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err), p)
	}
	_, err := os.Stat(filepath.Join(outside, "sub"))
	assert.True(t, os.IsNotExist(err), "nothing created outside the root")
	_, err = os.Stat(filepath.Join(outside, "a"))
	assert.True(t, os.IsNotExist(err), "nothing created outside the root")

	// Missing parents inside the root are still created.
	_, err = f.proxy.Write(ctx, f.id, "deep/er/new.txt", "ok", "")
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(f.root, "deep/er/new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
}

func TestProxy_ContainerFailureIsNotValidation(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	f.eng.ExecHandler = func(_ string, cmd []string, _ engine.ExecOptions) (*engine.ExecResult, error) {
		if cmd[2] == writeScript {
			return &engine.ExecResult{ExitCode: 1, Stderr: []byte("cat: write error: No space left on device\n")}, nil
		}
		return &engine.ExecResult{ExitCode: 127, Stderr: []byte("sh: stat: not found\n")}, nil
	}

	_, err := f.proxy.Write(ctx, f.id, "main.go", "x", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrEngine)
	assert.NotErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, apperr.CodeEngine, apperr.CodeOf(err))
	assert.Equal(t, http.StatusBadGateway, apperr.HTTPStatus(err))
	e := apperr.As(err)
	assert.Equal(t, 1, e.Details["exitCode"])
	assert.Contains(t, e.Details["stderr"], "No space left on device")

	_, err = f.proxy.List(ctx, f.id, "", ListOptions{})
	assert.Equal(t, apperr.CodeEngine, apperr.CodeOf(err))
	assert.Equal(t, 127, apperr.As(err).Details["exitCode"])

	_, err = f.proxy.Read(ctx, f.id, "main.go")
	assert.Equal(t, apperr.CodeEngine, apperr.CodeOf(err))

	assert.Zero(t, f.reporter.count(), "the container answered, so the session is not failed")
}

func TestProxy_Gitignore(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, ".gitignore", "build/\n*.log\n")
	f.writeFile(t, "build/out.bin", "x")
	f.writeFile(t, ".git/HEAD", "ref")
	f.writeFile(t, "debug.log", "x")
	f.writeFile(t, "main.go", "x")

	nodes, err := f.proxy.List(t.Context(), f.id, "", ListOptions{RespectGitignore: true})
	require.NoError(t, err)
	assert.Equal(t, []string{f.root + "/.gitignore", f.root + "/main.go"}, paths(nodes))

	nodes, err = f.proxy.List(t.Context(), f.id, "", ListOptions{})
	require.NoError(t, err)
	assert.Len(t, nodes, 5)
}

func TestProxy_NotReady(t *testing.T) {
	f := newFixture(t)
	sess, err := f.reg.Create(t.Context(), session.Spec{WorkspaceID: "w2"})
	require.NoError(t, err)

	_, err = f.proxy.Read(t.Context(), sess.ID, "main.go")
	assert.ErrorIs(t, err, apperr.ErrNotReady)
	assert.Equal(t, apperr.CodeNotReady, apperr.CodeOf(err))

	_, err = f.proxy.List(t.Context(), "undefined", "", ListOptions{})
	assert.Equal(t, apperr.CodeSessionIDMissing, apperr.CodeOf(err))

	assert.Empty(t, f.eng.GetCallsFor("Exec"))
}

func TestProxy_EngineFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.eng.SetError("Exec", engine.ErrUnreachable)

	_, err := f.proxy.Read(t.Context(), f.id, "main.go")
	assert.ErrorIs(t, err, apperr.ErrEngine)
	assert.ErrorIs(t, err, engine.ErrUnreachable)
	assert.Equal(t, 1, f.reporter.count())

	s, err := f.reg.Get(f.id)
	require.NoError(t, err)
	assert.Equal(t, session.PhaseReady, s.Phase, "the proxy never moves the phase")
}

func TestProxy_ConcurrentOperations(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Go(func() {
			name := filepath.Join("c", string(rune('a'+i))+".txt")
			_, err := f.proxy.Write(ctx, f.id, name, "data", "")
			assert.NoError(t, err)
			_, err = f.proxy.Read(ctx, f.id, name)
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	nodes, err := f.proxy.List(ctx, f.id, "c", ListOptions{})
	require.NoError(t, err)
	assert.Len(t, nodes, 8)
}
