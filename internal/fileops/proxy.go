// Package fileops runs list, read and write requests against a session's
// container filesystem. Every operation is a short-lived exec of a small
// POSIX sh script, so it never shares state with an attached terminal and
// any number may run at once.
package fileops

import (
	"bytes"
	"cmp"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/sebastianm/devbox/internal/apperr"
	"github.com/sebastianm/devbox/internal/engine"
	"github.com/sebastianm/devbox/internal/metrics"
	"github.com/sebastianm/devbox/internal/session"
)

// Node types.
const (
	TypeFile      = "file"
	TypeDirectory = "directory"
)

// Content encodings.
const (
	EncodingUTF8   = "utf-8"
	EncodingBase64 = "base64"
)

// Exit codes the scripts use to report conditions the caller can act on.
const (
	exitNotFound = 44
	exitNotDir   = 45
	exitOutside  = 46
	exitIsDir    = 47
	exitTooLarge = 48
)

// guard re-checks the path inside the container with symlinks resolved.
// $1 is the sandbox root, $2 the target.
const guard = `root=$(readlink -f -- "$1" 2>/dev/null) || root=$1
r=$(readlink -f -- "$2" 2>/dev/null) || r=$2
case "$r" in "$root"|"$root"/*) ;; *) exit 46 ;; esac
`

const listScript = guard + `[ -e "$2" ] || exit 44
[ -d "$2" ] || exit 45
cd -- "$2" || exit 1
for f in .* *; do
	case $f in .|..) continue ;; esac
	[ -e "$f" ] || [ -L "$f" ] || continue
	if [ -d "$f" ]; then t=d; else t=f; fi
	s=$(stat -L -c '%s %a' -- "$f" 2>/dev/null) || s='0 0'
	printf '%s %s %s\0' "$t" "$s" "$f"
done
`

// $3 is the size limit in bytes.
const readScript = guard + `[ -e "$2" ] || exit 44
[ -d "$2" ] && exit 47
s=$(stat -L -c %s -- "$2") || exit 1
if [ "$s" -gt "$3" ]; then printf %s "$s"; exit 48; fi
exec cat -- "$2"
`

// writeScript also checks the deepest existing ancestor of the parent
// before creating it, since readlink -f cannot resolve a target whose
// parent is missing and the guard then sees the unresolved path.
const writeScript = guard + `[ -d "$2" ] && exit 47
d=$(dirname -- "$2")
a=$d
while [ ! -e "$a" ] && [ ! -L "$a" ]; do a=$(dirname -- "$a"); done
a=$(readlink -f -- "$a" 2>/dev/null) || exit 46
case "$a" in "$root"|"$root"/*) ;; *) exit 46 ;; esac
mkdir -p -- "$d" || exit 1
d=$(readlink -f -- "$d" 2>/dev/null) || exit 46
case "$d" in "$root"|"$root"/*) ;; *) exit 46 ;; esac
exec cat > "$2"
`

// Node is one directory entry. Path is absolute inside the container.
type Node struct {
	Path        string `json:"path"`
	Type        string `json:"type"`
	Size        int64  `json:"size"`
	Permissions string `json:"permissions"`
}

// File is the result of a read. Content is base64 when the file is not
// valid UTF-8.
type File struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	Size     int64  `json:"size"`
}

// ListOptions tunes List.
type ListOptions struct {
	// RespectGitignore hides entries matched by the .gitignore at the
	// sandbox root, plus .git itself.
	RespectGitignore bool
}

// SessionReader resolves a session id to its current state.
type SessionReader interface {
	Get(id string) (session.Session, error)
}

// FailureReporter receives engine failures. The proxy never changes a
// session's phase itself.
type FailureReporter interface {
	ReportFailure(ctx context.Context, sessionID string, err error)
}

// Deps holds the Proxy's collaborators and limits.
type Deps struct {
	Log      *slog.Logger
	Sessions SessionReader
	Engine   engine.Engine
	Reporter FailureReporter
	Metrics  *metrics.Metrics // optional

	Root          string
	MaxReadBytes  int64
	MaxWriteBytes int64
	CallTimeout   time.Duration
}

// Proxy dispatches file operations into containers.
type Proxy struct {
	d Deps
}

// NewProxy creates a Proxy.
func NewProxy(d Deps) *Proxy {
	if d.CallTimeout <= 0 {
		d.CallTimeout = 30 * time.Second
	}
	d.Root = path.Clean(d.Root)
	return &Proxy{d: d}
}

// Root returns the sandbox root.
func (p *Proxy) Root() string {
	return p.d.Root
}

// List returns the entries of dir, directories first.
func (p *Proxy) List(ctx context.Context, sessionID, dir string, opts ListOptions) (nodes []Node, err error) {
	defer func() { p.record("list", err) }()

	full, err := ResolvePath(p.d.Root, dir)
	if err != nil {
		return nil, err
	}
	ref, err := p.target(sessionID)
	if err != nil {
		return nil, err
	}
	res, err := p.exec(ctx, sessionID, ref, listScript, nil, full)
	if err != nil {
		return nil, err
	}
	if err := p.exitError(dir, res); err != nil {
		return nil, err
	}

	nodes = parseListing(full, res.Stdout)
	if opts.RespectGitignore {
		m, err := p.gitignore(ctx, sessionID, ref)
		if err != nil {
			return nil, err
		}
		nodes = slices.DeleteFunc(nodes, func(n Node) bool {
			return shouldIgnore(n, Rel(p.d.Root, n.Path), m)
		})
	}
	slices.SortFunc(nodes, func(a, b Node) int {
		if a.Type != b.Type {
			if a.Type == TypeDirectory {
				return -1
			}
			return 1
		}
		return cmp.Compare(a.Path, b.Path)
	})
	return nodes, nil
}

// Read returns the content of file.
func (p *Proxy) Read(ctx context.Context, sessionID, file string) (f *File, err error) {
	defer func() { p.record("read", err) }()

	full, err := p.resolveFile(file)
	if err != nil {
		return nil, err
	}
	ref, err := p.target(sessionID)
	if err != nil {
		return nil, err
	}
	limit := strconv.FormatInt(p.d.MaxReadBytes, 10)
	res, err := p.exec(ctx, sessionID, ref, readScript, nil, full, limit)
	if err != nil {
		return nil, err
	}
	if err := p.exitError(file, res); err != nil {
		return nil, err
	}

	f = &File{Path: full, Size: int64(len(res.Stdout))}
	if utf8.Valid(res.Stdout) {
		f.Content, f.Encoding = string(res.Stdout), EncodingUTF8
	} else {
		f.Content, f.Encoding = base64.StdEncoding.EncodeToString(res.Stdout), EncodingBase64
	}
	return f, nil
}

// Write replaces file with content, creating missing parent directories.
// encoding is EncodingUTF8 (or empty) or EncodingBase64. It returns the
// number of bytes written.
func (p *Proxy) Write(ctx context.Context, sessionID, file, content, encoding string) (n int64, err error) {
	defer func() { p.record("write", err) }()

	full, err := p.resolveFile(file)
	if err != nil {
		return 0, err
	}
	var data []byte
	switch encoding {
	case "", EncodingUTF8:
		data = []byte(content)
	case EncodingBase64:
		data, err = base64.StdEncoding.DecodeString(content)
		if err != nil {
			return 0, apperr.Validation("content is not valid base64", map[string]any{"content": err.Error()})
		}
	default:
		return 0, apperr.Validation("unknown encoding", map[string]any{"encoding": encoding})
	}
	if int64(len(data)) > p.d.MaxWriteBytes {
		return 0, apperr.FileTooLarge(file, int64(len(data)), p.d.MaxWriteBytes)
	}

	ref, err := p.target(sessionID)
	if err != nil {
		return 0, err
	}
	res, err := p.exec(ctx, sessionID, ref, writeScript, bytes.NewReader(data), full)
	if err != nil {
		return 0, err
	}
	if err := p.exitError(file, res); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (p *Proxy) resolveFile(file string) (string, error) {
	full, err := ResolvePath(p.d.Root, file)
	if err != nil {
		return "", err
	}
	if full == p.d.Root {
		return "", invalidPath(file, "names the sandbox root, not a file")
	}
	return full, nil
}

// target returns the container of a Ready session.
func (p *Proxy) target(sessionID string) (string, error) {
	sess, err := p.d.Sessions.Get(sessionID)
	if err != nil {
		return "", err
	}
	if sess.Phase != session.PhaseReady || sess.ContainerRef == "" {
		return "", apperr.NotReady(sessionID, string(sess.Phase))
	}
	return sess.ContainerRef, nil
}

func (p *Proxy) exec(ctx context.Context, sessionID, ref, script string, stdin io.Reader, args ...string) (*engine.ExecResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.d.CallTimeout)
	defer cancel()

	cmd := append([]string{"sh", "-c", script, "sh", p.d.Root}, args...)
	res, err := p.d.Engine.Exec(callCtx, ref, cmd, engine.ExecOptions{Stdin: stdin})
	if err != nil {
		if ctx.Err() == nil {
			p.d.Reporter.ReportFailure(context.WithoutCancel(ctx), sessionID, err)
		}
		return nil, apperr.Engine("file operation failed", err)
	}
	return res, nil
}

func (p *Proxy) exitError(name string, res *engine.ExecResult) error {
	switch res.ExitCode {
	case 0:
		return nil
	case exitNotFound:
		return apperr.FileNotFound(name)
	case exitNotDir:
		return apperr.NotADirectory(name)
	case exitOutside:
		return invalidPath(name, "resolves outside the sandbox root")
	case exitIsDir:
		return apperr.Validation("path is a directory", map[string]any{"path": name})
	case exitTooLarge:
		size, _ := strconv.ParseInt(strings.TrimSpace(string(res.Stdout)), 10, 64)
		return apperr.FileTooLarge(name, size, p.d.MaxReadBytes)
	}
	// Anything else failed inside the container (disk full, missing tool,
	// permissions) and is not the caller's fault.
	stderr := strings.TrimSpace(string(res.Stderr))
	e := apperr.Engine("file operation failed", fmt.Errorf("exit status %d: %s", res.ExitCode, stderr))
	e.Details = map[string]any{"path": name, "exitCode": res.ExitCode, "stderr": stderr}
	return e
}

func (p *Proxy) record(op string, err error) {
	result := "ok"
	if err != nil {
		result = apperr.CodeOf(err)
		p.d.Log.Debug("file operation failed", "op", op, "error", err)
	}
	p.d.Metrics.FileOp(op, result)
}

// gitignore loads the .gitignore at the sandbox root. A missing file
// yields a matcher that only hides .git.
func (p *Proxy) gitignore(ctx context.Context, sessionID, ref string) (*ignore.GitIgnore, error) {
	res, err := p.exec(ctx, sessionID, ref, `cat -- "$1/.gitignore" 2>/dev/null || true`, nil)
	if err != nil {
		return nil, err
	}
	return ignore.CompileIgnoreLines(strings.Split(string(res.Stdout), "\n")...), nil
}

func shouldIgnore(n Node, rel string, m *ignore.GitIgnore) bool {
	name := rel[strings.LastIndex(rel, "/")+1:]
	if name == ".git" {
		return true
	}
	if n.Type == TypeDirectory {
		rel += "/"
	}
	return m.MatchesPath(rel)
}

// parseListing reads NUL-terminated "type size perms name" records.
func parseListing(dir string, out []byte) []Node {
	var nodes []Node
	for rec := range bytes.SplitSeq(out, []byte{0}) {
		if len(rec) == 0 {
			continue
		}
		fields := strings.SplitN(string(rec), " ", 4)
		if len(fields) != 4 || fields[3] == "" {
			continue
		}
		size, _ := strconv.ParseInt(fields[1], 10, 64)
		typ := TypeFile
		if fields[0] == "d" {
			typ = TypeDirectory
		}
		nodes = append(nodes, Node{
			Path:        joinPath(dir, fields[3]),
			Type:        typ,
			Size:        size,
			Permissions: fields[2],
		})
	}
	return nodes
}

func joinPath(dir, name string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + name
	}
	return dir + "/" + name
}
