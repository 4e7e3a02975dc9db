package fileops

import (
	"os"
	"path"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/sebastianm/devbox/internal/apperr"
)

// ResolvePath maps a caller-supplied path onto an absolute path inside root.
// Relative paths are taken relative to root. Absolute paths must already
// lie within root. Any ".." element is rejected outright rather than
// cleaned away, and so are NUL bytes. An empty path is root itself.
//
// Resolution is lexical: the container filesystem is not visible from
// here, so symlinks are checked again inside the container.
func ResolvePath(root, p string) (string, error) {
	root = path.Clean(root)
	if strings.ContainsRune(p, 0) {
		return "", invalidPath(p, "contains a NUL byte")
	}
	for _, elem := range strings.Split(p, "/") {
		if elem == ".." {
			return "", invalidPath(p, "must not contain '..'")
		}
	}

	rel := p
	if strings.HasPrefix(p, "/") {
		clean := path.Clean(p)
		if clean != root && !strings.HasPrefix(clean, root+"/") {
			return "", invalidPath(p, "outside the sandbox root "+root)
		}
		rel = strings.TrimPrefix(clean, root)
	}

	full, err := securejoin.SecureJoinVFS(root, rel, lexicalVFS{})
	if err != nil {
		return "", invalidPath(p, err.Error())
	}
	return full, nil
}

// Rel returns p relative to root, "" for root itself.
func Rel(root, p string) string {
	return strings.TrimPrefix(strings.TrimPrefix(p, path.Clean(root)), "/")
}

func invalidPath(p, reason string) error {
	return apperr.Validation("invalid path", map[string]any{"path": p, "reason": reason})
}

// lexicalVFS reports every path as missing so that securejoin never
// consults the host filesystem.
type lexicalVFS struct{}

func (lexicalVFS) Lstat(name string) (os.FileInfo, error) {
	return nil, &os.PathError{Op: "lstat", Path: name, Err: os.ErrNotExist}
}

func (lexicalVFS) Readlink(name string) (string, error) {
	return "", &os.PathError{Op: "readlink", Path: name, Err: os.ErrNotExist}
}
