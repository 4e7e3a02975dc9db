package fileops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastianm/devbox/internal/apperr"
)

func TestResolvePath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty is root", "", "/workspace"},
		{"relative", "src/main.go", "/workspace/src/main.go"},
		{"dot segments", "./src//lib/", "/workspace/src/lib"},
		{"absolute inside", "/workspace/README.md", "/workspace/README.md"},
		{"absolute root", "/workspace", "/workspace"},
		{"absolute root trailing slash", "/workspace/", "/workspace"},
		{"dotfile", ".gitignore", "/workspace/.gitignore"},
		{"dots in name", "a..b", "/workspace/a..b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolvePath("/workspace", tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolvePath_Rejects(t *testing.T) {
	for _, in := range []string{
		"..",
		"../etc/passwd",
		"src/../../etc/passwd",
		"src/..",
		"/etc/passwd",
		"/workspace2/file",
		"/workspace/../etc",
		"/",
		"a\x00b",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := ResolvePath("/workspace", in)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrValidation)
			assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
		})
	}
}

func TestRel(t *testing.T) {
	assert.Equal(t, "", Rel("/workspace", "/workspace"))
	assert.Equal(t, "src/main.go", Rel("/workspace", "/workspace/src/main.go"))
	assert.Equal(t, "a", Rel("/workspace/", "/workspace/a"))
}
