package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("json overrides defaults", func(t *testing.T) {
		path := writeFile(t, "devbox.json", `{
			"port": 9000,
			"engine": {"command": "podman", "probeTimeout": "5s", "templates": {"go": "golang:1.25"}},
			"terminal": {"readTimeout": 250}
		}`)

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 9000, cfg.Port)
		assert.Equal(t, "podman", cfg.Engine.Command)
		assert.Equal(t, 5*time.Second, cfg.Engine.ProbeTimeout.Duration)
		assert.Equal(t, 250*time.Millisecond, cfg.Terminal.ReadTimeout.Duration)
		assert.Equal(t, "golang:1.25", cfg.Engine.Templates["go"])
		// Untouched sections keep their defaults.
		assert.Equal(t, "/workspace", cfg.Engine.SandboxRoot)
		assert.InDelta(t, 0.3, cfg.ETA.Alpha, 1e-9)
	})

	t.Run("toml by extension", func(t *testing.T) {
		path := writeFile(t, "devbox.toml", `
port = 9100
logLevel = "debug"

[engine]
command = "docker"
pullTimeout = "3m"

[engine.templates]
node = "node:22"

[eta]
alpha = 0.5
`)

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 9100, cfg.Port)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, 3*time.Minute, cfg.Engine.PullTimeout.Duration)
		assert.Equal(t, "node:22", cfg.Engine.Templates["node"])
		assert.InDelta(t, 0.5, cfg.ETA.Alpha, 1e-9)
	})

	t.Run("invalid duration", func(t *testing.T) {
		path := writeFile(t, "devbox.json", `{"engine": {"probeTimeout": "soon"}}`)
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"alpha zero", func(c *Config) { c.ETA.Alpha = 0 }},
		{"alpha above one", func(c *Config) { c.ETA.Alpha = 1.5 }},
		{"negative probe timeout", func(c *Config) { c.Engine.ProbeTimeout = D(-time.Second) }},
		{"relative sandbox root", func(c *Config) { c.Engine.SandboxRoot = "workspace" }},
		{"root sandbox", func(c *Config) { c.Engine.SandboxRoot = "/" }},
		{"bad template image", func(c *Config) { c.Engine.Templates["x"] = "bad image" }},
		{"unknown log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"port out of range", func(c *Config) { c.Port = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, Default().Validate())
	})
}

func TestParse(t *testing.T) {
	t.Run("missing default file yields defaults", func(t *testing.T) {
		t.Setenv(EnvPath, "")
		t.Chdir(t.TempDir())

		cfg, err := Parse()
		require.NoError(t, err)
		assert.Equal(t, Default().Port, cfg.Port)
	})

	t.Run("explicit missing file is an error", func(t *testing.T) {
		t.Setenv(EnvPath, filepath.Join(t.TempDir(), "absent.json"))
		_, err := Parse()
		assert.Error(t, err)
	})

	t.Run("reads file from env", func(t *testing.T) {
		path := writeFile(t, "custom.json", `{"port": 7001}`)
		t.Setenv(EnvPath, path)

		cfg, err := Parse()
		require.NoError(t, err)
		assert.Equal(t, 7001, cfg.Port)
	})
}

func TestDBPath(t *testing.T) {
	cfg := Default()
	cfg.DatabasePath = "/var/lib/devbox/state.db"
	p, err := cfg.DBPath()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/devbox/state.db", p)

	home := t.TempDir()
	t.Setenv("HOME", home)
	cfg.DatabasePath = ""
	p, err = cfg.DBPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".devbox", "devbox.db"), p)
}
