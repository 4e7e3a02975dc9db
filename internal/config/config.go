package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// EnvPath names the env var holding the config file path.
	EnvPath     = "DEVBOX_CONFIG"
	defaultPath = "devbox.json"
)

// imageRefRegex only screens out obviously malformed references. Whether a
// reference resolves is up to the engine.
var imageRefRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/:@-]*$`)

// Duration is a time.Duration that reads as "30s" / "2m" from JSON and TOML.
type Duration struct {
	time.Duration
}

// D is shorthand for wrapping a time.Duration.
func D(d time.Duration) Duration { return Duration{d} }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// UnmarshalJSON accepts either a duration string or a number of milliseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("duration must be a string or milliseconds: %s", string(b))
	}
	d.Duration = time.Duration(ms) * time.Millisecond
	return nil
}

// TailscaleConfig contains settings for exposing the server as a Tailscale / tsnet node.
type TailscaleConfig struct {
	// Enabled toggles whether the server should start with tsnet.
	Enabled bool `json:"enabled" toml:"enabled"`

	// Hostname is the device name that will appear in your tailnet.
	Hostname string `json:"hostname" toml:"hostname"`

	// AuthKey is an optional Tailscale auth key used for unattended login.
	// If empty, tsnet falls back to TS_AUTHKEY / TS_AUTH_KEY env vars,
	// then prompts for interactive login on first start.
	AuthKey string `json:"authKey" toml:"authKey"`

	Ephemeral bool `json:"ephemeral" toml:"ephemeral"`

	// ControlURL optionally overrides the Tailscale control server URL (advanced / testing only).
	ControlURL string `json:"controlURL" toml:"controlURL"`

	// Dir overrides the directory where tsnet stores its persistent state.
	Dir string `json:"dir" toml:"dir"`

	// HTTPS enables automatic TLS via Tailscale-managed certificates.
	HTTPS bool `json:"https" toml:"https"`
}

// AuthConfig controls bearer-token authentication of the HTTP API.
type AuthConfig struct {
	Enabled bool `json:"enabled" toml:"enabled"`
}

// EngineConfig describes how the server talks to the container engine and
// how long each provisioning step may take.
type EngineConfig struct {
	// Command is the engine CLI, "docker" or "podman".
	Command string `json:"command" toml:"command"`

	// ContainerPrefix is prepended to the workspace id to form the container name.
	ContainerPrefix string `json:"containerPrefix" toml:"containerPrefix"`

	DefaultImage string `json:"defaultImage" toml:"defaultImage"`

	// Templates maps a template name to an image reference.
	Templates map[string]string `json:"templates" toml:"templates"`

	// SandboxRoot is the in-container directory file operations are confined to.
	// The workspace volume is mounted here.
	SandboxRoot string `json:"sandboxRoot" toml:"sandboxRoot"`

	// Shell is the interactive program started for terminal attachments.
	Shell string `json:"shell" toml:"shell"`

	CallTimeout    Duration `json:"callTimeout" toml:"callTimeout"`
	PullTimeout    Duration `json:"pullTimeout" toml:"pullTimeout"`
	ProbeTimeout   Duration `json:"probeTimeout" toml:"probeTimeout"`
	ProbeInterval  Duration `json:"probeInterval" toml:"probeInterval"`
	HealthInterval Duration `json:"healthInterval" toml:"healthInterval"`
}

// TerminalConfig holds defaults for interactive attachments.
type TerminalConfig struct {
	// ReadTimeout bounds a single read from the container stream. Expiry is
	// not an error; the bridge simply reads again.
	ReadTimeout Duration `json:"readTimeout" toml:"readTimeout"`
	Cols        int      `json:"cols" toml:"cols"`
	Rows        int      `json:"rows" toml:"rows"`
}

type FilesConfig struct {
	MaxReadBytes  int64 `json:"maxReadBytes" toml:"maxReadBytes"`
	MaxWriteBytes int64 `json:"maxWriteBytes" toml:"maxWriteBytes"`
}

type ETAConfig struct {
	// Alpha is the EWMA smoothing factor in (0, 1].
	Alpha float64 `json:"alpha" toml:"alpha"`
}

// Config is the top-level configuration for devbox-server.
type Config struct {
	Port         int             `json:"port" toml:"port"`
	DatabasePath string          `json:"databasePath" toml:"databasePath"`
	LogLevel     string          `json:"logLevel" toml:"logLevel"`
	LogFormat    string          `json:"logFormat" toml:"logFormat"`
	Tailscale    TailscaleConfig `json:"tailscale" toml:"tailscale"`
	Auth         AuthConfig      `json:"auth" toml:"auth"`
	Engine       EngineConfig    `json:"engine" toml:"engine"`
	Terminal     TerminalConfig  `json:"terminal" toml:"terminal"`
	Files        FilesConfig     `json:"files" toml:"files"`
	ETA          ETAConfig       `json:"eta" toml:"eta"`
}

// Default returns the configuration used when no file overrides a value.
func Default() *Config {
	return &Config{
		Port:      8090,
		LogLevel:  "info",
		LogFormat: "text",
		Engine: EngineConfig{
			Command:         "docker",
			ContainerPrefix: "devbox-",
			DefaultImage:    "mcr.microsoft.com/devcontainers/base:ubuntu",
			Templates:       map[string]string{},
			SandboxRoot:     "/workspace",
			Shell:           "/bin/bash",
			CallTimeout:     D(30 * time.Second),
			PullTimeout:     D(10 * time.Minute),
			ProbeTimeout:    D(60 * time.Second),
			ProbeInterval:   D(500 * time.Millisecond),
			HealthInterval:  D(15 * time.Second),
		},
		Terminal: TerminalConfig{
			ReadTimeout: D(5 * time.Second),
			Cols:        80,
			Rows:        24,
		},
		Files: FilesConfig{
			MaxReadBytes:  4 << 20,
			MaxWriteBytes: 4 << 20,
		},
		ETA: ETAConfig{Alpha: 0.3},
	}
}

// Path returns the config file location taken from DEVBOX_CONFIG,
// defaulting to "devbox.json".
func Path() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return defaultPath
}

// Parse reads the config file named by DEVBOX_CONFIG and returns the parsed
// Config. A missing default file yields defaults; a missing explicit file is
// an error.
func Parse() (*Config, error) {
	path := Path()
	cfg, err := Load(path)
	if err != nil && errors.Is(err, fs.ErrNotExist) && os.Getenv(EnvPath) == "" {
		return Default(), nil
	}
	return cfg, err
}

// Load reads the file at path. Files ending in .toml are parsed as TOML,
// everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// DBPath returns DatabasePath, defaulting to ~/.devbox/devbox.db.
func (c *Config) DBPath() (string, error) {
	if c.DatabasePath != "" {
		return c.DatabasePath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}
	return filepath.Join(home, ".devbox", "devbox.db"), nil
}

// Validate reports the first out-of-range setting.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logLevel %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown logFormat %q", c.LogFormat)
	}

	e := c.Engine
	if e.Command == "" {
		return errors.New("engine.command is required")
	}
	if e.DefaultImage != "" && !imageRefRegex.MatchString(e.DefaultImage) {
		return fmt.Errorf("engine.defaultImage %q is not an image reference", e.DefaultImage)
	}
	for name, img := range e.Templates {
		if !imageRefRegex.MatchString(img) {
			return fmt.Errorf("engine.templates[%s]: %q is not an image reference", name, img)
		}
	}
	if !strings.HasPrefix(e.SandboxRoot, "/") || e.SandboxRoot == "/" {
		return fmt.Errorf("engine.sandboxRoot %q must be an absolute path below /", e.SandboxRoot)
	}
	for name, d := range map[string]Duration{
		"engine.callTimeout":    e.CallTimeout,
		"engine.pullTimeout":    e.PullTimeout,
		"engine.probeTimeout":   e.ProbeTimeout,
		"engine.probeInterval":  e.ProbeInterval,
		"engine.healthInterval": e.HealthInterval,
		"terminal.readTimeout":  c.Terminal.ReadTimeout,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Files.MaxReadBytes <= 0 || c.Files.MaxWriteBytes <= 0 {
		return errors.New("files limits must be positive")
	}
	if c.ETA.Alpha <= 0 || c.ETA.Alpha > 1 {
		return fmt.Errorf("eta.alpha %v must be in (0, 1]", c.ETA.Alpha)
	}
	return nil
}

// ValidImageRef reports whether ref looks like an image reference.
func ValidImageRef(ref string) bool {
	return imageRefRegex.MatchString(ref)
}
