// Package config loads the workspace sync configuration: sync server
// coordinates, the bearer session token, device identity, and per-bucket
// blob store credentials. Files are TOML under the workspace's .diaryx
// directory; environment variables override file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// Environment variable overrides.
const (
	EnvServerURL    = "DIARYX_SYNC_SERVER"
	EnvWorkspaceID  = "DIARYX_WORKSPACE_ID"
	EnvSessionToken = "DIARYX_SESSION_TOKEN"
)

// DefaultServerURL is used when neither config nor environment names one.
const DefaultServerURL = "https://sync.diaryx.org"

// S3 holds credentials for one S3-compatible bucket.
type S3 struct {
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint"`
	Bucket          string `toml:"bucket"`
	Prefix          string `toml:"prefix"`
	ForcePathStyle  bool   `toml:"force_path_style"`
}

// Config is the persisted workspace sync configuration.
type Config struct {
	ServerURL    string `toml:"sync_server_url"`
	WorkspaceID  string `toml:"workspace_id"`
	SessionToken string `toml:"session_token"`
	DeviceID     string `toml:"device_id"`
	DeviceName   string `toml:"device_name"`
	S3           S3     `toml:"s3"`

	path string
}

// Path returns the default config location inside a workspace.
func Path(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, ".diaryx", "config.toml")
}

// Load reads the config at path, applies environment overrides and
// defaults, and assigns a device identity on first run (persisting it so
// the identity is stable across restarts).
func Load(path string) (*Config, error) {
	cfg := &Config{path: path}

	raw, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err == nil {
		if _, decErr := toml.Decode(string(raw), cfg); decErr != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, decErr)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()

		if saveErr := cfg.Save(); saveErr != nil {
			return nil, saveErr
		}
	}

	return cfg, nil
}

// Save writes the config back to its load path.
func (c *Config) Save() error {
	if c.path == "" {
		return fmt.Errorf("config: no path to save to")
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("config: creating config directory: %w", err)
	}

	f, err := os.OpenFile(c.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("config: opening %s: %w", c.path, err)
	}

	encErr := toml.NewEncoder(f).Encode(c)

	if closeErr := f.Close(); encErr == nil {
		encErr = closeErr
	}

	if encErr != nil {
		return fmt.Errorf("config: writing %s: %w", c.path, encErr)
	}

	return nil
}

// Tokens returns the bearer token source for the sync server, or nil when
// no token is configured (server without auth).
func (c *Config) Tokens() oauth2.TokenSource {
	if c.SessionToken == "" {
		return nil
	}

	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.SessionToken})
}

// HasS3 reports whether blob store credentials are configured.
func (c *Config) HasS3() bool {
	return c.S3.Bucket != ""
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvServerURL); v != "" {
		cfg.ServerURL = v
	}

	if v := os.Getenv(EnvWorkspaceID); v != "" {
		cfg.WorkspaceID = v
	}

	if v := os.Getenv(EnvSessionToken); v != "" {
		cfg.SessionToken = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ServerURL == "" {
		cfg.ServerURL = DefaultServerURL
	}

	if cfg.WorkspaceID == "" {
		cfg.WorkspaceID = "default"
	}

	if cfg.DeviceName == "" {
		host, err := os.Hostname()
		if err == nil {
			cfg.DeviceName = host
		}
	}
}
