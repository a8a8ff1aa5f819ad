package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 18900,
		},
		Database: DatabaseConfig{
			Mode:       "standalone",
			SQLitePath: "~/.agentim/agentim.db",
		},
		Uploads: UploadsConfig{
			Dir: "~/.agentim/uploads",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; env-only deployments are normal.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("AGENTIM_HOST", &c.Server.Host)
	if v := os.Getenv("AGENTIM_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}

	// Database
	envStr("AGENTIM_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("AGENTIM_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("AGENTIM_MODE", &c.Database.Mode)

	// Secrets are env-only
	envStr("AGENTIM_TOKEN_SECRET", &c.Auth.TokenSecret)
	envStr("AGENTIM_SETTINGS_KEY", &c.Auth.SettingsKey)

	envStr("AGENTIM_UPLOAD_DIR", &c.Uploads.Dir)

	// Telemetry
	envStr("AGENTIM_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("AGENTIM_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("AGENTIM_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("AGENTIM_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("AGENTIM_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
// Call this after a file reload so env vars keep precedence.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file. Secret fields carry `json:"-"`
// and never reach disk.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// StateDir returns the per-user agentim directory (~/.agentim),
// creating it if needed.
func StateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	dir := filepath.Join(home, ".agentim")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}
