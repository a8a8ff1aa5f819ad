package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the AgentIM broker.
// Dynamic knobs (rate limits, expiries, caps) live in the settings table,
// not here; this file covers only what the process needs before it can
// reach the database.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Auth      AuthConfig      `json:"auth,omitempty"`
	Uploads   UploadsConfig   `json:"uploads,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// ServerConfig configures the broker listener.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// DatabaseConfig selects the storage backend.
// PostgresDSN is NEVER read from the config file (secret) — only from env
// AGENTIM_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`                     // from env AGENTIM_POSTGRES_DSN only
	SQLitePath  string `json:"sqlite_path,omitempty"` // standalone mode database file
	Mode        string `json:"mode,omitempty"`        // "standalone" (default) or "managed"
}

// IsManagedMode returns true if the broker is running in managed (multi-tenant,
// Postgres-backed) mode.
func (c *Config) IsManagedMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// AuthConfig holds the signing and encryption secrets. Both are env-only.
type AuthConfig struct {
	TokenSecret string `json:"-"` // from env AGENTIM_TOKEN_SECRET only
	SettingsKey string `json:"-"` // from env AGENTIM_SETTINGS_KEY only (AES-256 key for sensitive settings)
}

// UploadsConfig configures file upload storage.
type UploadsConfig struct {
	Dir string `json:"dir,omitempty"` // default ~/.agentim/uploads
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
// When enabled, spans are exported to an OTLP-compatible backend
// (Jaeger, Tempo, Datadog, etc.).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS verification
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "agentim-broker")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens)
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Server = src.Server
	c.Database = src.Database
	c.Auth = src.Auth
	c.Uploads = src.Uploads
	c.Telemetry = src.Telemetry
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate checks the config for fatal mistakes before startup.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	switch c.Database.Mode {
	case "", "standalone":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("standalone mode requires a sqlite path")
		}
	case "managed":
		if c.Database.PostgresDSN == "" {
			return fmt.Errorf("managed mode requires AGENTIM_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("unknown database mode %q", c.Database.Mode)
	}
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("AGENTIM_TOKEN_SECRET is required")
	}
	return nil
}
