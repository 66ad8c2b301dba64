// Package config loads agent configuration from a YAML file with
// environment variable overrides. A .env file is honored when present.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultHost            = "127.0.0.1"
	defaultPort            = "8090"
	defaultPlatformURL     = "https://app.rankwell.io"
	defaultExchangeTimeout = 20 * time.Second
	defaultFlowTimeout     = 5 * time.Minute
)

// GoogleConfig holds the OAuth client settings. The agent is a public PKCE
// client, so there is no client secret here; the platform holds it.
type GoogleConfig struct {
	ClientID string `yaml:"client_id"`
}

// PlatformConfig points the agent at the Rankwell platform that performs
// token exchange and owns the durable credential rows.
type PlatformConfig struct {
	URL     string `yaml:"url"`
	AnonKey string `yaml:"anon_key"`
	UserID  string `yaml:"user_id"`
}

// ServerConfig controls the serve-mode HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
}

// AuthConfig tunes the interactive authorization flow.
type AuthConfig struct {
	// CallbackPort is the preferred loopback port for the authorization
	// callback. Zero lets the broker pick its default.
	CallbackPort int `yaml:"callback_port"`
	// ExchangeTimeout bounds a single token-exchange call, e.g. "20s".
	ExchangeTimeout string `yaml:"exchange_timeout"`
	// FlowTimeout bounds the whole browser authorization wait, e.g. "5m".
	FlowTimeout string `yaml:"flow_timeout"`
}

type Config struct {
	Google   GoogleConfig   `yaml:"google"`
	Platform PlatformConfig `yaml:"platform"`
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	DataDir  string         `yaml:"data_dir"`
}

// Load reads the config file (if any), applies env overrides, and fills
// defaults. A malformed file still yields a usable config built from env
// and defaults; the parse error is returned so callers can warn.
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{}

	path, err := resolveConfigPath()
	if err == nil && path != "" {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			err = fmt.Errorf("failed to read config file %q: %w", path, readErr)
		} else if parseErr := yaml.Unmarshal(data, cfg); parseErr != nil {
			err = fmt.Errorf("failed to parse config file %q: %w", path, parseErr)
			*cfg = Config{}
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg, err
}

func resolveConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("RANKWELL_CONFIG")); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	candidates := []string{
		"config/rankwell.yaml",
		"/etc/rankwell/config.yaml",
		"/opt/homebrew/etc/rankwell/config.yaml",
		"/usr/local/etc/rankwell/config.yaml",
	}

	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates,
			filepath.Join(homeDir, ".config", "rankwell", "config.yaml"),
			filepath.Join(homeDir, ".rankwell", "config.yaml"),
		)
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("RANKWELL_GOOGLE_CLIENT_ID")); v != "" {
		cfg.Google.ClientID = v
	} else if v := strings.TrimSpace(os.Getenv("GOOGLE_CLIENT_ID")); v != "" {
		cfg.Google.ClientID = v
	}
	if v := strings.TrimSpace(os.Getenv("RANKWELL_PLATFORM_URL")); v != "" {
		cfg.Platform.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("RANKWELL_PLATFORM_ANON_KEY")); v != "" {
		cfg.Platform.AnonKey = v
	}
	if v := strings.TrimSpace(os.Getenv("RANKWELL_USER_ID")); v != "" {
		cfg.Platform.UserID = v
	}
	if v := strings.TrimSpace(os.Getenv("HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		cfg.Server.Port = v
	}
	if v := strings.TrimSpace(os.Getenv("RANKWELL_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("RANKWELL_EXCHANGE_TIMEOUT")); v != "" {
		cfg.Auth.ExchangeTimeout = v
	}
	if v := strings.TrimSpace(os.Getenv("RANKWELL_CALLBACK_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Auth.CallbackPort = port
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = defaultHost
	}
	if cfg.Server.Port == "" {
		cfg.Server.Port = defaultPort
	}
	if cfg.Platform.URL == "" {
		cfg.Platform.URL = defaultPlatformURL
	}
	cfg.Platform.URL = strings.TrimRight(cfg.Platform.URL, "/")
}

// ServerAddr returns the host:port the serve command binds to.
func (c *Config) ServerAddr() string {
	return c.Server.Host + ":" + c.Server.Port
}

// ExchangeTimeoutDuration parses Auth.ExchangeTimeout, defaulting to 20s.
func (c *Config) ExchangeTimeoutDuration() time.Duration {
	if raw := strings.TrimSpace(c.Auth.ExchangeTimeout); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultExchangeTimeout
}

// FlowTimeoutDuration parses Auth.FlowTimeout, defaulting to 5m.
func (c *Config) FlowTimeoutDuration() time.Duration {
	if raw := strings.TrimSpace(c.Auth.FlowTimeout); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultFlowTimeout
}

// ResolveDataDir returns the directory for the agent database and token
// cache, creating it when missing.
func (c *Config) ResolveDataDir() (string, error) {
	dir := strings.TrimSpace(c.DataDir)
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("failed to locate user config dir: %w", err)
		}
		dir = filepath.Join(base, "rankwell")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create data dir %q: %w", dir, err)
	}
	return dir, nil
}

// DatabasePath returns the sqlite file path under the data dir.
func (c *Config) DatabasePath() (string, error) {
	dir, err := c.ResolveDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "rankwell.db"), nil
}

// CachePath returns the token cache file path under the data dir.
func (c *Config) CachePath() (string, error) {
	dir, err := c.ResolveDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cache.json"), nil
}

// Save writes the config to the user config path (or RANKWELL_CONFIG when
// set) and returns the path written. Used when the connect command collects
// a missing client ID interactively.
func Save(cfg *Config) (string, error) {
	path := strings.TrimSpace(os.Getenv("RANKWELL_CONFIG"))
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to locate home dir: %w", err)
		}
		path = filepath.Join(homeDir, ".config", "rankwell", "config.yaml")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}
	return path, nil
}
