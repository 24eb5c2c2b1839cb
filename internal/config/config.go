package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Remote store endpoints
	Remote RemoteConfig `json:"remote" yaml:"remote" mapstructure:"remote"`

	// Local persistent cache
	Cache CacheConfig `json:"cache" yaml:"cache" mapstructure:"cache"`

	// Offline mutation queue
	Queue QueueConfig `json:"queue" yaml:"queue" mapstructure:"queue"`

	// Connectivity probing
	Connectivity ConnectivityConfig `json:"connectivity" yaml:"connectivity" mapstructure:"connectivity"`

	// Identity source
	Identity IdentityConfig `json:"identity" yaml:"identity" mapstructure:"identity"`

	// Logging
	Log LogConfig `json:"log" yaml:"log" mapstructure:"log"`

	// Development server
	Server ServerConfig `json:"server" yaml:"server" mapstructure:"server"`
}

// RemoteConfig for remote store communication.
type RemoteConfig struct {
	BaseURL      string        `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	WSPath       string        `json:"ws_path" yaml:"ws_path" mapstructure:"ws_path"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" mapstructure:"write_timeout"` // direct write deadline
	Token        string        `json:"token,omitempty" yaml:"token,omitempty" mapstructure:"token"`     // static bearer token, overrides identity
}

// CacheConfig selects and locates the local cache backend.
type CacheConfig struct {
	Backend    string `json:"backend" yaml:"backend" mapstructure:"backend"` // file, sqlite, memory
	Dir        string `json:"dir" yaml:"dir" mapstructure:"dir"`
	SQLitePath string `json:"sqlite_path" yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// QueueConfig for the offline mutation queue.
type QueueConfig struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryDelay  time.Duration `json:"retry_delay" yaml:"retry_delay" mapstructure:"retry_delay"` // first pause between retry passes
	Persist     bool          `json:"persist" yaml:"persist" mapstructure:"persist"`
}

// ConnectivityConfig for the HTTP reachability probe.
type ConnectivityConfig struct {
	ProbeURL      string        `json:"probe_url,omitempty" yaml:"probe_url,omitempty" mapstructure:"probe_url"` // empty = remote.base_url + /healthz
	ProbeInterval time.Duration `json:"probe_interval" yaml:"probe_interval" mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `json:"probe_timeout" yaml:"probe_timeout" mapstructure:"probe_timeout"`
}

// IdentityConfig for the token-file identity provider.
type IdentityConfig struct {
	TokenFile     string        `json:"token_file" yaml:"token_file" mapstructure:"token_file"`
	SigningSecret string        `json:"signing_secret,omitempty" yaml:"signing_secret,omitempty" mapstructure:"signing_secret"`
	Issuer        string        `json:"issuer" yaml:"issuer" mapstructure:"issuer"`
	PollInterval  time.Duration `json:"poll_interval" yaml:"poll_interval" mapstructure:"poll_interval"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format" mapstructure:"format"` // text, json
	File   string `json:"file" yaml:"file" mapstructure:"file"`       // Log file path (empty = stdout)
}

// ServerConfig for the development remote store.
type ServerConfig struct {
	Address        string        `json:"address" yaml:"address" mapstructure:"address"`
	DatabasePath   string        `json:"database_path" yaml:"database_path" mapstructure:"database_path"`
	SigningSecret  string        `json:"signing_secret,omitempty" yaml:"signing_secret,omitempty" mapstructure:"signing_secret"`
	IdempotencyTTL time.Duration `json:"idempotency_ttl" yaml:"idempotency_ttl" mapstructure:"idempotency_ttl"`
}

// Cache backends.
const (
	CacheBackendFile   = "file"
	CacheBackendSQLite = "sqlite"
	CacheBackendMemory = "memory"
)

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".tasksync"

	return &Config{
		Remote: RemoteConfig{
			BaseURL:      "http://127.0.0.1:8080",
			WSPath:       "/v1/subscribe",
			Timeout:      30 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Cache: CacheConfig{
			Backend:    CacheBackendFile,
			Dir:        filepath.Join(dataDir, "cache"),
			SQLitePath: filepath.Join(dataDir, "cache.db"),
		},
		Queue: QueueConfig{
			MaxAttempts: 5,
			RetryDelay:  500 * time.Millisecond,
			Persist:     true,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 5 * time.Second,
			ProbeTimeout:  2 * time.Second,
		},
		Identity: IdentityConfig{
			TokenFile:    filepath.Join(dataDir, "token"),
			Issuer:       "tasksync",
			PollInterval: 2 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Address:        "127.0.0.1:8080",
			DatabasePath:   filepath.Join(dataDir, "devserver.db"),
			IdempotencyTTL: 10 * time.Minute,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return errors.New("remote.base_url is required")
	}

	if c.Remote.Timeout <= 0 {
		return errors.New("remote.timeout must be positive")
	}

	if c.Remote.WriteTimeout <= 0 {
		return errors.New("remote.write_timeout must be positive")
	}

	switch c.Cache.Backend {
	case CacheBackendFile:
		if c.Cache.Dir == "" {
			return errors.New("cache.dir is required for file backend")
		}
	case CacheBackendSQLite:
		if c.Cache.SQLitePath == "" {
			return errors.New("cache.sqlite_path is required for sqlite backend")
		}
	case CacheBackendMemory:
	default:
		return fmt.Errorf("invalid cache backend: %s", c.Cache.Backend)
	}

	if c.Queue.MaxAttempts < 1 {
		return errors.New("queue.max_attempts must be at least 1")
	}

	if c.Queue.RetryDelay <= 0 {
		return errors.New("queue.retry_delay must be positive")
	}

	if c.Connectivity.ProbeInterval <= 0 {
		return errors.New("connectivity.probe_interval must be positive")
	}

	if c.Connectivity.ProbeTimeout <= 0 {
		return errors.New("connectivity.probe_timeout must be positive")
	}

	if c.Identity.PollInterval <= 0 {
		return errors.New("identity.poll_interval must be positive")
	}

	if c.Server.IdempotencyTTL <= 0 {
		return errors.New("server.idempotency_ttl must be positive")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// ProbeURL returns the connectivity probe target.
func (c *Config) ProbeURL() string {
	if c.Connectivity.ProbeURL != "" {
		return c.Connectivity.ProbeURL
	}
	return c.Remote.BaseURL + "/healthz"
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	var dirs []string

	switch c.Cache.Backend {
	case CacheBackendFile:
		dirs = append(dirs, c.Cache.Dir)
	case CacheBackendSQLite:
		dirs = append(dirs, filepath.Dir(c.Cache.SQLitePath))
	}

	if c.Identity.TokenFile != "" {
		dirs = append(dirs, filepath.Dir(c.Identity.TokenFile))
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
