package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "TASKSYNC"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	v          *viper.Viper
}

// NewLoader creates a config loader.
func NewLoader(configPath string) *Loader {
	v := viper.New()
	ApplyDefaults(v)

	return &Loader{
		configPath: configPath,
		v:          v,
	}
}

// Viper exposes the underlying instance so callers can bind flags.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := DefaultConfig()

	v.SetDefault("remote.base_url", d.Remote.BaseURL)
	v.SetDefault("remote.ws_path", d.Remote.WSPath)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("remote.write_timeout", d.Remote.WriteTimeout)
	v.SetDefault("remote.token", d.Remote.Token)

	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.dir", d.Cache.Dir)
	v.SetDefault("cache.sqlite_path", d.Cache.SQLitePath)

	v.SetDefault("queue.max_attempts", d.Queue.MaxAttempts)
	v.SetDefault("queue.retry_delay", d.Queue.RetryDelay)
	v.SetDefault("queue.persist", d.Queue.Persist)

	v.SetDefault("connectivity.probe_url", d.Connectivity.ProbeURL)
	v.SetDefault("connectivity.probe_interval", d.Connectivity.ProbeInterval)
	v.SetDefault("connectivity.probe_timeout", d.Connectivity.ProbeTimeout)

	v.SetDefault("identity.token_file", d.Identity.TokenFile)
	v.SetDefault("identity.signing_secret", d.Identity.SigningSecret)
	v.SetDefault("identity.issuer", d.Identity.Issuer)
	v.SetDefault("identity.poll_interval", d.Identity.PollInterval)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)

	v.SetDefault("server.address", d.Server.Address)
	v.SetDefault("server.database_path", d.Server.DatabasePath)
	v.SetDefault("server.signing_secret", d.Server.SigningSecret)
	v.SetDefault("server.idempotency_ttl", d.Server.IdempotencyTTL)
}

// Load reads configuration from file and environment.
func (l *Loader) Load() (*Config, error) {
	if l.configPath != "" {
		l.v.SetConfigFile(l.configPath)
	} else {
		l.v.SetConfigName("tasksync")
		for _, dir := range l.defaultPaths() {
			l.v.AddConfigPath(dir)
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ConfigFileUsed returns the file Load read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// defaultPaths returns default config file locations.
func (l *Loader) defaultPaths() []string {
	paths := []string{"."}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "tasksync"),
			filepath.Join(homeDir, ".tasksync"),
		)
	}

	return paths
}

const exampleHeader = `# tasksync configuration file
# Environment variables override these settings using the TASKSYNC_ prefix,
# for example: TASKSYNC_LOG_LEVEL=debug or TASKSYNC_REMOTE_BASE_URL=http://host:8080

`

// SaveExample writes an example config file.
func SaveExample(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, append([]byte(exampleHeader), data...), 0600); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return nil
}
