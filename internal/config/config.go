// Package config loads drift configuration from a YAML file and
// DRIFT_-prefixed environment variables, in that order of precedence
// (env wins). Engine components keep their own Config structs; this
// package only covers the CLI surface that wires them together.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the drift CLI configuration.
type Config struct {
	// DataDir holds the database, session file and lock file unless
	// their paths are overridden below.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Session SessionConfig `mapstructure:"session" yaml:"session"`
	Monitor MonitorConfig `mapstructure:"monitor" yaml:"monitor"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
}

// StoreConfig selects and locates the store backend.
type StoreConfig struct {
	// Driver is a registered store driver name: "sqlite" or "memory".
	Driver string `mapstructure:"driver" yaml:"driver"`

	// Path is the database file; empty means <data_dir>/drift.db.
	Path string `mapstructure:"path" yaml:"path"`
}

// SessionConfig tunes identity and stream retry behavior.
type SessionConfig struct {
	// File is the session file; empty means <data_dir>/session.json.
	File string `mapstructure:"file" yaml:"file"`

	// RetryDelaySeconds is the debounced wait before a stream retry.
	RetryDelaySeconds int `mapstructure:"retry_delay_seconds" yaml:"retry_delay_seconds"`

	// MaxAttempts bounds stream retries before the session idles.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// RetryDelay returns the retry delay as a duration.
func (s SessionConfig) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelaySeconds) * time.Second
}

// MonitorConfig controls the WebSocket monitor.
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// LogConfig controls daemon log output. An empty file means stderr.
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir: defaultDataDir(),
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Session: SessionConfig{
			RetryDelaySeconds: 10,
			MaxAttempts:       20,
		},
		Monitor: MonitorConfig{
			Enabled: true,
			Port:    7430,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".drift"
	}
	return filepath.Join(home, ".drift")
}

// Load reads configuration from path (or, when path is empty, from
// config.yaml in the data dir if present) and from the environment.
// DRIFT_STORE_DRIVER=memory overrides store.driver, and so on.
func Load(path string) (Config, error) {
	def := Default()

	v := viper.New()
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("store.driver", def.Store.Driver)
	v.SetDefault("store.path", def.Store.Path)
	v.SetDefault("session.file", def.Session.File)
	v.SetDefault("session.retry_delay_seconds", def.Session.RetryDelaySeconds)
	v.SetDefault("session.max_attempts", def.Session.MaxAttempts)
	v.SetDefault("monitor.enabled", def.Monitor.Enabled)
	v.SetDefault("monitor.port", def.Monitor.Port)
	v.SetDefault("log.file", def.Log.File)
	v.SetDefault("log.max_size_mb", def.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", def.Log.MaxBackups)

	v.SetEnvPrefix("DRIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigFile(def.FilePath())
		if err := v.ReadInConfig(); err != nil {
			var notFound *fs.PathError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// StorePath resolves the database location.
func (c Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir, "drift.db")
}

// SessionPath resolves the session file location.
func (c Config) SessionPath() string {
	if c.Session.File != "" {
		return c.Session.File
	}
	return filepath.Join(c.DataDir, "session.json")
}

// FilePath resolves the default config file location.
func (c Config) FilePath() string {
	return filepath.Join(c.DataDir, "config.yaml")
}

// LockPath resolves the daemon lock file location.
func (c Config) LockPath() string {
	return filepath.Join(c.DataDir, "mirror.lock")
}

// YAML renders the configuration for `drift config show` and `init`.
func (c Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return data, nil
}

// WriteFile writes the configuration as YAML at path, creating parent
// directories. It refuses to overwrite an existing file.
func (c Config) WriteFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat config file: %w", err)
	}

	data, err := c.YAML()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
