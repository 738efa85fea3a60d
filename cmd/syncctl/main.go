package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/trioll/syncengine"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.syncengine/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Store   ConfigStore   `toml:"store"`
	Sync    ConfigSync    `toml:"sync"`
}

// ConfigDefault holds endpoints and credentials.
type ConfigDefault struct {
	URL      string `toml:"url"`
	APIURL   string `toml:"api_url"`
	Token    string `toml:"token"`
	LogLevel string `toml:"log_level"`
}

// ConfigStore selects the durable store.
type ConfigStore struct {
	Driver   string `toml:"driver"`
	Path     string `toml:"path"`
	DSN      string `toml:"dsn"`
	RedisURL string `toml:"redis_url"`
	Prefix   string `toml:"prefix"`
}

// ConfigSync tunes the engine. Durations use Go syntax, e.g. "30s".
type ConfigSync struct {
	HeartbeatInterval    string `toml:"heartbeat_interval"`
	ReconnectBaseDelay   string `toml:"reconnect_base_delay"`
	ReconnectMaxDelay    string `toml:"reconnect_max_delay"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
	MaxQueueSize         int    `toml:"max_queue_size"`
	BatchSize            int    `toml:"batch_size"`
	MaxRetries           int    `toml:"max_retries"`
	OperationTTL         string `toml:"operation_ttl"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.syncengine, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".syncengine")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "url":
			cfg.Default.URL = value
		case "api_url":
			cfg.Default.APIURL = value
		case "token":
			cfg.Default.Token = value
		case "log_level":
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "store":
		switch field {
		case "driver":
			switch value {
			case "sqlite", "postgres", "redis", "memory":
			default:
				return fmt.Errorf("unknown store driver %q (valid: sqlite, postgres, redis, memory)", value)
			}
			cfg.Store.Driver = value
		case "path":
			cfg.Store.Path = value
		case "dsn":
			cfg.Store.DSN = value
		case "redis_url":
			cfg.Store.RedisURL = value
		case "prefix":
			cfg.Store.Prefix = value
		default:
			return fmt.Errorf("unknown field %q in section [store]", field)
		}
	case "sync":
		return setSyncValue(&cfg.Sync, field, value)
	default:
		return fmt.Errorf("unknown config section %q (valid: default, store, sync)", section)
	}
	return nil
}

func setSyncValue(s *ConfigSync, field, value string) error {
	duration := func(dst *string) error {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for sync.%s: %w", field, err)
		}
		*dst = value
		return nil
	}
	integer := func(dst *int) error {
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("sync.%s must be a non-negative integer", field)
		}
		*dst = n
		return nil
	}
	switch field {
	case "heartbeat_interval":
		return duration(&s.HeartbeatInterval)
	case "reconnect_base_delay":
		return duration(&s.ReconnectBaseDelay)
	case "reconnect_max_delay":
		return duration(&s.ReconnectMaxDelay)
	case "operation_ttl":
		return duration(&s.OperationTTL)
	case "max_reconnect_attempts":
		return integer(&s.MaxReconnectAttempts)
	case "max_queue_size":
		return integer(&s.MaxQueueSize)
	case "batch_size":
		return integer(&s.BatchSize)
	case "max_retries":
		return integer(&s.MaxRetries)
	}
	return fmt.Errorf("unknown field %q in section [sync]", field)
}

// engineConfig maps the file onto the library configuration.
func (c *Config) engineConfig() (syncengine.Config, error) {
	out := syncengine.Config{
		URL:                  c.Default.URL,
		Enabled:              true,
		LogLevel:             syncengine.ParseLogLevel(valueOrDefault(c.Default.LogLevel, "info")),
		MaxReconnectAttempts: c.Sync.MaxReconnectAttempts,
		MaxQueueSize:         c.Sync.MaxQueueSize,
		BatchSize:            c.Sync.BatchSize,
		DefaultMaxRetries:    c.Sync.MaxRetries,
	}
	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"heartbeat_interval", c.Sync.HeartbeatInterval, &out.HeartbeatInterval},
		{"reconnect_base_delay", c.Sync.ReconnectBaseDelay, &out.ReconnectBaseDelay},
		{"reconnect_max_delay", c.Sync.ReconnectMaxDelay, &out.ReconnectMaxDelay},
		{"operation_ttl", c.Sync.OperationTTL, &out.OperationTTL},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return out, fmt.Errorf("invalid sync.%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return out, nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:          "syncctl",
	Short:        "Sync engine CLI",
	Long:         "Command-line interface for the sync engine.\nInspect and drain the offline operation queue, and listen on realtime channels.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
