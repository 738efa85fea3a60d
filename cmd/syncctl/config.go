package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// configKey describes one settable key. Default is what the engine uses
// when the key is unset; example is a valid value for help output.
type configKey struct {
	name    string
	help    string
	def     string
	example string
	secret  bool
	get     func(*Config) string
}

func intValue(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

var configKeys = []configKey{
	{name: "default.url", help: "WebSocket endpoint (ws:// or wss://)", example: "wss://sync.example.com/ws",
		get: func(c *Config) string { return c.Default.URL }},
	{name: "default.api_url", help: "HTTP base URL for queued writes", example: "https://api.example.com",
		get: func(c *Config) string { return c.Default.APIURL }},
	{name: "default.token", help: "Bearer token for handshakes and requests", example: "tok-0123456789", secret: true,
		get: func(c *Config) string { return c.Default.Token }},
	{name: "default.log_level", help: "trace, debug, info, warn, error or none", def: "info", example: "debug",
		get: func(c *Config) string { return c.Default.LogLevel }},
	{name: "store.driver", help: "sqlite, postgres, redis or memory", def: "sqlite", example: "postgres",
		get: func(c *Config) string { return c.Store.Driver }},
	{name: "store.path", help: "SQLite database file", def: "~/.syncengine/state.db", example: "/var/lib/syncctl/state.db",
		get: func(c *Config) string { return c.Store.Path }},
	{name: "store.dsn", help: "Postgres connection string", example: "postgres://localhost/sync?sslmode=disable", secret: true,
		get: func(c *Config) string { return c.Store.DSN }},
	{name: "store.redis_url", help: "Redis URL", example: "redis://localhost:6379/0",
		get: func(c *Config) string { return c.Store.RedisURL }},
	{name: "store.prefix", help: "Key prefix for the redis driver", example: "syncctl:",
		get: func(c *Config) string { return c.Store.Prefix }},
	{name: "sync.heartbeat_interval", help: "Ping interval", def: "30s", example: "15s",
		get: func(c *Config) string { return c.Sync.HeartbeatInterval }},
	{name: "sync.reconnect_base_delay", help: "First reconnect delay", def: "5s", example: "2s",
		get: func(c *Config) string { return c.Sync.ReconnectBaseDelay }},
	{name: "sync.reconnect_max_delay", help: "Reconnect delay cap", def: "30s", example: "1m",
		get: func(c *Config) string { return c.Sync.ReconnectMaxDelay }},
	{name: "sync.max_reconnect_attempts", help: "Reconnects before giving up", def: "10", example: "20",
		get: func(c *Config) string { return intValue(c.Sync.MaxReconnectAttempts) }},
	{name: "sync.max_queue_size", help: "Queued operations before QueueFull", def: "1000", example: "500",
		get: func(c *Config) string { return intValue(c.Sync.MaxQueueSize) }},
	{name: "sync.batch_size", help: "Operations per batch write", def: "25", example: "10",
		get: func(c *Config) string { return intValue(c.Sync.BatchSize) }},
	{name: "sync.max_retries", help: "Attempts before an operation is dead", def: "3", example: "5",
		get: func(c *Config) string { return intValue(c.Sync.MaxRetries) }},
	{name: "sync.operation_ttl", help: "Age after which queued operations expire", def: "168h", example: "48h",
		get: func(c *Config) string { return c.Sync.OperationTTL }},
}

func lookupConfigKey(name string) (configKey, bool) {
	for _, k := range configKeys {
		if k.name == name {
			return k, true
		}
	}
	return configKey{}, false
}

// displayValue renders the effective value of k, masking secrets.
func (k configKey) displayValue(cfg *Config) (string, bool) {
	v := k.get(cfg)
	if v == "" {
		return k.def, false
	}
	if k.secret {
		return maskKey(v), true
	}
	return v, true
}

var configShowRaw bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the config file verbatim")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd, configKeysCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage syncctl configuration",
	Long:  "View or modify the syncctl configuration stored in ~/.syncengine/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print every key grouped by section. Unset keys show the engine default, dimmed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowRaw {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No configuration file found. Run 'syncctl init <url>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		dim := color.New(color.FgHiBlack)
		section := ""
		for _, k := range configKeys {
			sec, field, _ := strings.Cut(k.name, ".")
			if sec != section {
				if section != "" {
					fmt.Println()
				}
				fmt.Printf("[%s]\n", sec)
				section = sec
			}
			v, set := k.displayValue(cfg)
			switch {
			case set:
				fmt.Printf("  %-24s %s\n", field, v)
			case v != "":
				fmt.Printf("  %-24s %s\n", field, dim.Sprintf("%s (default)", v))
			default:
				fmt.Printf("  %-24s %s\n", field, dim.Sprint("(not set)"))
			}
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, ok := lookupConfigKey(args[0])
		if !ok {
			return fmt.Errorf("unknown key %q. Run 'syncctl config keys' for the list", args[0])
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		v, _ := k.displayValue(cfg)
		fmt.Println(v)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the keys accepted by 'config set'",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, k := range configKeys {
			def := ""
			if k.def != "" {
				def = color.New(color.FgHiBlack).Sprintf(" [default %s]", k.def)
			}
			fmt.Printf("%-30s %s%s\n", k.name, k.help, def)
			fmt.Printf("%-30s e.g. %s\n", "", k.example)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: syncctl config set store.driver postgres\nRun 'syncctl config keys' for every key.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if k, ok := lookupConfigKey(key); ok && k.secret {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
