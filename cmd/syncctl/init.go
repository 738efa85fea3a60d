package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	initToken  string
	initAPIURL string
)

func init() {
	initCmd.Flags().StringVar(&initToken, "token", "", "Bearer token for the socket and the operations API")
	initCmd.Flags().StringVar(&initAPIURL, "api-url", "", "Base URL of the operations API (e.g. https://api.example.com/v1)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <url>",
	Short: "Store the socket URL in ~/.syncengine/config.toml",
	Long:  "Initialize syncctl by storing the realtime socket URL, and optionally the API URL and token.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := args[0]
		if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			return fmt.Errorf("socket url must start with ws:// or wss://")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.URL = url
		if initAPIURL != "" {
			cfg.Default.APIURL = initAPIURL
		}
		if initToken != "" {
			cfg.Default.Token = initToken
		}
		if cfg.Store.Driver == "" {
			cfg.Store.Driver = "sqlite"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
