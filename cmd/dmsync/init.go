package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ecclesia-hub/dmsync"
)

var initBaseURL string

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "messaging API base URL")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store an access token in ~/.dmsync/config.toml",
	Long:  "Initialize dmsync by storing your access token. The user id is read from the token's subject.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]
		userID, err := dmsync.UserIDFromToken(token)
		if err != nil {
			return fmt.Errorf("invalid token: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Token = token
		cfg.Auth.UserID = userID
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if cfg.Default.Source == "" {
			cfg.Default.Source = "http"
		}
		if cfg.Feed.Transport == "" {
			cfg.Feed.Transport = "ws"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Signed in as %s, token saved to %s\n", userID, path)
		return nil
	},
}
