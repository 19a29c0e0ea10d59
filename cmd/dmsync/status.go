package main

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the current configuration, check whether the token has expired, and fetch the live conversation list.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		fmt.Printf("  Source:      %s\n", valueOrDefault(cfg.Default.Source, "http"))
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		}
		fmt.Printf("  Feed:        %s\n", valueOrDefault(cfg.Feed.Transport, "ws"))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not signed in)"))
		fmt.Printf("  Token:       %s\n", tokenStatus(cfg.Auth.Token, time.Now()))

		if cfg.Auth.UserID == "" && cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		st, err := buildStack(ctx, cfg)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		defer st.close()

		convs, err := st.api.Conversations(ctx)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		fmt.Printf("  Conversations: %d\n", len(convs))
		fmt.Printf("  Unread:        %d\n", unreadTotal(convs))
		return nil
	},
}

// tokenStatus describes a token's presence and expiry without verifying it.
func tokenStatus(token string, now time.Time) string {
	if token == "" {
		return "none"
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return fmt.Sprintf("present (unparseable: %v)", err)
	}
	if claims.ExpiresAt == nil {
		return "present (no expiry set)"
	}
	expires := claims.ExpiresAt.Time
	if now.Before(expires) {
		return fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
}
