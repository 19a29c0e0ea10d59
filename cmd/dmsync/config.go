package main

import (
	"fmt"
	"net/url"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var (
	showReveal    bool
	showEffective bool
)

func init() {
	configShowCmd.Flags().BoolVar(&showReveal, "reveal", false, "print secrets unmasked")
	configShowCmd.Flags().BoolVar(&showEffective, "effective", false, "apply DMSYNC_* environment overrides")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configCheckCmd)
}

// secretKeys are masked whenever config values are printed.
var secretKeys = map[string]bool{
	"auth.token":          true,
	"feed.webhook_secret": true,
	"postgres.dsn":        true,
	"redis.url":           true,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage dmsync configuration",
	Long:  "View, check or modify the dmsync configuration stored in ~/.dmsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) && !showEffective {
			fmt.Println("No configuration file found. Run 'dmsync init <token>' to create one.")
			return nil
		}
		load := loadConfig
		if showEffective {
			load = loadEffectiveConfig
		}
		cfg, err := load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if !showReveal {
			cfg = maskedConfig(cfg)
		}
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("cannot encode config: %w", err)
		}
		fmt.Println(mutedStyle.Render("# " + path))
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: dmsync config set feed.transport sse",
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

		if secretKeys[key] {
			value = maskSecret(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		for _, p := range checkConfig(cfg) {
			fmt.Println(mutedStyle.Render("note: " + p))
		}
		return nil
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that the source and feed settings fit together",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		problems := checkConfig(cfg)
		if len(problems) == 0 {
			fmt.Printf("OK: source %s, feed %s\n", valueOrDefault(cfg.Default.Source, "http"), valueOrDefault(cfg.Feed.Transport, "ws"))
			return nil
		}
		for _, p := range problems {
			fmt.Println(renderError(fmt.Errorf("%s", p)))
		}
		return fmt.Errorf("%d configuration problem(s)", len(problems))
	},
}

// maskedConfig returns a copy of cfg with every secret masked.
func maskedConfig(cfg *Config) *Config {
	out := *cfg
	out.Kafka.Brokers = append([]string(nil), cfg.Kafka.Brokers...)
	out.Kafka.Topics = append([]string(nil), cfg.Kafka.Topics...)
	out.Auth.Token = maskSecret(cfg.Auth.Token)
	out.Feed.WebhookSecret = maskSecret(cfg.Feed.WebhookSecret)
	out.Postgres.DSN = maskSecret(cfg.Postgres.DSN)
	out.Redis.URL = maskSecret(cfg.Redis.URL)
	return &out
}

// maskSecret hides the password of a connection URL, or masks the whole
// value when it is not a URL with credentials.
func maskSecret(v string) string {
	if v == "" {
		return ""
	}
	if u, err := url.Parse(v); err == nil && u.Scheme != "" && u.Host != "" {
		if _, ok := u.User.Password(); ok {
			return u.Redacted()
		}
		if u.User == nil {
			return v
		}
	}
	return maskKey(v)
}

// checkConfig lists settings that would make the selected source or feed
// fail at startup.
func checkConfig(cfg *Config) []string {
	var problems []string
	source := valueOrDefault(cfg.Default.Source, "http")
	transport := valueOrDefault(cfg.Feed.Transport, "ws")

	if cfg.Auth.Token == "" && cfg.Auth.UserID == "" {
		problems = append(problems, "not signed in: set auth.token or auth.user_id")
	}
	if source == "http" && cfg.Auth.Token == "" {
		problems = append(problems, "default.source http needs auth.token")
	}
	if (source == "postgres" || transport == "postgres") && cfg.Postgres.DSN == "" {
		problems = append(problems, "postgres.dsn is not set")
	}
	switch transport {
	case "ws", "sse":
		if source == "postgres" && cfg.Auth.Token == "" {
			problems = append(problems, fmt.Sprintf("feed.transport %s needs auth.token", transport))
		}
	case "webhook":
		if cfg.Feed.WebhookSecret == "" {
			problems = append(problems, "feed.transport webhook needs feed.webhook_secret")
		}
	case "kafka":
		if len(cfg.Kafka.Brokers) == 0 || len(cfg.Kafka.Topics) == 0 {
			problems = append(problems, "feed.transport kafka needs kafka.brokers and kafka.topics")
		}
	case "redis":
		if cfg.Redis.URL == "" {
			problems = append(problems, "feed.transport redis needs redis.url")
		}
	}
	if v := cfg.Feed.RefreshInterval; v != "" {
		if _, err := time.ParseDuration(v); err != nil {
			problems = append(problems, "feed.refresh_interval is not a duration")
		}
	}
	return problems
}
