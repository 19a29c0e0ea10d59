package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/ecclesia-hub/dmsync/internal/obs"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.dmsync/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Auth     ConfigAuth     `toml:"auth"`
	Feed     ConfigFeed     `toml:"feed"`
	Postgres ConfigPostgres `toml:"postgres"`
	Kafka    ConfigKafka    `toml:"kafka"`
	Redis    ConfigRedis    `toml:"redis"`
	Serve    ConfigServe    `toml:"serve"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url"`
	Environment string `toml:"environment"`
	// Source is "http" (messaging API) or "postgres" (direct database access).
	Source   string `toml:"source"`
	LogLevel string `toml:"log_level"`
}

// ConfigAuth holds the signed-in user's credentials.
type ConfigAuth struct {
	Token  string `toml:"token"`
	UserID string `toml:"user_id"`
}

// ConfigFeed selects the change-feed transport.
type ConfigFeed struct {
	// Transport is one of ws, sse, webhook, postgres, kafka, redis or none.
	Transport       string `toml:"transport"`
	Table           string `toml:"table"`
	RefreshInterval string `toml:"refresh_interval"`
	WebhookSecret   string `toml:"webhook_secret"`
}

type ConfigPostgres struct {
	DSN     string `toml:"dsn"`
	Channel string `toml:"channel"`
}

type ConfigKafka struct {
	Brokers []string `toml:"brokers"`
	GroupID string   `toml:"group_id"`
	Topics  []string `toml:"topics"`
}

type ConfigRedis struct {
	URL    string `toml:"url"`
	Prefix string `toml:"prefix"`
}

type ConfigServe struct {
	Addr string `toml:"addr"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.dmsync (or $DMSYNC_HOME), creating it if needed.
func configDir() (string, error) {
	dir := os.Getenv("DMSYNC_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".dmsync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
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

// loadEffectiveConfig is loadConfig with DMSYNC_* environment overrides.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, os.LookupEnv)
	return cfg, nil
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

// envKeys maps environment variables to config keys.
var envKeys = []struct{ env, key string }{
	{"DMSYNC_BASE_URL", "default.base_url"},
	{"DMSYNC_ENV", "default.environment"},
	{"DMSYNC_SOURCE", "default.source"},
	{"DMSYNC_LOG_LEVEL", "default.log_level"},
	{"DMSYNC_TOKEN", "auth.token"},
	{"DMSYNC_USER_ID", "auth.user_id"},
	{"DMSYNC_FEED", "feed.transport"},
	{"DMSYNC_WEBHOOK_SECRET", "feed.webhook_secret"},
	{"DMSYNC_POSTGRES_DSN", "postgres.dsn"},
	{"DMSYNC_KAFKA_BROKERS", "kafka.brokers"},
	{"DMSYNC_KAFKA_TOPICS", "kafka.topics"},
	{"DMSYNC_REDIS_URL", "redis.url"},
	{"DMSYNC_SERVE_ADDR", "serve.addr"},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	for _, e := range envKeys {
		if v, ok := lookup(e.env); ok && v != "" {
			_ = setConfigValue(cfg, e.key, v)
		}
	}
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.token)")
	}
	section, field := parts[0], parts[1]

	var target *string
	switch section {
	case "default":
		switch field {
		case "base_url":
			target = &cfg.Default.BaseURL
		case "environment":
			target = &cfg.Default.Environment
		case "source":
			if value != "http" && value != "postgres" {
				return fmt.Errorf("default.source must be http or postgres")
			}
			target = &cfg.Default.Source
		case "log_level":
			target = &cfg.Default.LogLevel
		}
	case "auth":
		switch field {
		case "token":
			target = &cfg.Auth.Token
		case "user_id":
			target = &cfg.Auth.UserID
		}
	case "feed":
		switch field {
		case "transport":
			if !validTransport(value) {
				return fmt.Errorf("unknown feed transport %q (valid: %s)", value, strings.Join(transports, ", "))
			}
			target = &cfg.Feed.Transport
		case "table":
			target = &cfg.Feed.Table
		case "refresh_interval":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("feed.refresh_interval: %w", err)
			}
			target = &cfg.Feed.RefreshInterval
		case "webhook_secret":
			target = &cfg.Feed.WebhookSecret
		}
	case "postgres":
		switch field {
		case "dsn":
			target = &cfg.Postgres.DSN
		case "channel":
			target = &cfg.Postgres.Channel
		}
	case "kafka":
		switch field {
		case "brokers":
			cfg.Kafka.Brokers = splitList(value)
			return nil
		case "topics":
			cfg.Kafka.Topics = splitList(value)
			return nil
		case "group_id":
			target = &cfg.Kafka.GroupID
		}
	case "redis":
		switch field {
		case "url":
			target = &cfg.Redis.URL
		case "prefix":
			target = &cfg.Redis.Prefix
		}
	case "serve":
		if field == "addr" {
			target = &cfg.Serve.Addr
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, feed, postgres, kafka, redis, serve)", section)
	}
	if target == nil {
		return fmt.Errorf("unknown field %q in section [%s]", field, section)
	}
	*target = value
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagEnv      string
	flagLogLevel string

	logger = slog.New(slog.DiscardHandler)
)

var rootCmd = &cobra.Command{
	Use:   "dmsync",
	Short: "Direct-message sync CLI",
	Long: "Command-line client for direct messages: list conversations, watch them live,\n" +
		"chat from the terminal, and serve a browser view.",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A missing .env is fine.
		_ = godotenv.Load()

		env, level := flagEnv, flagLogLevel
		if cfg, err := loadEffectiveConfig(); err == nil {
			env = valueOrDefault(env, cfg.Default.Environment)
			level = valueOrDefault(level, cfg.Default.LogLevel)
		}
		logger = obs.NewLoggerTo(os.Stderr, valueOrDefault(env, "local"), valueOrDefault(level, "warn"))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagEnv, "env", "", "environment (local, dev, production)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
