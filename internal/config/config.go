// Package config provides configuration for the Rade processes. Values come
// from an optional TOML file, overridden by environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all configuration shared by the ingress and monitor processes.
type Config struct {
	// Addr is the address the ingress HTTP server listens on.
	Addr string

	// DataDir is the directory for persistent data (SQLite DB).
	DataDir string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// Devin API settings.
	DevinAPIKey         string
	DevinAPIBaseURL     string
	DevinGitHubSecretID string

	// GitHubWebhookSecret verifies inbound webhook signatures.
	GitHubWebhookSecret string

	// GitHubToken authenticates outcome comments on PRs.
	GitHubToken string

	// AllowedUsers are the GitHub logins whose comments trigger a dispatch.
	AllowedUsers []string

	// Monitor settings.
	PollInterval     time.Duration
	PollWorkers      int
	MaxPollFailures  int
	ReservationGrace time.Duration
	NotifyRetries    int

	// Optional operator broadcast channels.
	SlackBotToken  string
	SlackChannel   string
	TelegramToken  string
	TelegramChatID int64
}

// fileConfig is the TOML file shape. Every field is optional; env vars win.
type fileConfig struct {
	Addr             string   `toml:"addr"`
	DataDir          string   `toml:"data_dir"`
	DevinAPIBaseURL  string   `toml:"devin_api_base_url"`
	AllowedUsers     []string `toml:"allowed_users"`
	PollInterval     string   `toml:"poll_interval"`
	PollWorkers      int      `toml:"poll_workers"`
	MaxPollFailures  int      `toml:"max_poll_failures"`
	ReservationGrace string   `toml:"reservation_grace"`
	NotifyRetries    int      `toml:"notify_retries"`
	SlackChannel     string   `toml:"slack_channel"`
	TelegramChatID   int64    `toml:"telegram_chat_id"`
}

// Load builds a Config from defaults, the optional TOML file (RADE_CONFIG, or
// config.toml in the data dir), and environment variables, in that order.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:             ":8000",
		DevinAPIBaseURL:  "https://api.devin.ai/v1",
		AllowedUsers:     []string{"Code-Rabbit-App", "cursor-bug-bot"},
		PollInterval:     30 * time.Second,
		PollWorkers:      4,
		MaxPollFailures:  10,
		ReservationGrace: 10 * time.Minute,
		NotifyRetries:    3,
	}

	cfg.DataDir = envOr("RADE_DATA_DIR", defaultDataDir())

	if err := cfg.applyFile(); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	cfg.DatabasePath = filepath.Join(cfg.DataDir, "rade.db")

	return cfg, nil
}

func (c *Config) applyFile() error {
	path := os.Getenv("RADE_CONFIG")
	if path == "" {
		path = filepath.Join(c.DataDir, "config.toml")
		if _, err := os.Stat(path); err != nil {
			return nil
		}
	}

	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	if fc.Addr != "" {
		c.Addr = fc.Addr
	}
	if fc.DataDir != "" {
		c.DataDir = fc.DataDir
	}
	if fc.DevinAPIBaseURL != "" {
		c.DevinAPIBaseURL = fc.DevinAPIBaseURL
	}
	if len(fc.AllowedUsers) > 0 {
		c.AllowedUsers = fc.AllowedUsers
	}
	if fc.PollInterval != "" {
		d, err := time.ParseDuration(fc.PollInterval)
		if err != nil {
			return fmt.Errorf("invalid poll_interval %q: %w", fc.PollInterval, err)
		}
		c.PollInterval = d
	}
	if fc.ReservationGrace != "" {
		d, err := time.ParseDuration(fc.ReservationGrace)
		if err != nil {
			return fmt.Errorf("invalid reservation_grace %q: %w", fc.ReservationGrace, err)
		}
		c.ReservationGrace = d
	}
	if fc.PollWorkers > 0 {
		c.PollWorkers = fc.PollWorkers
	}
	if fc.MaxPollFailures > 0 {
		c.MaxPollFailures = fc.MaxPollFailures
	}
	if fc.NotifyRetries > 0 {
		c.NotifyRetries = fc.NotifyRetries
	}
	if fc.SlackChannel != "" {
		c.SlackChannel = fc.SlackChannel
	}
	if fc.TelegramChatID != 0 {
		c.TelegramChatID = fc.TelegramChatID
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Addr = envOr("RADE_ADDR", c.Addr)
	c.DataDir = envOr("RADE_DATA_DIR", c.DataDir)
	c.DevinAPIKey = envOr("DEVIN_API_KEY", c.DevinAPIKey)
	c.DevinAPIBaseURL = envOr("DEVIN_API_BASE_URL", c.DevinAPIBaseURL)
	c.DevinGitHubSecretID = envOr("DEVIN_GITHUB_SECRET_ID", c.DevinGitHubSecretID)
	c.GitHubWebhookSecret = envOr("GITHUB_WEBHOOK_SECRET", c.GitHubWebhookSecret)
	c.GitHubToken = envOr("GITHUB_TOKEN", c.GitHubToken)
	c.SlackBotToken = envOr("SLACK_BOT_TOKEN", c.SlackBotToken)
	c.SlackChannel = envOr("SLACK_CHANNEL", c.SlackChannel)
	c.TelegramToken = envOr("TELEGRAM_BOT_TOKEN", c.TelegramToken)

	if v := os.Getenv("RADE_ALLOWED_USERS"); v != "" {
		var users []string
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				users = append(users, u)
			}
		}
		c.AllowedUsers = users
	}

	var err error
	if c.PollInterval, err = envOrDuration("RADE_POLL_INTERVAL", c.PollInterval); err != nil {
		return err
	}
	if c.ReservationGrace, err = envOrDuration("RADE_RESERVATION_GRACE", c.ReservationGrace); err != nil {
		return err
	}
	c.PollWorkers = envOrInt("RADE_POLL_WORKERS", c.PollWorkers)
	c.MaxPollFailures = envOrInt("RADE_MAX_POLL_FAILURES", c.MaxPollFailures)
	c.NotifyRetries = envOrInt("RADE_NOTIFY_RETRIES", c.NotifyRetries)

	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid TELEGRAM_CHAT_ID %q: %w", v, err)
		}
		c.TelegramChatID = id
	}
	return nil
}

// ValidateServe checks the configuration required by the ingress process.
func (c *Config) ValidateServe() error {
	if c.GitHubWebhookSecret == "" {
		return fmt.Errorf("GITHUB_WEBHOOK_SECRET is required")
	}
	return c.validateDevin()
}

// ValidateMonitor checks the configuration required by the polling process.
func (c *Config) ValidateMonitor() error {
	if c.GitHubToken == "" {
		return fmt.Errorf("GITHUB_TOKEN is required to post outcome comments")
	}
	return c.validateDevin()
}

func (c *Config) validateDevin() error {
	if c.DevinAPIKey == "" {
		return fmt.Errorf("DEVIN_API_KEY is required")
	}
	if c.DevinGitHubSecretID == "" {
		return fmt.Errorf("DEVIN_GITHUB_SECRET_ID is required")
	}
	return nil
}

// SlackEnabled reports whether Slack broadcasts are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackChannel != ""
}

// TelegramEnabled reports whether Telegram broadcasts are configured.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rade"
	}
	return filepath.Join(home, ".rade")
}
