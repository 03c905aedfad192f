package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RADE_DATA_DIR", t.TempDir())
	t.Setenv("RADE_CONFIG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8000" {
		t.Fatalf("addr = %q", cfg.Addr)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Fatalf("poll interval = %s", cfg.PollInterval)
	}
	if cfg.MaxPollFailures != 10 {
		t.Fatalf("max poll failures = %d", cfg.MaxPollFailures)
	}
	if len(cfg.AllowedUsers) != 2 || cfg.AllowedUsers[0] != "Code-Rabbit-App" {
		t.Fatalf("allowed users = %v", cfg.AllowedUsers)
	}
	if filepath.Base(cfg.DatabasePath) != "rade.db" {
		t.Fatalf("database path = %q", cfg.DatabasePath)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RADE_DATA_DIR", t.TempDir())
	t.Setenv("RADE_CONFIG", "")
	t.Setenv("RADE_ADDR", ":9999")
	t.Setenv("RADE_POLL_INTERVAL", "5s")
	t.Setenv("RADE_ALLOWED_USERS", "bot-a, bot-b")
	t.Setenv("TELEGRAM_CHAT_ID", "12345")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" {
		t.Fatalf("addr = %q", cfg.Addr)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Fatalf("poll interval = %s", cfg.PollInterval)
	}
	if len(cfg.AllowedUsers) != 2 || cfg.AllowedUsers[1] != "bot-b" {
		t.Fatalf("allowed users = %v", cfg.AllowedUsers)
	}
	if cfg.TelegramChatID != 12345 {
		t.Fatalf("telegram chat id = %d", cfg.TelegramChatID)
	}
}

func TestConfigFileWithEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rade.toml")
	content := `
addr = ":7000"
poll_interval = "1m"
allowed_users = ["file-bot"]
max_poll_failures = 5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("RADE_DATA_DIR", dir)
	t.Setenv("RADE_CONFIG", path)
	t.Setenv("RADE_ADDR", ":7001") // env beats file

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7001" {
		t.Fatalf("addr = %q", cfg.Addr)
	}
	if cfg.PollInterval != time.Minute {
		t.Fatalf("poll interval = %s", cfg.PollInterval)
	}
	if cfg.MaxPollFailures != 5 {
		t.Fatalf("max poll failures = %d", cfg.MaxPollFailures)
	}
	if len(cfg.AllowedUsers) != 1 || cfg.AllowedUsers[0] != "file-bot" {
		t.Fatalf("allowed users = %v", cfg.AllowedUsers)
	}
}

func TestInvalidDuration(t *testing.T) {
	t.Setenv("RADE_DATA_DIR", t.TempDir())
	t.Setenv("RADE_CONFIG", "")
	t.Setenv("RADE_POLL_INTERVAL", "soon")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	if err := cfg.ValidateServe(); err == nil {
		t.Fatal("empty config passed serve validation")
	}
	if err := cfg.ValidateMonitor(); err == nil {
		t.Fatal("empty config passed monitor validation")
	}

	cfg = &Config{
		DevinAPIKey:         "k",
		DevinGitHubSecretID: "s",
		GitHubWebhookSecret: "w",
		GitHubToken:         "t",
	}
	if err := cfg.ValidateServe(); err != nil {
		t.Fatalf("serve validation: %v", err)
	}
	if err := cfg.ValidateMonitor(); err != nil {
		t.Fatalf("monitor validation: %v", err)
	}
}
