package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/radehq/rade/internal/config"
	"github.com/radehq/rade/internal/devin"
	"github.com/radehq/rade/internal/github"
	"github.com/radehq/rade/internal/monitor"
	"github.com/radehq/rade/internal/notify"
	"github.com/radehq/rade/internal/session"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Start the session polling loop",
	Long: `Start the process that polls in-flight Devin sessions, applies state
transitions, and posts outcomes back on the originating pull requests.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateMonitor(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	store, err := session.NewStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	var broadcasters []notify.Broadcaster
	if cfg.SlackEnabled() {
		broadcasters = append(broadcasters, notify.NewSlackBroadcaster(cfg.SlackBotToken, cfg.SlackChannel))
		log.Println("Slack broadcasts enabled")
	}
	if cfg.TelegramEnabled() {
		tg, err := notify.NewTelegramBroadcaster(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Printf("Warning: Telegram broadcasts disabled: %v", err)
		} else {
			broadcasters = append(broadcasters, tg)
			log.Println("Telegram broadcasts enabled")
		}
	}

	sink := notify.NewSink(github.NewClient(cfg.GitHubToken), cfg.NotifyRetries, broadcasters...)
	devinClient := devin.NewClient(cfg.DevinAPIBaseURL, cfg.DevinAPIKey, cfg.DevinGitHubSecretID)

	m := monitor.New(store, devinClient, sink, monitor.Config{
		Interval:         cfg.PollInterval,
		Workers:          cfg.PollWorkers,
		MaxPollFailures:  cfg.MaxPollFailures,
		ReservationGrace: cfg.ReservationGrace,
	})

	ctx, cancel := signalContext()
	defer cancel()

	return m.Run(ctx)
}
