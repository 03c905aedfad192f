package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/radehq/rade/internal/config"
	"github.com/radehq/rade/internal/devin"
	"github.com/radehq/rade/internal/dispatch"
	"github.com/radehq/rade/internal/server"
	"github.com/radehq/rade/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook ingress server",
	Long:  "Start the HTTP server that receives GitHub webhooks and dispatches Devin sessions.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	store, err := session.NewStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	devinClient := devin.NewClient(cfg.DevinAPIBaseURL, cfg.DevinAPIKey, cfg.DevinGitHubSecretID)
	srv := server.New(cfg, store, dispatch.New(store, devinClient))

	ctx, cancel := signalContext()
	defer cancel()

	return srv.Start(ctx)
}

// signalContext returns a context canceled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		cancel()
	}()

	return ctx, cancel
}
