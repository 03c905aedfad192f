// Rade relays code-review bot comments on GitHub pull requests to the Devin
// API and reports the resulting fixes back on the original PR.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "rade",
	Short: "Rade - GitHub webhook to Devin relay",
	Long: `Rade listens for review-bot comments on pull requests, dispatches a
Devin session for each one, and posts the resulting fix PR back on the
original pull request.

  rade serve          Start the webhook ingress server
  rade monitor        Start the session polling loop
  rade list           List tracked sessions
  rade status <id>    Show one session`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("RADE_SERVER", "http://localhost:8000"), "Rade ingress URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
