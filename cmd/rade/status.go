package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show one session",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	id := args[0]

	resp, err := http.Get(serverURL + "/api/sessions/" + id)
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	var sess struct {
		ID           string `json:"id"`
		SessionID    string `json:"session_id"`
		SourceKey    string `json:"source_key"`
		Repo         string `json:"repo"`
		PRNumber     int    `json:"pr_number"`
		PRURL        string `json:"pr_url"`
		State        string `json:"state"`
		NewPRURL     string `json:"new_pr_url"`
		Reason       string `json:"reason"`
		Attempts     int    `json:"attempts"`
		CreatedAt    string `json:"created_at"`
		UpdatedAt    string `json:"updated_at"`
		LastPolledAt string `json:"last_polled_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	fmt.Printf("Session:  %s\n", sess.ID)
	fmt.Printf("Devin:    %s\n", sess.SessionID)
	fmt.Printf("Source:   %s\n", sess.SourceKey)
	fmt.Printf("PR:       %s#%d\n", sess.Repo, sess.PRNumber)
	fmt.Printf("State:    %s\n", stateIcon(sess.State))
	fmt.Printf("Created:  %s\n", sess.CreatedAt)
	fmt.Printf("Updated:  %s\n", sess.UpdatedAt)
	if sess.LastPolledAt != "" {
		fmt.Printf("Polled:   %s\n", sess.LastPolledAt)
	}
	if sess.Attempts > 0 {
		fmt.Printf("Attempts: %d\n", sess.Attempts)
	}
	if sess.NewPRURL != "" {
		fmt.Printf("Result:   %s\n", sess.NewPRURL)
	}
	if sess.Reason != "" {
		fmt.Printf("Reason:   %s\n", sess.Reason)
	}

	return nil
}
