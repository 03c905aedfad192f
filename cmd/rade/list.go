package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked sessions",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(serverURL + "/api/sessions")
	if err != nil {
		return fmt.Errorf("connecting to server: %w\nIs the ingress running? Start it with: rade serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	var sessions []struct {
		ID        string `json:"id"`
		SessionID string `json:"session_id"`
		Repo      string `json:"repo"`
		PRNumber  int    `json:"pr_number"`
		State     string `json:"state"`
		NewPRURL  string `json:"new_pr_url"`
		CreatedAt string `json:"created_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDEVIN SESSION\tPR\tSTATE\tRESULT")
	for _, s := range sessions {
		devinID := s.SessionID
		if devinID == "" {
			devinID = "-"
		}
		result := s.NewPRURL
		if result == "" {
			result = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s#%d\t%s\t%s\n",
			s.ID, devinID, s.Repo, s.PRNumber, stateIcon(s.State), result)
	}
	return w.Flush()
}

func stateIcon(state string) string {
	switch state {
	case "reserved":
		return "📝 reserved"
	case "pending":
		return "⏳ pending"
	case "active":
		return "🔄 active"
	case "blocked":
		return "🚧 blocked"
	case "finished":
		return "🏁 finished"
	case "notified":
		return "✅ notified"
	case "failed":
		return "❌ failed"
	default:
		return state
	}
}
