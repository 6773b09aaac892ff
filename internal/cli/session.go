package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type sessionJSON struct {
	ID              string  `json:"id"`
	SourceAddr      string  `json:"source_addr"`
	CurrentTier     int     `json:"current_tier"`
	State           string  `json:"state"`
	Score           float64 `json:"score"`
	UnitID          string  `json:"unit_id"`
	EscalationCount int     `json:"escalation_count"`
	LastActiveAt    string  `json:"last_active_at"`
}

// SessionCmd returns the session command
func SessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and release sessions",
	}

	var state string
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Sessions []sessionJSON `json:"sessions"`
			}
			path := "/api/v1/sessions"
			if state != "" {
				path += "?state=" + state
			}
			if err := NewClient().Get(path, &resp); err != nil {
				return err
			}

			fmt.Printf("%-20s %-16s %-5s %-9s %-6s %s\n", "SESSION", "SOURCE", "TIER", "STATE", "SCORE", "UNIT")
			for _, s := range resp.Sessions {
				fmt.Printf("%-20s %-16s %-5d %-9s %-6.1f %s\n",
					s.ID, s.SourceAddr, s.CurrentTier, s.State, s.Score, s.UnitID)
			}
			return nil
		},
	}
	list.Flags().StringVar(&state, "state", "", "filter by state (active, released, expired)")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "decisions <session-id>",
		Short: "Print a session's decision history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Decisions []struct {
					Outcome    string  `json:"outcome"`
					FromTier   int     `json:"from_tier"`
					TargetTier int     `json:"target_tier"`
					Score      float64 `json:"score"`
					Reason     string  `json:"reason"`
					CreatedAt  string  `json:"created_at"`
				} `json:"decisions"`
			}
			if err := NewClient().Get("/api/v1/sessions/"+args[0]+"/decisions", &resp); err != nil {
				return err
			}

			for _, d := range resp.Decisions {
				outcome := d.Outcome
				switch d.Outcome {
				case "escalate":
					outcome = color.New(color.FgRed).Sprint(d.Outcome)
				case "deferred":
					outcome = color.New(color.FgYellow).Sprint(d.Outcome)
				}
				fmt.Printf("%s  %-9s tier %d -> %d  score %.1f  %s\n",
					d.CreatedAt, outcome, d.FromTier, d.TargetTier, d.Score, d.Reason)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "release <session-id>",
		Short: "Release a session's unit and drop its route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := NewClient().DeleteUnsigned("/api/v1/sessions/"+args[0], nil); err != nil {
				return err
			}
			fmt.Printf("%s session %s released\n", color.New(color.FgGreen).Sprint("✓"), args[0])
			return nil
		},
	})

	return cmd
}
