package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"labyrinth/internal/pool"
)

// StatusCmd returns the status command
func StatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-tier pool counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Tiers []pool.TierStatus `json:"tiers"`
			}
			if err := NewClient().Get("/api/v1/pools", &resp); err != nil {
				return err
			}

			fmt.Printf("%-5s %-10s %-10s %-8s %-13s %-10s %-7s %s\n",
				"TIER", "AVAILABLE", "IN_USE", "HEALTHY", "PROVISIONING", "UNHEALTHY", "TARGET", "STATE")
			for _, t := range resp.Tiers {
				state := color.New(color.FgGreen).Sprint("ok")
				if t.Degraded {
					state = color.New(color.FgYellow).Sprint("degraded")
				}
				if t.Exhausted {
					state = color.New(color.FgRed).Sprint("EXHAUSTED")
				}
				fmt.Printf("%-5d %-10d %-10d %-8d %-13d %-10d %d/%d-%d %s\n",
					t.Tier, t.Available, t.InUse, t.Healthy, t.Provisioning, t.Unhealthy,
					t.Min, t.Target, t.Max, state)
			}
			return nil
		},
	}
}
