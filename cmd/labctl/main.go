package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"labyrinth/internal/cli"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "labctl",
		Short: "labctl - operational tooling for the containment orchestrator",
		Long: `labctl drives the orchestrator's admin API: pool status, forced
recycles, tier resizing, session release and routing-table inspection,
plus live event streaming straight off the redis bus.
All mutations go through the server's own contracts; labctl never
touches containers or the routing map directly.

Set LABYRINTH_ADDR for the API address and AUTH_HMAC_SECRET for the
admin commands' request signing.`,
	}

	rootCmd.AddCommand(cli.StatusCmd())
	rootCmd.AddCommand(cli.RecycleCmd())
	rootCmd.AddCommand(cli.ResizeCmd())
	rootCmd.AddCommand(cli.SessionCmd())
	rootCmd.AddCommand(cli.RoutingCmd())
	rootCmd.AddCommand(cli.EventsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
