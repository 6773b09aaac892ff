package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"labyrinth/internal/routing"
)

// RoutingCmd returns the routing command
func RoutingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routing",
		Short: "Inspect and republish the routing table",
	}

	var mapFile string
	dump := &cobra.Command{
		Use:   "dump",
		Short: "Print the live routing table",
		RunE: func(cmd *cobra.Command, args []string) error {
			// --file reads a published artifact directly instead of
			// asking the server; useful when the server is down.
			if mapFile != "" {
				entries, err := routing.ReadMapFile(mapFile)
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Printf("%-24s %s\n", e.Cookie, e.Upstream)
				}
				return nil
			}

			var resp struct {
				DefaultUpstream string `json:"default_upstream"`
				Entries         []struct {
					Cookie   string `json:"cookie"`
					Upstream string `json:"upstream"`
				} `json:"entries"`
			}
			if err := NewClient().Get("/api/v1/routing", &resp); err != nil {
				return err
			}

			fmt.Printf("default -> %s\n", resp.DefaultUpstream)
			for _, e := range resp.Entries {
				fmt.Printf("%-24s %s\n", e.Cookie, e.Upstream)
			}
			if len(resp.Entries) == 0 {
				fmt.Println("(no session routes)")
			}
			return nil
		},
	}
	dump.Flags().StringVar(&mapFile, "file", "", "read a published map file instead of the API")
	cmd.AddCommand(dump)

	cmd.AddCommand(&cobra.Command{
		Use:   "publish",
		Short: "Force an immediate publish, bypassing the debounce",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := NewClient().PostSigned("/api/v1/admin/routing/publish", nil, nil); err != nil {
				return err
			}
			fmt.Printf("%s routing map published\n", color.New(color.FgGreen).Sprint("✓"))
			return nil
		},
	})

	return cmd
}
