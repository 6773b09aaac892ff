package cli

import (
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// RecycleCmd returns the recycle command
func RecycleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recycle",
		Short: "Force-recycle a unit or a whole tier",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "unit <unit-id>",
		Short: "Recycle a single unit; the pool replaces it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := NewClient().PostSigned("/api/v1/admin/units/"+args[0]+"/recycle", nil, nil); err != nil {
				return err
			}
			fmt.Printf("%s unit %s recycled\n", color.New(color.FgGreen).Sprint("✓"), args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "tier <tier>",
		Short: "Recycle every unit in a tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("tier must be an integer: %q", args[0])
			}
			var resp struct {
				Recycled int `json:"recycled"`
			}
			if err := NewClient().PostSigned(fmt.Sprintf("/api/v1/admin/tiers/%d/recycle", tier), nil, &resp); err != nil {
				return err
			}
			fmt.Printf("%s tier %d: %d units recycled\n", color.New(color.FgGreen).Sprint("✓"), tier, resp.Recycled)
			return nil
		},
	})

	return cmd
}

// ResizeCmd returns the resize command
func ResizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resize <tier> <target>",
		Short: "Change a tier's target size within its [min, max] band",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("tier must be an integer: %q", args[0])
			}
			target, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("target must be an integer: %q", args[1])
			}

			body := map[string]int{"target": target}
			if err := NewClient().PutSigned(fmt.Sprintf("/api/v1/admin/tiers/%d/target", tier), body, nil); err != nil {
				return err
			}
			fmt.Printf("%s tier %d target set to %d\n", color.New(color.FgGreen).Sprint("✓"), tier, target)
			return nil
		},
	}
}
