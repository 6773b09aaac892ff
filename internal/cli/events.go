package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"labyrinth/internal/eventbus"
)

// EventsCmd streams unit lifecycle events from the redis bus. Unlike the
// other commands it talks to redis directly, not the admin API, so it
// keeps working while the API server is down.
func EventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Stream unit lifecycle events (Ctrl-C to stop)",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := os.Getenv("REDIS_ADDR")
			if addr == "" {
				addr = "localhost:6379"
			}
			client := redis.NewClient(&redis.Options{
				Addr:     addr,
				Password: os.Getenv("REDIS_PASSWORD"),
			})
			defer client.Close()

			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			bus := eventbus.NewRedisBus(client, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			events, err := bus.Subscribe(ctx)
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}

			fmt.Printf("Listening on %s (%s)\n", addr, eventbus.UnitChannelKey())
			for ev := range events {
				tag := color.New(color.FgCyan).Sprint(string(ev.Type))
				if ev.Type == eventbus.EventUnitTerminated {
					tag = color.New(color.FgRed).Sprint(string(ev.Type))
				}
				fmt.Printf("%s  %-22s unit=%s tier=%d %s -> %s\n",
					ev.Timestamp.Format(time.RFC3339), tag, ev.UnitID, ev.Tier, ev.From, ev.To)
			}
			return nil
		},
	}
}
