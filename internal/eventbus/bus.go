package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"labyrinth/internal/registry"

	"github.com/redis/go-redis/v9"
)

var _ EventBus = (*RedisBus)(nil)

// RedisBus fans unit lifecycle events out over redis pub/sub. Delivery
// is best effort: a dropped event never blocks the registry.
type RedisBus struct {
	client redis.Cmdable
	logger *slog.Logger
}

func NewRedisBus(client redis.Cmdable, logger *slog.Logger) *RedisBus {
	return &RedisBus{client: client, logger: logger.With("component", "eventbus")}
}

func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.client.Publish(ctx, UnitChannelKey(), data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	client, ok := b.client.(*redis.Client)
	if !ok {
		return nil, fmt.Errorf("invalid redis client type")
	}

	pubSub := client.Subscribe(ctx, UnitChannelKey())

	ch := make(chan Event)
	go func() {
		defer close(ch)
		defer func() {
			if err := pubSub.Close(); err != nil {
				b.logger.Error("failed to close pubsub", "error", err)
			}
		}()

		for msg := range pubSub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Error("failed to unmarshal event", "error", err)
				continue
			}
			select {
			case ch <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

// Forward consumes registry state changes and republishes them on the
// bus. Blocks; call in a goroutine with a cancellable ctx.
func Forward(ctx context.Context, bus EventBus, changes <-chan registry.StateChange, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-changes:
			event := Event{
				Type:      eventTypeFor(change),
				UnitID:    change.Unit.ID,
				Tier:      change.Unit.Tier,
				From:      string(change.From),
				To:        string(change.To),
				Timestamp: change.At,
			}
			pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := bus.Publish(pubCtx, event); err != nil {
				logger.Warn("Failed to publish unit event", "unit_id", change.Unit.ID, "error", err)
			}
			cancel()
		}
	}
}

func eventTypeFor(change registry.StateChange) EventType {
	switch change.To {
	case registry.StateHealthy:
		if change.From == registry.StateProvisioning {
			return EventUnitProvisioned
		}
	case registry.StateTerminated:
		return EventUnitTerminated
	}
	return EventUnitStateChanged
}
