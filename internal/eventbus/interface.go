package eventbus

import "context"

type EventBus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context) (<-chan Event, error)
}
