package eventbus

import "time"

type EventType string

const (
	EventUnitStateChanged EventType = "unit.state_changed"
	EventUnitProvisioned  EventType = "unit.provisioned"
	EventUnitTerminated   EventType = "unit.terminated"
	EventTierExhausted    EventType = "tier.exhausted"
)

// Event is one lifecycle notification fanned out to external observers
// (dashboards, alerting). Consumers must tolerate unknown event types.
type Event struct {
	Type      EventType `json:"type"`
	UnitID    string    `json:"unit_id"`
	Tier      int       `json:"tier"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func UnitChannelKey() string {
	return "labyrinth:unit:events"
}
