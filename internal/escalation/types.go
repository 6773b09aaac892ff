package escalation

import (
	"context"
	"errors"
	"time"

	"labyrinth/internal/registry"
)

type Outcome string

const (
	OutcomeEscalate Outcome = "escalate"
	OutcomeHold     Outcome = "hold"
	OutcomeDeny     Outcome = "deny"
	OutcomeDeferred Outcome = "deferred"
)

var ErrScorerUnavailable = errors.New("scorer unavailable")

// Request is one inbound escalation request, already authenticated.
type Request struct {
	SessionID  string   `json:"session_id"`
	SourceAddr string   `json:"source_addr"`
	// TargetTier is optional. Zero means "one tier up from where the
	// session is now".
	TargetTier int      `json:"target_tier,omitempty"`
	// Score, when set, is an inline hint that skips the scorer call.
	Score      *float64 `json:"score,omitempty"`
	Indicators []string `json:"indicators,omitempty"`
}

// Decision is the engine's answer for one request.
type Decision struct {
	SessionID   string    `json:"session_id"`
	Outcome     Outcome   `json:"outcome"`
	FromTier    int       `json:"from_tier"`
	TargetTier  int       `json:"target_tier"`
	UnitID      string    `json:"unit_id,omitempty"`
	UnitAddress string    `json:"unit_address,omitempty"`
	Score       float64   `json:"score"`
	Reason      string    `json:"reason"`
	DecidedAt   time.Time `json:"decided_at"`
}

// Allocator is the slice of the pool manager the engine depends on.
type Allocator interface {
	Allocate(ctx context.Context, tier int, sessionID string) (registry.Unit, error)
	Release(unitID string) error
	HasTier(tier int) bool
}

// Router receives routing-table membership changes. The engine updates
// it in lockstep with assignment mutations so the published table never
// references a unit the session no longer owns.
type Router interface {
	SetRoute(cookie, upstream string)
	RemoveRoute(cookie string)
}
