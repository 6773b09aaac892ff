package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

type State string

const (
	StateActive   State = "active"
	StateReleased State = "released"
	StateExpired  State = "expired"
)

var ErrNotFound = errors.New("session not found")

// Session is one logical conversation with an external actor. It may span
// multiple tiers over time; UnitsByTier remembers the unit bound at each
// tier the session has touched.
type Session struct {
	ID          string         `json:"id"`
	SourceAddr  string         `json:"source_addr"`
	Cookie      string         `json:"cookie"`
	CurrentTier int            `json:"current_tier"`
	State       State          `json:"state"`
	Score       float64        `json:"score"`
	UnitID      string         `json:"unit_id"` // unit at CurrentTier, empty at tier 0
	UnitsByTier map[int]string `json:"units_by_tier"`

	EscalationCount int       `json:"escalation_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastActiveAt    time.Time `json:"last_active_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Touch refreshes the activity clock and pushes out expiry.
func (s *Session) Touch(ttl time.Duration) {
	now := time.Now()
	s.LastActiveAt = now
	s.UpdatedAt = now
	s.ExpiresAt = now.Add(ttl)
}

// DecisionRecord is one append-only audit entry for a session.
type DecisionRecord struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Outcome    string    `json:"outcome"`
	FromTier   int       `json:"from_tier"`
	TargetTier int       `json:"target_tier"`
	UnitID     string    `json:"unit_id,omitempty"`
	Score      float64   `json:"score"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists sessions and their decision audit trail.
type Store interface {
	GetOrCreate(ctx context.Context, id, sourceAddr string, ttl time.Duration) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	ListByState(ctx context.Context, states ...State) ([]*Session, error)
	ListExpired(ctx context.Context, now time.Time) ([]*Session, error)
	CountActive(ctx context.Context) (int, error)

	AppendDecision(ctx context.Context, rec DecisionRecord) error
	ListDecisions(ctx context.Context, sessionID string) ([]DecisionRecord, error)
}

// Cookie derives the routing cookie value for a session. The traffic
// layer matches on this value, never on the raw session id.
func Cookie(sessionID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", sessionID, time.Now().UnixNano())))
	return "dlsess_" + hex.EncodeToString(sum[:])[:16]
}
