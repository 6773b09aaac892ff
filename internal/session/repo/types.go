package repo

import (
	"time"

	"labyrinth/internal/session"
)

const sessionCacheTTL = time.Minute * 5

type SessionModel struct {
	ID              string        `pg:"id,pk"`
	SourceAddr      string        `pg:"source_addr"`
	Cookie          string        `pg:"cookie,notnull"`
	CurrentTier     int           `pg:"current_tier,use_zero"`
	State           session.State `pg:"state,notnull"`
	Score           float64       `pg:"score,use_zero"`
	UnitID          string        `pg:"unit_id"`
	UnitsByTier     string        `pg:"units_by_tier"` // JSON-encoded map[int]string
	EscalationCount int           `pg:"escalation_count,use_zero"`
	CreatedAt       time.Time     `pg:"created_at,notnull"`
	UpdatedAt       time.Time     `pg:"updated_at"`
	LastActiveAt    time.Time     `pg:"last_active_at"`
	ExpiresAt       time.Time     `pg:"expires_at"`
}

// DecisionModel is append-only: rows are inserted and read, never updated.
type DecisionModel struct {
	ID         string    `pg:"id,pk"`
	SessionID  string    `pg:"session_id,notnull"`
	Outcome    string    `pg:"outcome,notnull"`
	FromTier   int       `pg:"from_tier,use_zero"`
	TargetTier int       `pg:"target_tier,use_zero"`
	UnitID     string    `pg:"unit_id"`
	Score      float64   `pg:"score,use_zero"`
	Reason     string    `pg:"reason"`
	CreatedAt  time.Time `pg:"created_at,notnull"`
}

func sessionCacheKey(sessionID string) string {
	return "session:" + sessionID
}
