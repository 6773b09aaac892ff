package api

import (
	"time"

	"labyrinth/internal/session"
)

type EscalateResponse struct {
	SessionID   string  `json:"session_id"`
	Outcome     string  `json:"outcome"`
	FromTier    int     `json:"from_tier"`
	TargetTier  int     `json:"target_tier"`
	UnitID      string  `json:"unit_id,omitempty"`
	UnitAddress string  `json:"unit_address,omitempty"`
	Score       float64 `json:"score"`
	Reason      string  `json:"reason"`
	DecidedAt   string  `json:"decided_at"`
}

type SessionResponse struct {
	ID              string         `json:"id"`
	SourceAddr      string         `json:"source_addr"`
	Cookie          string         `json:"cookie"`
	CurrentTier     int            `json:"current_tier"`
	State           string         `json:"state"`
	Score           float64        `json:"score"`
	UnitID          string         `json:"unit_id,omitempty"`
	UnitsByTier     map[int]string `json:"units_by_tier,omitempty"`
	EscalationCount int            `json:"escalation_count"`
	CreatedAt       string         `json:"created_at"`
	LastActiveAt    string         `json:"last_active_at"`
	ExpiresAt       string         `json:"expires_at"`
}

type SessionListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

type DecisionResponse struct {
	ID         string  `json:"id"`
	Outcome    string  `json:"outcome"`
	FromTier   int     `json:"from_tier"`
	TargetTier int     `json:"target_tier"`
	UnitID     string  `json:"unit_id,omitempty"`
	Score      float64 `json:"score"`
	Reason     string  `json:"reason"`
	CreatedAt  string  `json:"created_at"`
}

type DecisionListResponse struct {
	SessionID string             `json:"session_id"`
	Decisions []DecisionResponse `json:"decisions"`
}

type RoutingEntryResponse struct {
	Cookie   string `json:"cookie"`
	Upstream string `json:"upstream"`
}

type RoutingResponse struct {
	DefaultUpstream string                 `json:"default_upstream"`
	Entries         []RoutingEntryResponse `json:"entries"`
}

type SetTargetRequest struct {
	Target int `json:"target" binding:"min=0"`
}

type RecycleResponse struct {
	Status   string `json:"status"`
	Recycled int    `json:"recycled,omitempty"`
}

type HealthResponse struct {
	Status       string `json:"status"`
	Timestamp    string `json:"timestamp"`
	Uptime       string `json:"uptime,omitempty"`
	PoolsHealthy int    `json:"pools_healthy"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

func toSessionResponse(s *session.Session) SessionResponse {
	return SessionResponse{
		ID:              s.ID,
		SourceAddr:      s.SourceAddr,
		Cookie:          s.Cookie,
		CurrentTier:     s.CurrentTier,
		State:           string(s.State),
		Score:           s.Score,
		UnitID:          s.UnitID,
		UnitsByTier:     s.UnitsByTier,
		EscalationCount: s.EscalationCount,
		CreatedAt:       formatTime(s.CreatedAt),
		LastActiveAt:    formatTime(s.LastActiveAt),
		ExpiresAt:       formatTime(s.ExpiresAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
