package api

import (
	"net/http"

	"labyrinth/internal/escalation"
	"labyrinth/internal/session"

	"github.com/gin-gonic/gin"
)

type SessionHandler struct {
	engine *escalation.Engine
	store  session.Store
}

func NewSessionHandler(engine *escalation.Engine, store session.Store) *SessionHandler {
	return &SessionHandler{engine: engine, store: store}
}

func (h *SessionHandler) ListSessions(c *gin.Context) {
	var states []session.State
	if s := c.Query("state"); s != "" {
		states = append(states, session.State(s))
	} else {
		states = append(states, session.StateActive)
	}

	sessions, err := h.store.ListByState(c.Request.Context(), states...)
	if err != nil {
		respondError(c, statusFor(err), err)
		return
	}

	resp := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, toSessionResponse(s))
	}
	c.JSON(http.StatusOK, SessionListResponse{Sessions: resp})
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	sess, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(sess))
}

func (h *SessionHandler) ListDecisions(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.store.Get(c.Request.Context(), id); err != nil {
		respondError(c, statusFor(err), err)
		return
	}

	recs, err := h.store.ListDecisions(c.Request.Context(), id)
	if err != nil {
		respondError(c, statusFor(err), err)
		return
	}

	resp := make([]DecisionResponse, 0, len(recs))
	for _, rec := range recs {
		resp = append(resp, DecisionResponse{
			ID:         rec.ID,
			Outcome:    rec.Outcome,
			FromTier:   rec.FromTier,
			TargetTier: rec.TargetTier,
			UnitID:     rec.UnitID,
			Score:      rec.Score,
			Reason:     rec.Reason,
			CreatedAt:  formatTime(rec.CreatedAt),
		})
	}
	c.JSON(http.StatusOK, DecisionListResponse{SessionID: id, Decisions: resp})
}

// ReleaseSession frees the session's unit and withdraws its route. Goes
// through the engine's release path, same as the TTL reaper.
func (h *SessionHandler) ReleaseSession(c *gin.Context) {
	if err := h.engine.ReleaseSession(c.Request.Context(), c.Param("id"), "operator release"); err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "released"})
}
