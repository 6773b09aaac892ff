package api

import (
	"net/http"

	"labyrinth/internal/escalation"

	"github.com/gin-gonic/gin"
)

type EscalateHandler struct {
	engine *escalation.Engine
}

func NewEscalateHandler(engine *escalation.Engine) *EscalateHandler {
	return &EscalateHandler{engine: engine}
}

// Escalate is the decision endpoint. Authentication already happened in
// the middleware; any outcome, including deny and deferred, is a 200
// with the outcome in the body.
func (h *EscalateHandler) Escalate(c *gin.Context) {
	var req escalation.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}
	if req.SessionID == "" {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, "session_id is required")
		return
	}
	if req.SourceAddr == "" {
		req.SourceAddr = c.ClientIP()
	}

	dec, err := h.engine.Decide(c.Request.Context(), req)
	if err != nil {
		respondError(c, statusFor(err), err)
		return
	}

	c.JSON(http.StatusOK, EscalateResponse{
		SessionID:   dec.SessionID,
		Outcome:     string(dec.Outcome),
		FromTier:    dec.FromTier,
		TargetTier:  dec.TargetTier,
		UnitID:      dec.UnitID,
		UnitAddress: dec.UnitAddress,
		Score:       dec.Score,
		Reason:      dec.Reason,
		DecidedAt:   formatTime(dec.DecidedAt),
	})
}
