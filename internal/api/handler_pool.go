package api

import (
	"net/http"
	"strconv"

	"labyrinth/internal/pool"

	"github.com/gin-gonic/gin"
)

type PoolHandler struct {
	pool *pool.Manager
}

func NewPoolHandler(p *pool.Manager) *PoolHandler {
	return &PoolHandler{pool: p}
}

func (h *PoolHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tiers": h.pool.Status()})
}

func (h *PoolHandler) StatusTier(c *gin.Context) {
	tier, err := strconv.Atoi(c.Param("tier"))
	if err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, "tier must be an integer")
		return
	}
	for _, st := range h.pool.Status() {
		if st.Tier == tier {
			c.JSON(http.StatusOK, st)
			return
		}
	}
	respondError(c, http.StatusNotFound, pool.ErrUnknownTier)
}
