package api

import (
	"net/http"
	"strconv"

	"labyrinth/internal/pool"
	"labyrinth/internal/routing"

	"github.com/gin-gonic/gin"
)

type AdminHandler struct {
	pool    *pool.Manager
	routing *routing.Publisher
}

func NewAdminHandler(p *pool.Manager, r *routing.Publisher) *AdminHandler {
	return &AdminHandler{pool: p, routing: r}
}

func (h *AdminHandler) RecycleUnit(c *gin.Context) {
	if err := h.pool.Recycle(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, RecycleResponse{Status: "recycled"})
}

func (h *AdminHandler) RecycleTier(c *gin.Context) {
	tier, err := strconv.Atoi(c.Param("tier"))
	if err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, "tier must be an integer")
		return
	}

	count, err := h.pool.RecycleTier(c.Request.Context(), tier)
	if err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, RecycleResponse{Status: "recycled", Recycled: count})
}

func (h *AdminHandler) SetTarget(c *gin.Context) {
	tier, err := strconv.Atoi(c.Param("tier"))
	if err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, "tier must be an integer")
		return
	}

	var req SetTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	if err := h.pool.SetTarget(tier, req.Target); err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "tier": tier, "target": req.Target})
}

func (h *AdminHandler) DumpRouting(c *gin.Context) {
	entries := h.routing.Snapshot()
	resp := RoutingResponse{
		DefaultUpstream: h.routing.DefaultUpstream(),
		Entries:         make([]RoutingEntryResponse, 0, len(entries)),
	}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, RoutingEntryResponse{Cookie: e.Cookie, Upstream: e.Upstream})
	}
	c.JSON(http.StatusOK, resp)
}

// PublishRouting forces an immediate publish, bypassing the debounce.
func (h *AdminHandler) PublishRouting(c *gin.Context) {
	if err := h.routing.Publish(); err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "published"})
}
