package api

import (
	"log/slog"
	"net/http"
	"time"

	"labyrinth/internal/auth"
	"labyrinth/internal/escalation"
	"labyrinth/internal/pool"
	"labyrinth/internal/routing"
	"labyrinth/internal/session"

	"github.com/gin-gonic/gin"
)

// Deps carries everything the HTTP surface needs. All mutation flows
// through the engine, pool manager and routing publisher; handlers
// never touch unit state directly.
type Deps struct {
	Engine   *escalation.Engine
	Sessions session.Store
	Pool     *pool.Manager
	Routing  *routing.Publisher
	Verifier *auth.Verifier
	Logger   *slog.Logger
}

func NewRouter(d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware())
	r.Use(RequestIDMiddleware())

	started := time.Now()
	r.GET("/healthz", func(c *gin.Context) {
		healthy := 0
		for _, st := range d.Pool.Status() {
			if !st.Exhausted {
				healthy++
			}
		}
		c.JSON(http.StatusOK, HealthResponse{
			Status:       "ok",
			Timestamp:    formatTime(time.Now()),
			Uptime:       time.Since(started).Round(time.Second).String(),
			PoolsHealthy: healthy,
		})
	})

	escalateHandler := NewEscalateHandler(d.Engine)
	sessionHandler := NewSessionHandler(d.Engine, d.Sessions)
	poolHandler := NewPoolHandler(d.Pool)
	adminHandler := NewAdminHandler(d.Pool, d.Routing)

	signed := auth.Middleware(d.Verifier, d.Logger)

	v1 := r.Group("/api/v1")
	{
		// The decision path carries attacker-derived data and is only
		// reachable by the trusted sensor layer, hence the signature.
		v1.POST("/escalate", signed, escalateHandler.Escalate)

		sessions := v1.Group("/sessions")
		{
			sessions.GET("", sessionHandler.ListSessions)
			sessions.GET("/:id", sessionHandler.GetSession)
			sessions.GET("/:id/decisions", sessionHandler.ListDecisions)
			sessions.DELETE("/:id", sessionHandler.ReleaseSession)
		}

		v1.GET("/pools", poolHandler.Status)
		v1.GET("/pools/:tier", poolHandler.StatusTier)
		v1.GET("/routing", adminHandler.DumpRouting)

		admin := v1.Group("/admin", signed)
		{
			admin.POST("/units/:id/recycle", adminHandler.RecycleUnit)
			admin.POST("/tiers/:tier/recycle", adminHandler.RecycleTier)
			admin.PUT("/tiers/:tier/target", adminHandler.SetTarget)
			admin.POST("/routing/publish", adminHandler.PublishRouting)
		}
	}

	return r
}
