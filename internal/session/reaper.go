package session

import (
	"context"
	"log/slog"
	"time"

	"labyrinth/internal/monitor"
)

type ReaperConfig struct {
	Interval time.Duration
	// ReleaseTimeout bounds one sweep's worth of release work.
	ReleaseTimeout time.Duration
}

// Reaper expires sessions with no recorded activity past their TTL.
// releaseFn must be the same release path used for explicit releases
// (pool release + routing removal + audit), so an expiring session can
// never leak an allocated unit.
type Reaper struct {
	store     Store
	releaseFn func(ctx context.Context, sessionID, reason string) error
	config    ReaperConfig
	logger    *slog.Logger
	stopCh    chan struct{}
}

func NewReaper(store Store, releaseFn func(ctx context.Context, sessionID, reason string) error, cfg ReaperConfig, logger *slog.Logger) *Reaper {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.ReleaseTimeout == 0 {
		cfg.ReleaseTimeout = 30 * time.Second
	}
	return &Reaper{
		store:     store,
		releaseFn: releaseFn,
		config:    cfg,
		logger:    logger.With("component", "session-reaper"),
		stopCh:    make(chan struct{}),
	}
}

// Start runs the sweep loop. Blocks; call in a goroutine.
func (r *Reaper) Start() {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("Session reaper started", "interval", r.config.Interval)

	for {
		select {
		case <-r.stopCh:
			r.logger.Info("Session reaper stopped")
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Reaper) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

// Sweep releases every expired session once. Exposed for tests and the
// admin surface.
func (r *Reaper) Sweep() int {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.ReleaseTimeout)
	defer cancel()

	expired, err := r.store.ListExpired(ctx, time.Now())
	if err != nil {
		r.logger.Error("Failed to list expired sessions", "error", err)
		return 0
	}

	released := 0
	for _, sess := range expired {
		r.logger.Info("Expiring idle session",
			"session_id", sess.ID,
			"tier", sess.CurrentTier,
			"idle", time.Since(sess.LastActiveAt),
		)
		if err := r.releaseFn(ctx, sess.ID, "expired"); err != nil {
			r.logger.Error("Failed to release expired session", "session_id", sess.ID, "error", err)
			continue
		}
		monitor.SessionExpiredTotal.Inc()
		released++
	}

	if released > 0 {
		r.logger.Info("Expired session sweep completed", "released", released)
	}

	if active, err := r.store.CountActive(ctx); err == nil {
		monitor.SessionActiveCount.Set(float64(active))
	}
	return released
}
