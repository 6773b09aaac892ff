package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"labyrinth/internal/config"
	"labyrinth/internal/monitor"
	"labyrinth/internal/pool"
	"labyrinth/internal/registry"
	"labyrinth/internal/session"
)

// Engine turns authenticated escalation requests into decisions and
// keeps session assignment, the routing table, and the audit trail in
// step with each other.
//
// Decisions for different sessions run concurrently. A duplicate
// request for a session whose in-flight decision has not finished waits
// on the per-session lock and then observes the already-assigned unit,
// so a double allocation cannot happen.
type Engine struct {
	store  session.Store
	pool   Allocator
	scorer Scorer
	router Router
	config config.EscalationConfig
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	inFlight map[string]*sessionLock
}

// sessionLock is reference-counted so the inFlight map only holds
// entries for sessions with work in progress, not every id ever seen.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func NewEngine(store session.Store, alloc Allocator, scorer Scorer, router Router, cfg config.EscalationConfig, sessionTTL time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		pool:     alloc,
		scorer:   scorer,
		router:   router,
		config:   cfg,
		ttl:      sessionTTL,
		logger:   logger.With("component", "escalation"),
		inFlight: make(map[string]*sessionLock),
	}
}

// Decide produces a decision for one request. It never returns an error
// for policy outcomes (hold, deny, deferred); errors are reserved for
// infrastructure failures such as an unreachable store.
func (e *Engine) Decide(ctx context.Context, req Request) (Decision, error) {
	start := time.Now()

	lock := e.lockSession(req.SessionID)
	defer e.unlockSession(req.SessionID, lock)

	sess, err := e.store.GetOrCreate(ctx, req.SessionID, req.SourceAddr, e.ttl)
	if err != nil {
		return Decision{}, fmt.Errorf("load session: %w", err)
	}

	dec := e.decide(ctx, req, sess)
	dec.DecidedAt = time.Now()

	monitor.DecisionsTotal.WithLabelValues(string(dec.Outcome)).Inc()
	monitor.DecisionLatency.Observe(time.Since(start).Seconds())

	if err := e.audit(ctx, sess, dec); err != nil {
		e.logger.Error("Failed to record decision", "session_id", sess.ID, "error", err)
	}

	e.logger.Info("Escalation decision",
		"session_id", sess.ID,
		"outcome", dec.Outcome,
		"from_tier", dec.FromTier,
		"target_tier", dec.TargetTier,
		"unit_id", dec.UnitID,
		"score", dec.Score,
		"reason", dec.Reason,
	)
	return dec, nil
}

func (e *Engine) decide(ctx context.Context, req Request, sess *session.Session) Decision {
	dec := Decision{
		SessionID: sess.ID,
		FromTier:  sess.CurrentTier,
	}

	// A released or expired session that speaks again starts over at
	// tier 0 with a fresh activity window.
	if sess.State != session.StateActive {
		sess.State = session.StateActive
		sess.CurrentTier = 0
		sess.UnitID = ""
		dec.FromTier = 0
	}

	target := req.TargetTier
	if target == 0 {
		target = sess.CurrentTier + 1
	}
	dec.TargetTier = target

	// Idempotent replay: the session already sits at the requested tier.
	if target == sess.CurrentTier && sess.UnitID != "" {
		dec.Outcome = OutcomeHold
		dec.UnitID = sess.UnitID
		dec.Score = sess.Score
		dec.Reason = "already at target tier"
		e.touch(ctx, sess)
		return dec
	}

	// Tiers are climbed one step at a time.
	if target != sess.CurrentTier+1 {
		dec.Outcome = OutcomeDeny
		dec.Reason = fmt.Sprintf("invalid transition: tier %d to %d", sess.CurrentTier, target)
		e.touch(ctx, sess)
		return dec
	}

	score, scoreErr := e.score(ctx, req, sess)
	dec.Score = score
	if scoreErr != nil {
		// No evidence, no escalation.
		dec.Outcome = OutcomeHold
		dec.Reason = "scorer unavailable"
		e.touch(ctx, sess)
		return dec
	}
	sess.Score = score

	switch {
	case score >= e.config.EscalateScore:
		if sess.CurrentTier >= e.config.MaxTier {
			dec.Outcome = OutcomeHold
			dec.TargetTier = sess.CurrentTier
			dec.Reason = "already at maximum tier"
			e.touch(ctx, sess)
			return dec
		}
		if !e.pool.HasTier(target) {
			dec.Outcome = OutcomeDeny
			dec.Reason = fmt.Sprintf("unknown tier %d", target)
			e.touch(ctx, sess)
			return dec
		}
		return e.escalate(ctx, sess, dec, target)

	case score <= e.config.BenignScore && sess.CurrentTier >= 1 && e.config.DeescalateEnable:
		if err := e.releaseLocked(ctx, sess, "benign de-escalation"); err != nil {
			e.logger.Error("De-escalation release failed", "session_id", sess.ID, "error", err)
		}
		dec.Outcome = OutcomeHold
		dec.TargetTier = 0
		dec.Reason = "benign de-escalation"
		return dec

	default:
		dec.Outcome = OutcomeHold
		dec.Reason = "score below escalation threshold"
		e.touch(ctx, sess)
		return dec
	}
}

func (e *Engine) escalate(ctx context.Context, sess *session.Session, dec Decision, target int) Decision {
	unit, err := e.allocateWithRetry(ctx, target, sess.ID)
	if err != nil {
		if errors.Is(err, pool.ErrPoolExhausted) {
			dec.Outcome = OutcomeDeferred
			dec.Reason = fmt.Sprintf("tier %d pool exhausted", target)
		} else {
			dec.Outcome = OutcomeDeferred
			dec.Reason = fmt.Sprintf("allocation failed: %v", err)
		}
		e.touch(ctx, sess)
		return dec
	}

	previousUnit := sess.UnitID

	sess.CurrentTier = target
	sess.UnitID = unit.ID
	sess.UnitsByTier[target] = unit.ID
	sess.EscalationCount++
	sess.Touch(e.ttl)

	// Point the route at the new unit before freeing the old one, so
	// the session is never routed at a unit it no longer owns.
	e.router.SetRoute(sess.Cookie, unit.Address)
	if previousUnit != "" {
		if err := e.pool.Release(previousUnit); err != nil {
			e.logger.Warn("Failed to release previous unit", "unit_id", previousUnit, "error", err)
		}
	}

	if err := e.store.Update(ctx, sess); err != nil {
		e.logger.Error("Failed to persist escalated session", "session_id", sess.ID, "error", err)
	}

	dec.Outcome = OutcomeEscalate
	dec.UnitID = unit.ID
	dec.UnitAddress = unit.Address
	return dec
}

func (e *Engine) allocateWithRetry(ctx context.Context, tier int, sessionID string) (unit registry.Unit, err error) {
	attempts := e.config.AllocateRetries + 1
	for i := 0; i < attempts; i++ {
		unit, err = e.pool.Allocate(ctx, tier, sessionID)
		if err == nil {
			return unit, nil
		}
		if !errors.Is(err, pool.ErrPoolExhausted) || i == attempts-1 {
			return unit, err
		}
		select {
		case <-ctx.Done():
			return unit, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return unit, err
}

// ReleaseSession is the single release path. Explicit releases, benign
// de-escalation, and the TTL reaper all funnel through here so every
// exit frees the unit and strips the route the same way.
func (e *Engine) ReleaseSession(ctx context.Context, sessionID, reason string) error {
	lock := e.lockSession(sessionID)
	defer e.unlockSession(sessionID, lock)

	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.State != session.StateActive {
		return nil
	}
	return e.releaseLocked(ctx, sess, reason)
}

func (e *Engine) releaseLocked(ctx context.Context, sess *session.Session, reason string) error {
	e.router.RemoveRoute(sess.Cookie)

	if sess.UnitID != "" {
		if err := e.pool.Release(sess.UnitID); err != nil {
			e.logger.Warn("Failed to release unit", "session_id", sess.ID, "unit_id", sess.UnitID, "error", err)
		}
	}

	fromTier := sess.CurrentTier
	sess.UnitID = ""
	sess.CurrentTier = 0
	if reason == "expired" {
		sess.State = session.StateExpired
	} else {
		sess.State = session.StateReleased
	}
	if err := e.store.Update(ctx, sess); err != nil {
		return fmt.Errorf("persist released session: %w", err)
	}

	rec := session.DecisionRecord{
		SessionID: sess.ID,
		Outcome:   "release",
		FromTier:  fromTier,
		Score:     sess.Score,
		Reason:    reason,
	}
	if err := e.store.AppendDecision(ctx, rec); err != nil {
		e.logger.Error("Failed to record release", "session_id", sess.ID, "error", err)
	}

	e.logger.Info("Session released", "session_id", sess.ID, "from_tier", fromTier, "reason", reason)
	return nil
}

func (e *Engine) score(ctx context.Context, req Request, sess *session.Session) (float64, error) {
	if req.Score != nil {
		return *req.Score, nil
	}
	if e.scorer == nil {
		return 0, ErrScorerUnavailable
	}

	scoreCtx, cancel := context.WithTimeout(ctx, e.config.ScorerTimeout)
	defer cancel()

	result, err := e.scorer.Score(scoreCtx, ScoreRequest{
		SessionID:  sess.ID,
		SourceAddr: sess.SourceAddr,
		Indicators: req.Indicators,
	})
	if err != nil {
		e.logger.Warn("Scorer call failed", "session_id", sess.ID, "error", err)
		return 0, err
	}
	return result.Score, nil
}

func (e *Engine) touch(ctx context.Context, sess *session.Session) {
	sess.Touch(e.ttl)
	if err := e.store.Update(ctx, sess); err != nil {
		e.logger.Warn("Failed to refresh session activity", "session_id", sess.ID, "error", err)
	}
}

func (e *Engine) audit(ctx context.Context, sess *session.Session, dec Decision) error {
	return e.store.AppendDecision(ctx, session.DecisionRecord{
		SessionID:  sess.ID,
		Outcome:    string(dec.Outcome),
		FromTier:   dec.FromTier,
		TargetTier: dec.TargetTier,
		UnitID:     dec.UnitID,
		Score:      dec.Score,
		Reason:     dec.Reason,
	})
}

// lockSession serializes all work on one session id. Waiters bump the
// refcount before blocking, so a concurrent duplicate always lands on
// the same lock as the decision it is waiting out.
func (e *Engine) lockSession(sessionID string) *sessionLock {
	e.mu.Lock()
	lock, ok := e.inFlight[sessionID]
	if !ok {
		lock = &sessionLock{}
		e.inFlight[sessionID] = lock
	}
	lock.refs++
	e.mu.Unlock()

	lock.mu.Lock()
	return lock
}

func (e *Engine) unlockSession(sessionID string, lock *sessionLock) {
	lock.mu.Unlock()

	e.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(e.inFlight, sessionID)
	}
	e.mu.Unlock()
}
