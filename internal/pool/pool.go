package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"labyrinth/internal/config"
	"labyrinth/internal/monitor"
	"labyrinth/internal/registry"
	"labyrinth/internal/runtime"

	"github.com/google/uuid"
)

// tierState serializes all allocation-path mutation for one tier.
// Operations on different tiers proceed fully in parallel.
type tierState struct {
	mu  sync.Mutex
	cfg config.TierConfig

	exhausted         atomic.Bool
	provisionFailures atomic.Int32
}

// Manager owns per-tier sizing policy and the allocate/release/recycle
// contract. Unit state itself lives in the registry; the manager is the
// only writer on the allocation path.
type Manager struct {
	registry *registry.Registry
	runtime  runtime.Runtime
	enqueue  Enqueuer
	logger   *slog.Logger
	config   Config

	tiers  map[int]*tierState
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewManager(reg *registry.Registry, rt runtime.Runtime, enq Enqueuer, cfg Config, logger *slog.Logger) *Manager {
	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = 10 * time.Second
	}
	if cfg.TerminationGrace == 0 {
		cfg.TerminationGrace = 60 * time.Second
	}
	if cfg.DegradedAlertAfter == 0 {
		cfg.DegradedAlertAfter = 3
	}

	tiers := make(map[int]*tierState, len(cfg.Tiers))
	for _, tc := range cfg.Tiers {
		tiers[tc.Tier] = &tierState{cfg: tc}
	}

	return &Manager{
		registry: reg,
		runtime:  rt,
		enqueue:  enq,
		logger:   logger.With("component", "pool"),
		config:   cfg,
		tiers:    tiers,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the reconciliation loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.worker()
}

func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.wg.Wait()
}

func (m *Manager) worker() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.ReconcileInterval)
	defer ticker.Stop()

	// First pass immediately so pools fill without waiting a full interval.
	m.Reconcile(context.Background())

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Reconcile(context.Background())
		}
	}
}

// Allocate selects one healthy, unassigned unit at the tier and binds the
// session to it. Oldest-idle-first, tie-break by unit id. Serialized per
// tier, so two concurrent calls never receive the same unit.
func (m *Manager) Allocate(ctx context.Context, tier int, sessionID string) (registry.Unit, error) {
	ts, ok := m.tiers[tier]
	if !ok {
		return registry.Unit{}, fmt.Errorf("%w: %d", ErrUnknownTier, tier)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	candidates := m.registry.List(tier, registry.StateHealthy)
	idle := candidates[:0]
	for _, u := range candidates {
		if u.AssignedSession == "" {
			idle = append(idle, u)
		}
	}

	if len(idle) == 0 {
		if len(candidates) == 0 && ts.cfg.Min > 0 {
			if ts.exhausted.CompareAndSwap(false, true) {
				m.logger.Warn("Tier exhausted", "tier", tier)
			}
		}
		return registry.Unit{}, fmt.Errorf("%w: tier %d", ErrPoolExhausted, tier)
	}

	sort.Slice(idle, func(i, j int) bool {
		if !idle[i].IdleSince.Equal(idle[j].IdleSince) {
			return idle[i].IdleSince.Before(idle[j].IdleSince)
		}
		return idle[i].ID < idle[j].ID
	})

	u, err := m.registry.Assign(idle[0].ID, sessionID)
	if err != nil {
		return registry.Unit{}, err
	}

	monitor.AllocationsTotal.WithLabelValues(fmt.Sprintf("%d", tier)).Inc()
	m.logger.Info("Unit allocated", "unit_id", u.ID, "tier", tier, "session_id", sessionID)
	return u, nil
}

// Release clears the unit's session assignment and returns it to the
// eligible pool, or leaves it draining if it was already marked for
// recycling.
func (m *Manager) Release(unitID string) error {
	u, err := m.registry.Get(unitID)
	if err != nil {
		return err
	}

	ts, ok := m.tiers[u.Tier]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTier, u.Tier)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, err := m.registry.Unassign(unitID); err != nil {
		return err
	}

	m.logger.Info("Unit released", "unit_id", unitID, "tier", u.Tier, "state", u.State)
	return nil
}

// Recycle forces a unit through draining to terminated and lets the
// reconciler replace it under a fresh identity. Idempotent: recycling a
// terminated or already-removed unit is a no-op.
func (m *Manager) Recycle(ctx context.Context, unitID string) error {
	u, err := m.registry.Get(unitID)
	if err != nil {
		// Already removed. Idempotent no-op.
		return nil
	}

	ts, ok := m.tiers[u.Tier]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTier, u.Tier)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	// Re-read under the tier lock: an allocation may have bound a
	// session to this unit after the lookup above.
	u, err = m.registry.Get(unitID)
	if err != nil {
		return nil
	}

	switch u.State {
	case registry.StateTerminated:
		return nil
	case registry.StateHealthy, registry.StateUnhealthy:
		if _, err := m.registry.Transition(unitID, registry.StateDraining); err != nil {
			return err
		}
	case registry.StateDegraded:
		// degraded has no direct edge to draining; route through unhealthy.
		if _, err := m.registry.Transition(unitID, registry.StateUnhealthy); err != nil {
			return err
		}
		if _, err := m.registry.Transition(unitID, registry.StateDraining); err != nil {
			return err
		}
	case registry.StateProvisioning:
		// Never came up; drop the record, reconciler replaces it.
		m.registry.Remove(unitID)
		return nil
	}

	if u.AssignedSession != "" {
		if _, err := m.registry.Unassign(unitID); err != nil {
			return err
		}
	}

	if _, err := m.registry.Transition(unitID, registry.StateTerminated); err != nil {
		return err
	}

	if u.RuntimeID != "" {
		go func() {
			dctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := m.runtime.Destroy(dctx, u.RuntimeID); err != nil && !errors.Is(err, runtime.ErrUnitNotFound) {
				m.logger.Error("Failed to destroy unit", "unit_id", unitID, "error", err)
			}
		}()
	}

	monitor.RecyclesTotal.WithLabelValues(fmt.Sprintf("%d", u.Tier)).Inc()
	m.logger.Info("Unit recycled", "unit_id", unitID, "tier", u.Tier)
	return nil
}

// RecycleTier recycles every non-terminated unit in the tier.
func (m *Manager) RecycleTier(ctx context.Context, tier int) (int, error) {
	if _, ok := m.tiers[tier]; !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownTier, tier)
	}

	count := 0
	for _, u := range m.registry.List(tier) {
		if u.State == registry.StateTerminated {
			continue
		}
		if err := m.Recycle(ctx, u.ID); err != nil {
			m.logger.Error("Failed to recycle unit", "unit_id", u.ID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// SetTarget changes a tier's target size within [min, max]. The
// reconciler grows or drains toward the new target on its next pass.
func (m *Manager) SetTarget(tier, target int) error {
	ts, ok := m.tiers[tier]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTier, tier)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if target < ts.cfg.Min || target > ts.cfg.Max {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrTargetOutOfRange, target, ts.cfg.Min, ts.cfg.Max)
	}
	ts.cfg.Target = target
	m.logger.Info("Tier target changed", "tier", tier, "target", target)
	return nil
}

// Reconcile runs one pass of desired-vs-actual reconciliation over all
// tiers: fill deficits (capped at max), drain surplus idle units, expire
// terminated records past their grace period, refresh exhaustion flags.
func (m *Manager) Reconcile(ctx context.Context) {
	for tier := range m.tiers {
		m.reconcileTier(ctx, tier)
	}
	m.sweepTerminated()
}

func (m *Manager) reconcileTier(ctx context.Context, tier int) {
	ts := m.tiers[tier]

	ts.mu.Lock()
	target := ts.cfg.Target
	max := ts.cfg.Max
	min := ts.cfg.Min
	image := ts.cfg.Image
	port := ts.cfg.ServicePort
	ts.mu.Unlock()

	units := m.registry.List(tier)
	var healthy, degraded, provisioning, total, idleHealthy int
	for _, u := range units {
		switch u.State {
		case registry.StateHealthy:
			healthy++
			if u.AssignedSession == "" {
				idleHealthy++
			}
		case registry.StateDegraded:
			degraded++
		case registry.StateProvisioning:
			provisioning++
		}
		if u.State != registry.StateTerminated {
			total++
		}
	}

	// Exhaustion flag tracks the healthy count, not the allocation path,
	// so recovery clears it without waiting for a request.
	if healthy == 0 && min > 0 {
		ts.exhausted.Store(true)
	} else if healthy > 0 && ts.exhausted.CompareAndSwap(true, false) {
		m.logger.Info("Tier recovered from exhaustion", "tier", tier)
	}

	deficit := target - (healthy + degraded + provisioning)
	if deficit > 0 && total < max {
		create := deficit
		if room := max - total; create > room {
			create = room
		}
		for range create {
			m.requestUnit(tier, image, port)
		}
	}

	// Surplus: drain idle units above target, oldest idle first.
	if surplus := healthy - target; surplus > 0 {
		m.drainSurplus(ctx, tier, surplus)
	}

	monitor.SetTierGauges(tier, idleHealthy, healthy-idleHealthy, provisioning, total)
}

func (m *Manager) requestUnit(tier int, image string, port int) {
	id := uuid.New().String()
	if err := m.registry.Register(registry.Unit{ID: id, Tier: tier}); err != nil {
		m.logger.Error("Failed to register provisioning unit", "error", err)
		return
	}

	err := m.enqueue.EnqueueProvision(ProvisionPayload{
		UnitID:      id,
		Tier:        tier,
		Image:       image,
		ServicePort: port,
	})
	if err != nil {
		m.logger.Error("Failed to enqueue provision task", "unit_id", id, "error", err)
		m.registry.Remove(id)
		return
	}
	m.logger.Info("Provision requested", "unit_id", id, "tier", tier)
}

func (m *Manager) drainSurplus(ctx context.Context, tier, surplus int) {
	ts := m.tiers[tier]

	ts.mu.Lock()
	defer ts.mu.Unlock()

	idle := make([]registry.Unit, 0)
	for _, u := range m.registry.List(tier, registry.StateHealthy) {
		if u.AssignedSession == "" {
			idle = append(idle, u)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		if !idle[i].IdleSince.Equal(idle[j].IdleSince) {
			return idle[i].IdleSince.Before(idle[j].IdleSince)
		}
		return idle[i].ID < idle[j].ID
	})

	for i := 0; i < surplus && i < len(idle); i++ {
		if _, err := m.registry.Transition(idle[i].ID, registry.StateDraining); err != nil {
			m.logger.Error("Failed to drain surplus unit", "unit_id", idle[i].ID, "error", err)
			continue
		}
		if _, err := m.registry.Transition(idle[i].ID, registry.StateTerminated); err != nil {
			m.logger.Error("Failed to terminate surplus unit", "unit_id", idle[i].ID, "error", err)
			continue
		}
		u := idle[i]
		if u.RuntimeID != "" {
			go func() {
				dctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := m.runtime.Destroy(dctx, u.RuntimeID); err != nil && !errors.Is(err, runtime.ErrUnitNotFound) {
					m.logger.Error("Failed to destroy surplus unit", "unit_id", u.ID, "error", err)
				}
			}()
		}
		m.logger.Info("Surplus unit drained", "unit_id", u.ID, "tier", tier)
	}
}

// sweepTerminated removes terminated records whose grace period expired.
// The grace period keeps the id visible while in-flight traffic finishes.
func (m *Manager) sweepTerminated() {
	cutoff := time.Now().Add(-m.config.TerminationGrace)
	for _, u := range m.registry.List(0, registry.StateTerminated) {
		if !u.TerminatedAt.IsZero() && u.TerminatedAt.Before(cutoff) {
			m.registry.Remove(u.ID)
			m.logger.Info("Terminated unit expired from registry", "unit_id", u.ID)
		}
	}
}

// Status reports per-tier counts for the pool status endpoint.
func (m *Manager) Status() []TierStatus {
	tiers := make([]int, 0, len(m.tiers))
	for t := range m.tiers {
		tiers = append(tiers, t)
	}
	sort.Ints(tiers)

	out := make([]TierStatus, 0, len(tiers))
	for _, tier := range tiers {
		ts := m.tiers[tier]

		ts.mu.Lock()
		st := TierStatus{
			Tier:   tier,
			Min:    ts.cfg.Min,
			Target: ts.cfg.Target,
			Max:    ts.cfg.Max,
		}
		ts.mu.Unlock()

		for _, u := range m.registry.List(tier) {
			switch u.State {
			case registry.StateHealthy:
				st.Healthy++
				if u.AssignedSession == "" {
					st.Available++
				} else {
					st.InUse++
				}
			case registry.StateProvisioning:
				st.Provisioning++
			case registry.StateUnhealthy, registry.StateDegraded:
				st.Unhealthy++
			}
			if u.State != registry.StateTerminated {
				st.Total++
			}
		}

		st.Exhausted = ts.exhausted.Load()
		st.Degraded = int(ts.provisionFailures.Load()) >= m.config.DegradedAlertAfter
		out = append(out, st)
	}
	return out
}

// Tiers lists the configured tier numbers in order.
func (m *Manager) Tiers() []int {
	tiers := make([]int, 0, len(m.tiers))
	for t := range m.tiers {
		tiers = append(tiers, t)
	}
	sort.Ints(tiers)
	return tiers
}

// HasTier reports whether the tier exists.
func (m *Manager) HasTier(tier int) bool {
	_, ok := m.tiers[tier]
	return ok
}

func (m *Manager) recordProvisionResult(tier int, err error) {
	ts, ok := m.tiers[tier]
	if !ok {
		return
	}
	if err != nil {
		n := ts.provisionFailures.Add(1)
		monitor.ProvisionErrorsTotal.WithLabelValues(fmt.Sprintf("%d", tier)).Inc()
		if int(n) == m.config.DegradedAlertAfter {
			m.logger.Error("Tier degraded: repeated provision failures", "tier", tier, "failures", n)
		}
		return
	}
	ts.provisionFailures.Store(0)
}
