package health

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"labyrinth/internal/config"
	"labyrinth/internal/monitor"
	"labyrinth/internal/registry"
	"labyrinth/internal/runtime"
)

// Recycler is the slice of the pool manager the reconciler hands
// condemned units to.
type Recycler interface {
	Recycle(ctx context.Context, unitID string) error
}

// Reconciler probes live units on a fixed cadence and drives their
// health state. Probing fans out under a concurrency cap; a slow or
// stuck probe times out on its own and never stalls the sweep cadence.
type Reconciler struct {
	registry *registry.Registry
	runtime  runtime.Runtime
	recycler Recycler
	config   config.HealthConfig
	logger   *slog.Logger

	mu       sync.Mutex
	failures map[string]int

	stopCh chan struct{}
}

func NewReconciler(reg *registry.Registry, rt runtime.Runtime, recycler Recycler, cfg config.HealthConfig, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		registry: reg,
		runtime:  rt,
		recycler: recycler,
		config:   cfg,
		logger:   logger.With("component", "health"),
		failures: make(map[string]int),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the probe loop. Blocks; call in a goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.config.ProbeInterval)
	defer ticker.Stop()

	r.logger.Info("Health reconciler started",
		"interval", r.config.ProbeInterval,
		"failure_threshold", r.config.FailureThreshold,
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			r.logger.Info("Health reconciler stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

func (r *Reconciler) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

// Sweep probes every healthy and degraded unit once. Exposed for tests.
func (r *Reconciler) Sweep(ctx context.Context) {
	units := r.registry.List(0, registry.StateHealthy, registry.StateDegraded)
	if len(units) == 0 {
		return
	}

	sem := make(chan struct{}, r.config.MaxConcurrent)
	var wg sync.WaitGroup
	for _, unit := range units {
		wg.Add(1)
		sem <- struct{}{}
		go func(u registry.Unit) {
			defer wg.Done()
			defer func() { <-sem }()
			r.probe(ctx, u)
		}(unit)
	}
	wg.Wait()
}

func (r *Reconciler) probe(ctx context.Context, unit registry.Unit) {
	probeCtx, cancel := context.WithTimeout(ctx, r.config.ProbeTimeout)
	defer cancel()

	result, err := r.runtime.Probe(probeCtx, unit.RuntimeID)
	r.registry.MarkProbed(unit.ID, time.Now())

	if err == nil && result.Alive {
		r.recordSuccess(unit)
		return
	}

	// A unit the runtime no longer knows about cannot recover; skip the
	// degraded detour.
	hardFailure := errors.Is(err, runtime.ErrUnitNotFound)
	r.recordFailure(ctx, unit, err, hardFailure)
}

func (r *Reconciler) recordSuccess(unit registry.Unit) {
	r.mu.Lock()
	delete(r.failures, unit.ID)
	r.mu.Unlock()

	if unit.State == registry.StateDegraded {
		if _, err := r.registry.Transition(unit.ID, registry.StateHealthy); err != nil {
			r.logger.Warn("Failed to restore degraded unit", "unit_id", unit.ID, "error", err)
			return
		}
		r.logger.Info("Unit recovered", "unit_id", unit.ID, "tier", unit.Tier)
	}
}

func (r *Reconciler) recordFailure(ctx context.Context, unit registry.Unit, probeErr error, hard bool) {
	r.mu.Lock()
	r.failures[unit.ID]++
	count := r.failures[unit.ID]
	r.mu.Unlock()

	monitor.ProbeFailuresTotal.WithLabelValues(strconv.Itoa(unit.Tier)).Inc()
	r.logger.Warn("Probe failed",
		"unit_id", unit.ID,
		"tier", unit.Tier,
		"consecutive", count,
		"hard", hard,
		"error", probeErr,
	)

	if hard || count >= r.config.FailureThreshold {
		r.condemn(ctx, unit)
		return
	}

	if unit.State == registry.StateHealthy {
		if _, err := r.registry.Transition(unit.ID, registry.StateDegraded); err != nil {
			r.logger.Warn("Failed to degrade unit", "unit_id", unit.ID, "error", err)
		}
	}
}

// condemn moves a unit to unhealthy and hands it to the pool for
// replacement. The registry transition notifies the routing layer, so
// the unit's route is withdrawn before its replacement appears.
func (r *Reconciler) condemn(ctx context.Context, unit registry.Unit) {
	if _, err := r.registry.Transition(unit.ID, registry.StateUnhealthy); err != nil {
		r.logger.Warn("Failed to mark unit unhealthy", "unit_id", unit.ID, "error", err)
		return
	}

	r.mu.Lock()
	delete(r.failures, unit.ID)
	r.mu.Unlock()

	r.logger.Info("Unit condemned, recycling", "unit_id", unit.ID, "tier", unit.Tier)
	if err := r.recycler.Recycle(ctx, unit.ID); err != nil {
		r.logger.Error("Failed to recycle condemned unit", "unit_id", unit.ID, "error", err)
	}
}
