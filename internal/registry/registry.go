package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry tracks every execution unit's identity, tier and lifecycle
// state. It is the only mutable view of unit state; the pool manager and
// health reconciler mutate units exclusively through its methods.
type Registry struct {
	mu     sync.RWMutex
	units  map[string]*Unit
	subs   []chan StateChange
	logger *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		units:  make(map[string]*Unit),
		logger: logger.With("component", "registry"),
	}
}

// Register adds a new unit. The unit's state must be provisioning.
func (r *Registry) Register(u Unit) error {
	if u.State == "" {
		u.State = StateProvisioning
	}
	if u.State != StateProvisioning {
		return fmt.Errorf("%w: register requires provisioning state, got %s", ErrInvalidTransition, u.State)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.units[u.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, u.ID)
	}
	r.units[u.ID] = &u
	r.logger.Info("Unit registered", "unit_id", u.ID, "tier", u.Tier)
	return nil
}

// Get returns a copy of the unit.
func (r *Registry) Get(id string) (Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.units[id]
	if !ok {
		return Unit{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *u, nil
}

// List returns copies of units in the given tier, optionally filtered by
// state. tier <= 0 matches all tiers; no states means no state filter.
// Results are ordered by unit id for deterministic iteration.
func (r *Registry) List(tier int, states ...State) []Unit {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Unit, 0, len(r.units))
	for _, u := range r.units {
		if tier > 0 && u.Tier != tier {
			continue
		}
		if len(states) > 0 && !containsState(states, u.State) {
			continue
		}
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Transition moves a unit to a new state, enforcing the lifecycle graph.
// Emits a StateChange to all subscribers on success.
func (r *Registry) Transition(id string, to State) (Unit, error) {
	r.mu.Lock()

	u, ok := r.units[id]
	if !ok {
		r.mu.Unlock()
		return Unit{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	from := u.State
	if !legalTransition(from, to) {
		r.mu.Unlock()
		return Unit{}, fmt.Errorf("%w: %s -> %s for unit %s", ErrInvalidTransition, from, to, id)
	}

	u.State = to
	now := time.Now()
	switch to {
	case StateHealthy:
		// Fresh in the eligible pool; reset idle age unless assigned.
		if u.AssignedSession == "" {
			u.IdleSince = now
		}
	case StateTerminated:
		u.TerminatedAt = now
	}

	change := StateChange{Unit: *u, From: from, To: to, At: now}
	r.mu.Unlock()

	r.logger.Info("Unit state changed", "unit_id", id, "from", from, "to", to)
	r.notify(change)
	return change.Unit, nil
}

// Assign binds a session to a healthy, unassigned unit. Called only by the
// pool manager under its per-tier lock.
func (r *Registry) Assign(id, sessionID string) (Unit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.units[id]
	if !ok {
		return Unit{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if u.State != StateHealthy {
		return Unit{}, fmt.Errorf("%w: unit %s is %s", ErrInvalidTransition, id, u.State)
	}
	if u.AssignedSession != "" && u.AssignedSession != sessionID {
		return Unit{}, fmt.Errorf("%w: unit %s held by session %s", ErrAlreadyAssigned, id, u.AssignedSession)
	}
	u.AssignedSession = sessionID
	return *u, nil
}

// Unassign clears a unit's session binding and restarts its idle clock.
func (r *Registry) Unassign(id string) (Unit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.units[id]
	if !ok {
		return Unit{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	u.AssignedSession = ""
	u.IdleSince = time.Now()
	return *u, nil
}

// SetEndpoint records the runtime handle and network address produced by
// unit creation. Valid only while provisioning.
func (r *Registry) SetEndpoint(id, runtimeID, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.units[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	u.RuntimeID = runtimeID
	u.Address = address
	return nil
}

// MarkProbed stamps the unit's last health-check time.
func (r *Registry) MarkProbed(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if u, ok := r.units[id]; ok {
		u.LastProbe = at
	}
}

// Remove deletes a unit outright. Used for terminated units past their
// grace period and for provisioning records whose creation failed for good.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.units, id)
}

// Subscribe returns a channel of state changes. Slow consumers drop
// notifications rather than stalling transitions.
func (r *Registry) Subscribe() <-chan StateChange {
	ch := make(chan StateChange, 64)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch
}

func (r *Registry) notify(change StateChange) {
	r.mu.RLock()
	subs := r.subs
	r.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- change:
		default:
			r.logger.Warn("Dropping state change notification, subscriber is behind",
				"unit_id", change.Unit.ID, "to", change.To)
		}
	}
}

func containsState(states []State, s State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}
