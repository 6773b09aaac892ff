package registry

import "time"

// State is a unit's lifecycle state.
type State string

const (
	StateProvisioning State = "provisioning"
	StateHealthy      State = "healthy"
	StateDegraded     State = "degraded"
	StateUnhealthy    State = "unhealthy"
	StateDraining     State = "draining"
	StateTerminated   State = "terminated"
)

// Unit is a single disposable execution instance belonging to one tier.
// The registry owns the authoritative copy; callers receive value copies.
type Unit struct {
	ID        string
	Tier      int
	Address   string // host:port the traffic layer forwards to
	RuntimeID string // handle into the container runtime

	State           State
	AssignedSession string

	CreatedAt    time.Time
	IdleSince    time.Time
	LastProbe    time.Time
	TerminatedAt time.Time
}

// Routable reports whether the published routing table may reference this
// unit. Draining units stay routable so in-flight traffic can finish.
func (u Unit) Routable() bool {
	return u.State == StateHealthy || u.State == StateDraining
}

// StateChange is emitted to subscribers on every transition.
type StateChange struct {
	Unit Unit
	From State
	To   State
	At   time.Time
}

// legal transitions: provisioning -> healthy,
// healthy -> degraded | draining | unhealthy (hard probe failure),
// degraded -> healthy | unhealthy, unhealthy -> draining,
// draining -> terminated.
var transitions = map[State][]State{
	StateProvisioning: {StateHealthy},
	StateHealthy:      {StateDegraded, StateDraining, StateUnhealthy},
	StateDegraded:     {StateHealthy, StateUnhealthy},
	StateUnhealthy:    {StateDraining},
	StateDraining:     {StateTerminated},
	StateTerminated:   {},
}

func legalTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
