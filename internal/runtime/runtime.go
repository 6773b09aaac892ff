package runtime

import (
	"context"
	"time"
)

// Spec describes the unit to create. The image is tier-specific and
// pre-built; this package never builds images.
type Spec struct {
	UnitID      string
	Tier        int
	Image       string
	ServicePort int
	EnvVars     []string
}

// Handle identifies a created unit inside the runtime.
type Handle struct {
	RuntimeID string
	Address   string // ip:port reachable on the containment network
}

// ProbeResult is the outcome of one liveness check.
type ProbeResult struct {
	Alive   bool
	Latency time.Duration
}

// Runtime is the container-runtime collaborator: create, destroy and
// probe disposable execution units. Implementations must honor ctx
// deadlines on every call.
type Runtime interface {
	Create(ctx context.Context, spec Spec) (Handle, error)
	Destroy(ctx context.Context, runtimeID string) error
	Probe(ctx context.Context, runtimeID string) (ProbeResult, error)
}
