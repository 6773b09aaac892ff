package pool

import (
	"time"

	"labyrinth/internal/config"
)

type Config struct {
	Tiers              []config.TierConfig
	ReconcileInterval  time.Duration
	TerminationGrace   time.Duration
	DegradedAlertAfter int
}

// TierStatus is the read-only snapshot exposed on the pool status
// endpoint. Available + InUse equals the routable population.
type TierStatus struct {
	Tier         int  `json:"tier"`
	Min          int  `json:"min"`
	Target       int  `json:"target"`
	Max          int  `json:"max"`
	Available    int  `json:"available"`
	InUse        int  `json:"in_use"`
	Healthy      int  `json:"healthy"`
	Provisioning int  `json:"provisioning"`
	Unhealthy    int  `json:"unhealthy"`
	Total        int  `json:"total"`
	Exhausted    bool `json:"exhausted"`
	Degraded     bool `json:"degraded"`
}
