package monitor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pool metrics
var (
	TierUnits = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "labyrinth",
		Subsystem: "pool",
		Name:      "units",
		Help:      "Number of units per tier and state",
	}, []string{"tier", "state"})

	AllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "labyrinth",
		Subsystem: "pool",
		Name:      "allocations_total",
		Help:      "Total unit allocations per tier",
	}, []string{"tier"})

	RecyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "labyrinth",
		Subsystem: "pool",
		Name:      "recycles_total",
		Help:      "Total unit recycles per tier",
	}, []string{"tier"})

	ProvisionErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "labyrinth",
		Subsystem: "pool",
		Name:      "provision_errors_total",
		Help:      "Total unit creation errors per tier",
	}, []string{"tier"})
)

// Escalation metrics
var (
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "labyrinth",
		Subsystem: "escalation",
		Name:      "decisions_total",
		Help:      "Escalation decisions by outcome",
	}, []string{"outcome"})

	DecisionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "labyrinth",
		Subsystem: "escalation",
		Name:      "decision_latency_seconds",
		Help:      "Latency of escalation decisions",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	ScorerErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "labyrinth",
		Subsystem: "escalation",
		Name:      "scorer_errors_total",
		Help:      "Total scorer timeouts and failures",
	})
)

// Routing metrics
var (
	RoutingEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "labyrinth",
		Subsystem: "routing",
		Name:      "entries",
		Help:      "Number of live routing entries",
	})

	RoutingPublishesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "labyrinth",
		Subsystem: "routing",
		Name:      "publishes_total",
		Help:      "Total routing table publications",
	})

	RoutingPublishErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "labyrinth",
		Subsystem: "routing",
		Name:      "publish_errors_total",
		Help:      "Total failed routing table publications",
	})
)

// Session metrics
var (
	SessionActiveCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "labyrinth",
		Subsystem: "session",
		Name:      "active_count",
		Help:      "Number of currently active sessions",
	})

	SessionExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "labyrinth",
		Subsystem: "session",
		Name:      "expired_total",
		Help:      "Total sessions released by the TTL reaper",
	})
)

// Health probe metrics
var (
	ProbeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "labyrinth",
		Subsystem: "health",
		Name:      "probe_failures_total",
		Help:      "Total failed liveness probes per tier",
	}, []string{"tier"})
)

// SetTierGauges updates the per-tier unit gauges in one place so callers
// don't repeat label plumbing.
func SetTierGauges(tier, available, inUse, provisioning, total int) {
	t := strconv.Itoa(tier)
	TierUnits.WithLabelValues(t, "available").Set(float64(available))
	TierUnits.WithLabelValues(t, "in_use").Set(float64(inUse))
	TierUnits.WithLabelValues(t, "provisioning").Set(float64(provisioning))
	TierUnits.WithLabelValues(t, "total").Set(float64(total))
}
