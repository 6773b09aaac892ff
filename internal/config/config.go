package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	Postgres   PostgresConfig
	Auth       AuthConfig
	Pool       PoolConfig
	Escalation EscalationConfig
	Routing    RoutingConfig
	Health     HealthConfig
	Session    SessionConfig
	Worker     WorkerConfig
	Metrics    MetricsConfig
}

type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type PostgresConfig struct {
	Addr     string
	User     string
	Password string
	Database string
}

type AuthConfig struct {
	Secret string
	// MaxSkew bounds how far a request timestamp may drift from local time.
	MaxSkew time.Duration
}

// TierConfig is the sizing policy for one containment tier.
// Invariant: Min <= Target <= Max.
type TierConfig struct {
	Tier        int
	Min         int
	Target      int
	Max         int
	Image       string
	ServicePort int
}

type PoolConfig struct {
	Tiers              []TierConfig
	ReconcileInterval  time.Duration
	TerminationGrace   time.Duration
	NetworkName        string
	ContainerMem       int64 // MB
	ContainerCPU       float64
	ProvisionTimeout   time.Duration
	ProvisionRetryMax  int
	DegradedAlertAfter int // consecutive provision failures before a tier is reported degraded
}

type EscalationConfig struct {
	ScorerURL        string
	ScorerTimeout    time.Duration
	EscalateScore    float64
	BenignScore      float64
	MaxTier          int
	DeescalateEnable bool
	AllocateRetries  int
}

type RoutingConfig struct {
	MapPath         string
	DefaultUpstream string
	DebounceWindow  time.Duration
}

type HealthConfig struct {
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
	MaxConcurrent    int
}

type SessionConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

type WorkerConfig struct {
	Concurrency int
}

type MetricsConfig struct {
	Addr string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         getEnv("SERVER_ADDR", ":8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 60*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Postgres: PostgresConfig{
			Addr:     getEnv("POSTGRES_ADDR", "localhost:5432"),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", "postgres"),
			Database: getEnv("POSTGRES_DB", "labyrinth"),
		},
		Auth: AuthConfig{
			Secret:  getEnv("AUTH_HMAC_SECRET", ""),
			MaxSkew: getDurationEnv("AUTH_MAX_SKEW", 30*time.Second),
		},
		Pool: PoolConfig{
			Tiers:              loadTiers(),
			ReconcileInterval:  getDurationEnv("POOL_RECONCILE_INTERVAL", 10*time.Second),
			TerminationGrace:   getDurationEnv("POOL_TERMINATION_GRACE", 60*time.Second),
			NetworkName:        getEnv("POOL_NETWORK_NAME", "labyrinth-net"),
			ContainerMem:       int64(getIntEnv("POOL_CONTAINER_MEM_MB", 256)),
			ContainerCPU:       getFloatEnv("POOL_CONTAINER_CPU", 0.5),
			ProvisionTimeout:   getDurationEnv("POOL_PROVISION_TIMEOUT", 60*time.Second),
			ProvisionRetryMax:  getIntEnv("POOL_PROVISION_RETRY_MAX", 5),
			DegradedAlertAfter: getIntEnv("POOL_DEGRADED_ALERT_AFTER", 3),
		},
		Escalation: EscalationConfig{
			ScorerURL:        getEnv("SCORER_URL", "http://cerebrum:8001"),
			ScorerTimeout:    getDurationEnv("SCORER_TIMEOUT", 3*time.Second),
			EscalateScore:    getFloatEnv("ESCALATE_SCORE_THRESHOLD", 7.0),
			BenignScore:      getFloatEnv("BENIGN_SCORE_THRESHOLD", 2.0),
			MaxTier:          getIntEnv("ESCALATE_MAX_TIER", 3),
			DeescalateEnable: getBoolEnv("ESCALATE_DEESCALATE_ENABLE", false),
			AllocateRetries:  getIntEnv("ESCALATE_ALLOCATE_RETRIES", 2),
		},
		Routing: RoutingConfig{
			MapPath:         getEnv("ROUTING_MAP_PATH", "/etc/nginx/maps/trap_upstream.map"),
			DefaultUpstream: getEnv("ROUTING_DEFAULT_UPSTREAM", "tier1_pool"),
			DebounceWindow:  getDurationEnv("ROUTING_DEBOUNCE_WINDOW", 2*time.Second),
		},
		Health: HealthConfig{
			ProbeInterval:    getDurationEnv("HEALTH_PROBE_INTERVAL", 15*time.Second),
			ProbeTimeout:     getDurationEnv("HEALTH_PROBE_TIMEOUT", 5*time.Second),
			FailureThreshold: getIntEnv("HEALTH_FAILURE_THRESHOLD", 3),
			MaxConcurrent:    getIntEnv("HEALTH_MAX_CONCURRENT", 8),
		},
		Session: SessionConfig{
			TTL:           getDurationEnv("SESSION_TTL", time.Hour),
			SweepInterval: getDurationEnv("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		},
		Worker: WorkerConfig{
			Concurrency: getIntEnv("WORKER_CONCURRENCY", 5),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ":9090"),
		},
	}
}

// loadTiers reads per-tier sizing from POOL_TIER<n>_* variables.
// POOL_TIERS controls how many tiers exist (default 3).
func loadTiers() []TierConfig {
	count := getIntEnv("POOL_TIERS", 3)
	tiers := make([]TierConfig, 0, count)
	for i := 1; i <= count; i++ {
		prefix := fmt.Sprintf("POOL_TIER%d_", i)
		tiers = append(tiers, TierConfig{
			Tier:        i,
			Min:         getIntEnv(prefix+"MIN", defaultMin(i)),
			Target:      getIntEnv(prefix+"TARGET", defaultTarget(i)),
			Max:         getIntEnv(prefix+"MAX", defaultMax(i)),
			Image:       getEnv(prefix+"IMAGE", fmt.Sprintf("trap-tier%d:latest", i)),
			ServicePort: getIntEnv(prefix+"SERVICE_PORT", 8080),
		})
	}
	return tiers
}

// Defaults mirror a small three-tier deployment: a wide low-interaction
// tier and progressively narrower high-interaction tiers.
func defaultMin(tier int) int {
	if tier == 1 {
		return 2
	}
	return 1
}

func defaultTarget(tier int) int {
	switch tier {
	case 1:
		return 5
	case 2:
		return 3
	default:
		return 1
	}
}

func defaultMax(tier int) int {
	switch tier {
	case 1:
		return 8
	case 2:
		return 5
	default:
		return 2
	}
}

// Validate checks invariants that would otherwise surface as runtime
// misbehavior: missing secret and broken tier sizing.
func (c *Config) Validate() error {
	if c.Auth.Secret == "" {
		return fmt.Errorf("AUTH_HMAC_SECRET must be set")
	}
	if len(c.Auth.Secret) < 32 {
		return fmt.Errorf("AUTH_HMAC_SECRET must be at least 32 characters")
	}
	for _, t := range c.Pool.Tiers {
		if t.Min > t.Target || t.Target > t.Max {
			return fmt.Errorf("tier %d sizing invalid: min=%d target=%d max=%d", t.Tier, t.Min, t.Target, t.Max)
		}
	}
	if c.Escalation.MaxTier > len(c.Pool.Tiers) {
		return fmt.Errorf("ESCALATE_MAX_TIER %d exceeds configured tiers %d", c.Escalation.MaxTier, len(c.Pool.Tiers))
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
