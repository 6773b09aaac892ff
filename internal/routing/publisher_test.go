package routing

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"labyrinth/internal/config"
	"labyrinth/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPublisher(t *testing.T, debounce time.Duration) *Publisher {
	t.Helper()
	cfg := config.RoutingConfig{
		MapPath:         filepath.Join(t.TempDir(), "trap_upstream.map"),
		DefaultUpstream: "tier1_pool",
		DebounceWindow:  debounce,
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewPublisher(cfg, logger)
}

func TestPublishRoundTrip(t *testing.T) {
	p := testPublisher(t, 0)
	p.SetRoute("dlsess_aaaa", "10.0.0.1:8080")
	p.SetRoute("dlsess_bbbb", "10.0.0.2:8080")

	require.NoError(t, p.Publish())

	entries, err := ReadMapFile(p.config.MapPath)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Entry{
		{Cookie: "dlsess_aaaa", Upstream: "10.0.0.1:8080"},
		{Cookie: "dlsess_bbbb", Upstream: "10.0.0.2:8080"},
	}, entries)

	raw, err := os.ReadFile(p.config.MapPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "map $cookie_dlsess $trap_upstream {")
	assert.Contains(t, string(raw), "default tier1_pool;")
}

func TestPublishReplacesPreviousTable(t *testing.T) {
	p := testPublisher(t, 0)
	p.SetRoute("dlsess_aaaa", "10.0.0.1:8080")
	require.NoError(t, p.Publish())

	p.RemoveRoute("dlsess_aaaa")
	p.SetRoute("dlsess_cccc", "10.0.0.3:8080")
	require.NoError(t, p.Publish())

	entries, err := ReadMapFile(p.config.MapPath)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Cookie: "dlsess_cccc", Upstream: "10.0.0.3:8080"}}, entries)
}

func TestEmptyTableStillPublishes(t *testing.T) {
	p := testPublisher(t, 0)
	require.NoError(t, p.Publish())

	entries, err := ReadMapFile(p.config.MapPath)
	require.NoError(t, err)
	assert.Empty(t, entries)

	raw, err := os.ReadFile(p.config.MapPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "default tier1_pool;")
}

func TestDebouncedLoopPublishesLatestState(t *testing.T) {
	p := testPublisher(t, 20*time.Millisecond)
	go p.Start()
	defer p.Stop()

	// A burst of churn within one window must land as one coherent table.
	p.SetRoute("dlsess_aaaa", "10.0.0.1:8080")
	p.SetRoute("dlsess_bbbb", "10.0.0.2:8080")
	p.SetRoute("dlsess_aaaa", "10.0.0.9:8080")
	p.RemoveRoute("dlsess_bbbb")

	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := ReadMapFile(p.config.MapPath)
		if err == nil && len(entries) == 1 &&
			entries[0] == (Entry{Cookie: "dlsess_aaaa", Upstream: "10.0.0.9:8080"}) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("latest table never published, last read: %v (err %v)", entries, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStopPublishesFinalState(t *testing.T) {
	p := testPublisher(t, time.Hour) // window far longer than the test
	go p.Start()

	p.SetRoute("dlsess_aaaa", "10.0.0.1:8080")
	p.Stop()

	entries, err := ReadMapFile(p.config.MapPath)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Cookie: "dlsess_aaaa", Upstream: "10.0.0.1:8080"}}, entries)
}

func TestWatchRegistryStripsWithdrawnUnit(t *testing.T) {
	p := testPublisher(t, 0)
	p.SetRoute("dlsess_aaaa", "10.0.0.1:8080")
	p.SetRoute("dlsess_bbbb", "10.0.0.2:8080")

	changes := make(chan registry.StateChange, 1)
	go p.WatchRegistry(changes)
	defer close(p.stopCh)

	changes <- registry.StateChange{
		Unit: registry.Unit{ID: "unit-a", Address: "10.0.0.1:8080", State: registry.StateUnhealthy},
		From: registry.StateHealthy,
		To:   registry.StateUnhealthy,
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := p.Snapshot()
		if len(snap) == 1 && snap[0].Cookie == "dlsess_bbbb" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("route for withdrawn unit still present: %v", snap)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWatchRegistryKeepsDegradedAndDraining(t *testing.T) {
	p := testPublisher(t, 0)
	p.SetRoute("dlsess_aaaa", "10.0.0.1:8080")
	p.SetRoute("dlsess_bbbb", "10.0.0.2:8080")

	changes := make(chan registry.StateChange, 2)
	go p.WatchRegistry(changes)
	defer close(p.stopCh)

	// Degraded units may recover; draining units finish in-flight work.
	// Neither loses its route.
	changes <- registry.StateChange{
		Unit: registry.Unit{ID: "unit-a", Address: "10.0.0.1:8080", State: registry.StateDegraded},
		From: registry.StateHealthy,
		To:   registry.StateDegraded,
	}
	changes <- registry.StateChange{
		Unit: registry.Unit{ID: "unit-b", Address: "10.0.0.2:8080", State: registry.StateDraining},
		From: registry.StateHealthy,
		To:   registry.StateDraining,
	}

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, p.Snapshot(), 2)
}

func TestValidateMap(t *testing.T) {
	valid := "map $cookie_dlsess $trap_upstream {\n    default tier1_pool;\n}\n"
	assert.NoError(t, validateMap(valid))

	assert.Error(t, validateMap("map {\n    default x;\n"))
	assert.Error(t, validateMap("map {\n}\nextra {\n}\n"))
	assert.Error(t, validateMap("map {\n}\n"))
}

func TestReadMapFileSkipsStructure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.map")
	content := strings.Join([]string{
		"# comment",
		"map $cookie_dlsess $trap_upstream {",
		"    default tier1_pool;",
		"    dlsess_aaaa 10.0.0.1:8080;",
		"}",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	entries, err := ReadMapFile(path)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Cookie: "dlsess_aaaa", Upstream: "10.0.0.1:8080"}}, entries)
}
