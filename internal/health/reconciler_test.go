package health

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"labyrinth/internal/config"
	"labyrinth/internal/registry"
	"labyrinth/internal/runtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProbeRuntime struct {
	mu      sync.Mutex
	alive   map[string]bool
	missing map[string]bool
}

func newFakeProbeRuntime() *fakeProbeRuntime {
	return &fakeProbeRuntime{alive: make(map[string]bool), missing: make(map[string]bool)}
}

func (f *fakeProbeRuntime) Create(ctx context.Context, spec runtime.Spec) (runtime.Handle, error) {
	return runtime.Handle{RuntimeID: "rt-" + spec.UnitID, Address: "10.0.0.1:8080"}, nil
}

func (f *fakeProbeRuntime) Destroy(ctx context.Context, runtimeID string) error { return nil }

func (f *fakeProbeRuntime) Probe(ctx context.Context, runtimeID string) (runtime.ProbeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[runtimeID] {
		return runtime.ProbeResult{}, runtime.ErrUnitNotFound
	}
	return runtime.ProbeResult{Alive: f.alive[runtimeID], Latency: time.Millisecond}, nil
}

func (f *fakeProbeRuntime) setAlive(runtimeID string, alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[runtimeID] = alive
}

func (f *fakeProbeRuntime) setMissing(runtimeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missing[runtimeID] = true
}

type fakeRecycler struct {
	mu       sync.Mutex
	recycled []string
}

func (f *fakeRecycler) Recycle(ctx context.Context, unitID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recycled = append(f.recycled, unitID)
	return nil
}

func (f *fakeRecycler) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.recycled))
	copy(out, f.recycled)
	return out
}

func testReconciler(t *testing.T) (*Reconciler, *registry.Registry, *fakeProbeRuntime, *fakeRecycler) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	reg := registry.New(logger)
	rt := newFakeProbeRuntime()
	rec := &fakeRecycler{}
	cfg := config.HealthConfig{
		ProbeInterval:    time.Second,
		ProbeTimeout:     100 * time.Millisecond,
		FailureThreshold: 3,
		MaxConcurrent:    4,
	}
	return NewReconciler(reg, rt, rec, cfg, logger), reg, rt, rec
}

func addHealthyUnit(t *testing.T, reg *registry.Registry, id string) {
	t.Helper()
	require.NoError(t, reg.Register(registry.Unit{
		ID:        id,
		Tier:      1,
		RuntimeID: "rt-" + id,
		Address:   "10.0.0.1:8080",
		State:     registry.StateProvisioning,
	}))
	require.NoError(t, reg.SetEndpoint(id, "rt-"+id, "10.0.0.1:8080"))
	_, err := reg.Transition(id, registry.StateHealthy)
	require.NoError(t, err)
}

func unitState(t *testing.T, reg *registry.Registry, id string) registry.State {
	t.Helper()
	u, err := reg.Get(id)
	require.NoError(t, err)
	return u.State
}

func TestSuccessfulProbeKeepsHealthy(t *testing.T) {
	r, reg, rt, rec := testReconciler(t)
	addHealthyUnit(t, reg, "unit-a")
	rt.setAlive("rt-unit-a", true)

	r.Sweep(context.Background())

	assert.Equal(t, registry.StateHealthy, unitState(t, reg, "unit-a"))
	assert.Empty(t, rec.list())

	u, err := reg.Get("unit-a")
	require.NoError(t, err)
	assert.False(t, u.LastProbe.IsZero())
}

func TestFirstFailureDegrades(t *testing.T) {
	r, reg, rt, rec := testReconciler(t)
	addHealthyUnit(t, reg, "unit-a")
	rt.setAlive("rt-unit-a", false)

	r.Sweep(context.Background())

	assert.Equal(t, registry.StateDegraded, unitState(t, reg, "unit-a"))
	assert.Empty(t, rec.list())
}

func TestThresholdFailuresCondemn(t *testing.T) {
	r, reg, rt, rec := testReconciler(t)
	addHealthyUnit(t, reg, "unit-a")
	rt.setAlive("rt-unit-a", false)

	r.Sweep(context.Background())
	r.Sweep(context.Background())
	assert.Equal(t, registry.StateDegraded, unitState(t, reg, "unit-a"))
	assert.Empty(t, rec.list())

	r.Sweep(context.Background())
	assert.Equal(t, registry.StateUnhealthy, unitState(t, reg, "unit-a"))
	assert.Equal(t, []string{"unit-a"}, rec.list())
}

func TestRecoveryResetsFailureCount(t *testing.T) {
	r, reg, rt, rec := testReconciler(t)
	addHealthyUnit(t, reg, "unit-a")

	rt.setAlive("rt-unit-a", false)
	r.Sweep(context.Background())
	r.Sweep(context.Background())
	require.Equal(t, registry.StateDegraded, unitState(t, reg, "unit-a"))

	// One success restores the unit and wipes the failure streak.
	rt.setAlive("rt-unit-a", true)
	r.Sweep(context.Background())
	assert.Equal(t, registry.StateHealthy, unitState(t, reg, "unit-a"))

	rt.setAlive("rt-unit-a", false)
	r.Sweep(context.Background())
	r.Sweep(context.Background())
	assert.Equal(t, registry.StateDegraded, unitState(t, reg, "unit-a"))
	assert.Empty(t, rec.list())
}

func TestVanishedUnitCondemnedImmediately(t *testing.T) {
	r, reg, rt, rec := testReconciler(t)
	addHealthyUnit(t, reg, "unit-a")
	rt.setMissing("rt-unit-a")

	r.Sweep(context.Background())

	assert.Equal(t, registry.StateUnhealthy, unitState(t, reg, "unit-a"))
	assert.Equal(t, []string{"unit-a"}, rec.list())
}

func TestSweepProbesOnlyLiveStates(t *testing.T) {
	r, reg, rt, rec := testReconciler(t)
	addHealthyUnit(t, reg, "unit-a")
	_, err := reg.Transition("unit-a", registry.StateDraining)
	require.NoError(t, err)
	rt.setAlive("rt-unit-a", false)

	r.Sweep(context.Background())

	// Draining units are on their way out; probing them is pointless.
	assert.Equal(t, registry.StateDraining, unitState(t, reg, "unit-a"))
	assert.Empty(t, rec.list())
}

func TestSlowProbeTimesOut(t *testing.T) {
	r, reg, _, rec := testReconciler(t)
	addHealthyUnit(t, reg, "unit-a")
	r.runtime = stuckRuntime{}

	done := make(chan struct{})
	go func() {
		r.Sweep(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep blocked on a stuck probe")
	}

	assert.Equal(t, registry.StateDegraded, unitState(t, reg, "unit-a"))
	assert.Empty(t, rec.list())
}

type stuckRuntime struct{}

func (stuckRuntime) Create(ctx context.Context, spec runtime.Spec) (runtime.Handle, error) {
	return runtime.Handle{}, errors.New("not implemented")
}

func (stuckRuntime) Destroy(ctx context.Context, runtimeID string) error { return nil }

func (stuckRuntime) Probe(ctx context.Context, runtimeID string) (runtime.ProbeResult, error) {
	<-ctx.Done()
	return runtime.ProbeResult{}, ctx.Err()
}
