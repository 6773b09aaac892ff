package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"labyrinth/internal/config"
	"labyrinth/internal/pool"
	"labyrinth/internal/registry"
	"labyrinth/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAllocator struct {
	mu         sync.Mutex
	free       []registry.Unit
	released   []string
	allocCalls int
}

func (f *fakeAllocator) Allocate(ctx context.Context, tier int, sessionID string) (registry.Unit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allocCalls++
	for i, u := range f.free {
		if u.Tier == tier {
			f.free = append(f.free[:i], f.free[i+1:]...)
			u.AssignedSession = sessionID
			return u, nil
		}
	}
	return registry.Unit{}, fmt.Errorf("tier %d: %w", tier, pool.ErrPoolExhausted)
}

func (f *fakeAllocator) Release(unitID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, unitID)
	return nil
}

func (f *fakeAllocator) HasTier(tier int) bool { return tier >= 1 && tier <= 3 }

type fakeScorer struct {
	score float64
	err   error
}

func (f *fakeScorer) Score(ctx context.Context, req ScoreRequest) (ScoreResult, error) {
	if f.err != nil {
		return ScoreResult{}, f.err
	}
	return ScoreResult{Score: f.score}, nil
}

type fakeRouter struct {
	mu      sync.Mutex
	routes  map[string]string
	removed []string
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{routes: make(map[string]string)}
}

func (f *fakeRouter) SetRoute(cookie, upstream string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[cookie] = upstream
}

func (f *fakeRouter) RemoveRoute(cookie string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.routes, cookie)
	f.removed = append(f.removed, cookie)
}

func testEngineConfig() config.EscalationConfig {
	return config.EscalationConfig{
		ScorerTimeout:    time.Second,
		EscalateScore:    7.0,
		BenignScore:      2.0,
		MaxTier:          3,
		DeescalateEnable: false,
		AllocateRetries:  0,
	}
}

func newTestEngine(t *testing.T, alloc *fakeAllocator, scorer Scorer, cfg config.EscalationConfig) (*Engine, *session.InMemoryStore, *fakeRouter) {
	t.Helper()
	store := session.NewInMemoryStore()
	router := newFakeRouter()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewEngine(store, alloc, scorer, router, cfg, time.Hour, logger), store, router
}

func unitAt(id string, tier int) registry.Unit {
	return registry.Unit{ID: id, Tier: tier, Address: id + ":8080", State: registry.StateHealthy}
}

func TestDecideEscalates(t *testing.T) {
	alloc := &fakeAllocator{free: []registry.Unit{unitAt("unit-a", 1)}}
	engine, store, router := newTestEngine(t, alloc, &fakeScorer{score: 8.5}, testEngineConfig())

	dec, err := engine.Decide(context.Background(), Request{SessionID: "sess-1", SourceAddr: "10.0.0.1"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeEscalate, dec.Outcome)
	assert.Equal(t, 1, dec.TargetTier)
	assert.Equal(t, "unit-a", dec.UnitID)
	assert.Equal(t, "unit-a:8080", dec.UnitAddress)

	sess, err := store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.CurrentTier)
	assert.Equal(t, "unit-a", sess.UnitID)
	assert.Equal(t, "unit-a", sess.UnitsByTier[1])
	assert.Equal(t, 1, sess.EscalationCount)

	router.mu.Lock()
	assert.Equal(t, "unit-a:8080", router.routes[sess.Cookie])
	router.mu.Unlock()

	recs, err := store.ListDecisions(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "escalate", recs[0].Outcome)
}

func TestDecideHoldsBelowThreshold(t *testing.T) {
	alloc := &fakeAllocator{free: []registry.Unit{unitAt("unit-a", 1)}}
	engine, _, router := newTestEngine(t, alloc, &fakeScorer{score: 3.0}, testEngineConfig())

	dec, err := engine.Decide(context.Background(), Request{SessionID: "sess-1", SourceAddr: "10.0.0.1"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeHold, dec.Outcome)
	assert.Empty(t, dec.UnitID)
	assert.Zero(t, alloc.allocCalls)
	assert.Empty(t, router.routes)
}

func TestScorerUnavailableFailsSafe(t *testing.T) {
	alloc := &fakeAllocator{free: []registry.Unit{unitAt("unit-a", 1)}}
	engine, store, _ := newTestEngine(t, alloc, &fakeScorer{err: ErrScorerUnavailable}, testEngineConfig())

	dec, err := engine.Decide(context.Background(), Request{SessionID: "sess-1", SourceAddr: "10.0.0.1"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeHold, dec.Outcome)
	assert.Equal(t, "scorer unavailable", dec.Reason)
	assert.Zero(t, alloc.allocCalls)

	recs, err := store.ListDecisions(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "scorer unavailable", recs[0].Reason)
}

func TestInlineScoreSkipsScorer(t *testing.T) {
	alloc := &fakeAllocator{free: []registry.Unit{unitAt("unit-a", 1)}}
	// Scorer would fail; the inline hint must make the call unnecessary.
	engine, _, _ := newTestEngine(t, alloc, &fakeScorer{err: ErrScorerUnavailable}, testEngineConfig())

	score := 9.0
	dec, err := engine.Decide(context.Background(), Request{SessionID: "sess-1", SourceAddr: "10.0.0.1", Score: &score})
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalate, dec.Outcome)
}

func TestRepeatRequestIsIdempotent(t *testing.T) {
	alloc := &fakeAllocator{free: []registry.Unit{unitAt("unit-a", 1), unitAt("unit-b", 1)}}
	engine, _, _ := newTestEngine(t, alloc, &fakeScorer{score: 9.0}, testEngineConfig())

	first, err := engine.Decide(context.Background(), Request{SessionID: "sess-1", SourceAddr: "10.0.0.1", TargetTier: 1})
	require.NoError(t, err)
	require.Equal(t, OutcomeEscalate, first.Outcome)

	second, err := engine.Decide(context.Background(), Request{SessionID: "sess-1", SourceAddr: "10.0.0.1", TargetTier: 1})
	require.NoError(t, err)

	assert.Equal(t, OutcomeHold, second.Outcome)
	assert.Equal(t, first.UnitID, second.UnitID)
	assert.Equal(t, 1, alloc.allocCalls)
}

func TestConcurrentDuplicateAllocatesOnce(t *testing.T) {
	alloc := &fakeAllocator{free: []registry.Unit{unitAt("unit-a", 1), unitAt("unit-b", 1)}}
	engine, _, _ := newTestEngine(t, alloc, &fakeScorer{score: 9.0}, testEngineConfig())

	var wg sync.WaitGroup
	decisions := make([]Decision, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dec, err := engine.Decide(context.Background(), Request{SessionID: "sess-1", SourceAddr: "10.0.0.1", TargetTier: 1})
			assert.NoError(t, err)
			decisions[i] = dec
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, alloc.allocCalls)
	assert.Equal(t, decisions[0].UnitID, decisions[1].UnitID)
}

func TestSessionLocksDropWhenIdle(t *testing.T) {
	alloc := &fakeAllocator{}
	engine, _, _ := newTestEngine(t, alloc, &fakeScorer{score: 3.0}, testEngineConfig())

	for i := 0; i < 50; i++ {
		_, err := engine.Decide(context.Background(), Request{
			SessionID:  fmt.Sprintf("sess-%d", i),
			SourceAddr: "10.0.0.1",
		})
		require.NoError(t, err)
	}

	engine.mu.Lock()
	held := len(engine.inFlight)
	engine.mu.Unlock()
	assert.Zero(t, held, "lock table must not retain idle sessions")

	// The session still serializes correctly after its lock was dropped.
	_, err := engine.Decide(context.Background(), Request{SessionID: "sess-0", SourceAddr: "10.0.0.1"})
	require.NoError(t, err)
}

func TestTierJumpRejected(t *testing.T) {
	alloc := &fakeAllocator{free: []registry.Unit{unitAt("unit-a", 3)}}
	engine, _, _ := newTestEngine(t, alloc, &fakeScorer{score: 9.0}, testEngineConfig())

	dec, err := engine.Decide(context.Background(), Request{SessionID: "sess-1", SourceAddr: "10.0.0.1", TargetTier: 3})
	require.NoError(t, err)

	assert.Equal(t, OutcomeDeny, dec.Outcome)
	assert.Contains(t, dec.Reason, "invalid transition")
	assert.Zero(t, alloc.allocCalls)
}

func TestPoolExhaustedDefers(t *testing.T) {
	alloc := &fakeAllocator{}
	engine, _, _ := newTestEngine(t, alloc, &fakeScorer{score: 9.0}, testEngineConfig())

	dec, err := engine.Decide(context.Background(), Request{SessionID: "sess-1", SourceAddr: "10.0.0.1"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeDeferred, dec.Outcome)
	assert.Contains(t, dec.Reason, "exhausted")
}

func TestDeferredThenRetrySucceeds(t *testing.T) {
	alloc := &fakeAllocator{}
	engine, _, _ := newTestEngine(t, alloc, &fakeScorer{score: 9.0}, testEngineConfig())

	dec, err := engine.Decide(context.Background(), Request{SessionID: "sess-1", SourceAddr: "10.0.0.1"})
	require.NoError(t, err)
	require.Equal(t, OutcomeDeferred, dec.Outcome)

	alloc.mu.Lock()
	alloc.free = append(alloc.free, unitAt("unit-a", 1))
	alloc.mu.Unlock()

	dec, err = engine.Decide(context.Background(), Request{SessionID: "sess-1", SourceAddr: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalate, dec.Outcome)
	assert.Equal(t, "unit-a", dec.UnitID)
}

func TestMaxTierHolds(t *testing.T) {
	cfg := testEngineConfig()
	cfg.MaxTier = 1
	alloc := &fakeAllocator{free: []registry.Unit{unitAt("unit-a", 1), unitAt("unit-b", 2)}}
	engine, _, _ := newTestEngine(t, alloc, &fakeScorer{score: 9.0}, cfg)

	dec, err := engine.Decide(context.Background(), Request{SessionID: "sess-1", SourceAddr: "10.0.0.1"})
	require.NoError(t, err)
	require.Equal(t, OutcomeEscalate, dec.Outcome)

	dec, err = engine.Decide(context.Background(), Request{SessionID: "sess-1", SourceAddr: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeHold, dec.Outcome)
	assert.Equal(t, "already at maximum tier", dec.Reason)
	assert.Equal(t, 1, alloc.allocCalls)
}

func TestEscalationReleasesPreviousUnit(t *testing.T) {
	alloc := &fakeAllocator{free: []registry.Unit{unitAt("unit-a", 1), unitAt("unit-b", 2)}}
	engine, store, router := newTestEngine(t, alloc, &fakeScorer{score: 9.0}, testEngineConfig())

	_, err := engine.Decide(context.Background(), Request{SessionID: "sess-1", SourceAddr: "10.0.0.1"})
	require.NoError(t, err)
	dec, err := engine.Decide(context.Background(), Request{SessionID: "sess-1", SourceAddr: "10.0.0.1"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeEscalate, dec.Outcome)
	assert.Equal(t, 2, dec.TargetTier)
	assert.Equal(t, "unit-b", dec.UnitID)
	assert.Equal(t, []string{"unit-a"}, alloc.released)

	sess, err := store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "unit-a", sess.UnitsByTier[1])
	assert.Equal(t, "unit-b", sess.UnitsByTier[2])

	router.mu.Lock()
	assert.Equal(t, "unit-b:8080", router.routes[sess.Cookie])
	router.mu.Unlock()
}

func TestReleaseSession(t *testing.T) {
	alloc := &fakeAllocator{free: []registry.Unit{unitAt("unit-a", 1)}}
	engine, store, router := newTestEngine(t, alloc, &fakeScorer{score: 9.0}, testEngineConfig())

	_, err := engine.Decide(context.Background(), Request{SessionID: "sess-1", SourceAddr: "10.0.0.1"})
	require.NoError(t, err)

	require.NoError(t, engine.ReleaseSession(context.Background(), "sess-1", "operator request"))

	sess, err := store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, session.StateReleased, sess.State)
	assert.Equal(t, 0, sess.CurrentTier)
	assert.Empty(t, sess.UnitID)
	assert.Equal(t, []string{"unit-a"}, alloc.released)
	assert.Empty(t, router.routes)

	// Releasing again is a no-op, not a double free.
	require.NoError(t, engine.ReleaseSession(context.Background(), "sess-1", "operator request"))
	assert.Equal(t, []string{"unit-a"}, alloc.released)
}

func TestReaperReleasesThroughEngine(t *testing.T) {
	alloc := &fakeAllocator{free: []registry.Unit{unitAt("unit-a", 1)}}
	store := session.NewInMemoryStore()
	router := newFakeRouter()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	engine := NewEngine(store, alloc, &fakeScorer{score: 9.0}, router, testEngineConfig(), 10*time.Millisecond, logger)

	_, err := engine.Decide(context.Background(), Request{SessionID: "sess-1", SourceAddr: "10.0.0.1"})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	reaper := session.NewReaper(store, engine.ReleaseSession, session.ReaperConfig{}, logger)
	released := reaper.Sweep()
	assert.Equal(t, 1, released)

	sess, err := store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, session.StateExpired, sess.State)
	assert.Equal(t, []string{"unit-a"}, alloc.released)
	assert.Empty(t, router.routes)
}

func TestBenignDeescalation(t *testing.T) {
	cfg := testEngineConfig()
	cfg.DeescalateEnable = true
	alloc := &fakeAllocator{free: []registry.Unit{unitAt("unit-a", 1)}}
	engine, store, router := newTestEngine(t, alloc, &fakeScorer{score: 9.0}, cfg)

	_, err := engine.Decide(context.Background(), Request{SessionID: "sess-1", SourceAddr: "10.0.0.1"})
	require.NoError(t, err)

	engine.scorer = &fakeScorer{score: 1.0}
	dec, err := engine.Decide(context.Background(), Request{SessionID: "sess-1", SourceAddr: "10.0.0.1"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeHold, dec.Outcome)
	assert.Equal(t, 0, dec.TargetTier)
	assert.Equal(t, "benign de-escalation", dec.Reason)
	assert.Equal(t, []string{"unit-a"}, alloc.released)
	assert.Empty(t, router.routes)

	sess, err := store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, session.StateReleased, sess.State)
}
