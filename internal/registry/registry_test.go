package registry

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRegisterAndGet(t *testing.T) {
	r := New(testLogger())

	if err := r.Register(Unit{ID: "u1", Tier: 1}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	u, err := r.Get("u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if u.State != StateProvisioning {
		t.Errorf("Expected provisioning, got %s", u.State)
	}
	if u.CreatedAt.IsZero() {
		t.Error("CreatedAt should be stamped on register")
	}

	if err := r.Register(Unit{ID: "u1", Tier: 1}); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("Expected ErrAlreadyRegistered, got %v", err)
	}

	if _, err := r.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestTransitionGraph(t *testing.T) {
	cases := []struct {
		name string
		path []State
		ok   bool
	}{
		{"normal lifecycle", []State{StateHealthy, StateDegraded, StateHealthy, StateDraining, StateTerminated}, true},
		{"hard probe failure", []State{StateHealthy, StateUnhealthy, StateDraining, StateTerminated}, true},
		{"degraded recovery then failure", []State{StateHealthy, StateDegraded, StateUnhealthy, StateDraining}, true},
		{"skip provisioning", []State{StateDegraded}, false},
		{"terminated is terminal", []State{StateHealthy, StateDraining, StateTerminated, StateHealthy}, false},
		{"unhealthy cannot recover", []State{StateHealthy, StateUnhealthy, StateHealthy}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := New(testLogger())
			if err := r.Register(Unit{ID: "u1", Tier: 1}); err != nil {
				t.Fatalf("Register failed: %v", err)
			}

			var err error
			for _, s := range tc.path {
				if _, err = r.Transition("u1", s); err != nil {
					break
				}
			}

			if tc.ok && err != nil {
				t.Errorf("Path %v should be legal, got %v", tc.path, err)
			}
			if !tc.ok {
				if err == nil {
					t.Errorf("Path %v should be rejected", tc.path)
				} else if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("Expected ErrInvalidTransition, got %v", err)
				}
			}
		})
	}
}

func TestListFilters(t *testing.T) {
	r := New(testLogger())
	for _, u := range []Unit{
		{ID: "a", Tier: 1}, {ID: "b", Tier: 1}, {ID: "c", Tier: 2},
	} {
		if err := r.Register(u); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	if _, err := r.Transition("a", StateHealthy); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	if got := len(r.List(1)); got != 2 {
		t.Errorf("Expected 2 tier-1 units, got %d", got)
	}
	if got := len(r.List(1, StateHealthy)); got != 1 {
		t.Errorf("Expected 1 healthy tier-1 unit, got %d", got)
	}
	if got := len(r.List(0, StateProvisioning)); got != 2 {
		t.Errorf("Expected 2 provisioning units across tiers, got %d", got)
	}

	// Deterministic ordering by id.
	all := r.List(0)
	if all[0].ID != "a" || all[1].ID != "b" || all[2].ID != "c" {
		t.Errorf("List not ordered by id: %v", all)
	}
}

func TestAssignRules(t *testing.T) {
	r := New(testLogger())
	if err := r.Register(Unit{ID: "u1", Tier: 1}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Assignment requires healthy state.
	if _, err := r.Assign("u1", "s1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition for provisioning unit, got %v", err)
	}

	if _, err := r.Transition("u1", StateHealthy); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if _, err := r.Assign("u1", "s1"); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	// Re-assign to the same session is idempotent.
	if _, err := r.Assign("u1", "s1"); err != nil {
		t.Errorf("Re-assign to same session should succeed, got %v", err)
	}

	// A second session may not steal the unit.
	if _, err := r.Assign("u1", "s2"); !errors.Is(err, ErrAlreadyAssigned) {
		t.Errorf("Expected ErrAlreadyAssigned, got %v", err)
	}

	u, err := r.Unassign("u1")
	if err != nil {
		t.Fatalf("Unassign failed: %v", err)
	}
	if u.AssignedSession != "" {
		t.Error("Unassign should clear the session binding")
	}
	if u.IdleSince.IsZero() {
		t.Error("Unassign should restart the idle clock")
	}
}

func TestSubscribeReceivesChanges(t *testing.T) {
	r := New(testLogger())
	ch := r.Subscribe()

	if err := r.Register(Unit{ID: "u1", Tier: 1}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := r.Transition("u1", StateHealthy); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	select {
	case change := <-ch:
		if change.From != StateProvisioning || change.To != StateHealthy {
			t.Errorf("Unexpected change: %+v", change)
		}
		if change.Unit.ID != "u1" {
			t.Errorf("Unexpected unit in change: %s", change.Unit.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for state change notification")
	}
}
