package resource

import (
	"errors"
	"testing"

	"golang.org/x/time/rate"
)

func TestChargeAndReleaseKeepsTotalConsistent(t *testing.T) {
	a := New(Limits{}, rate.Inf, 1)
	if err := a.Charge("alice", Services, 3); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if err := a.Charge("bob", Services, 2); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if got := a.Total(Services); got != 5 {
		t.Fatalf("total = %d, want 5", got)
	}
	a.Release("alice", Services, 3)
	if got := a.Total(Services); got != 2 {
		t.Fatalf("total after release = %d, want 2", got)
	}
	if got := a.PerUser("bob", Services); got != 2 {
		t.Fatalf("bob tally = %d, want 2", got)
	}
}

func TestPerUserLimitDeniesSecondCharge(t *testing.T) {
	a := New(Limits{PerUser: map[Kind]int{Services: 1}}, rate.Inf, 1)
	if err := a.Charge("alice", Services, 1); err != nil {
		t.Fatalf("first charge: %v", err)
	}
	err := a.Charge("alice", Services, 1)
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if exhausted.Total {
		t.Fatalf("expected per-user exhaustion, got total")
	}
	// The first charge must remain intact.
	if got := a.PerUser("alice", Services); got != 1 {
		t.Fatalf("alice tally = %d, want 1", got)
	}
}

func TestTotalLimitDeniesAcrossUsers(t *testing.T) {
	a := New(Limits{Total: map[Kind]int{Clients: 1}}, rate.Inf, 1)
	if err := a.Charge("alice", Clients, 1); err != nil {
		t.Fatalf("first charge: %v", err)
	}
	if err := a.Charge("bob", Clients, 1); err == nil {
		t.Fatalf("expected total exhaustion for bob")
	}
}

func TestChargeMultiRollsBackPartialFailure(t *testing.T) {
	a := New(Limits{PerUser: map[Kind]int{FilterNodes: 2}}, rate.Inf, 1)
	err := a.ChargeMulti("alice", map[Kind]int{Subscriptions: 1, FilterNodes: 10})
	if err == nil {
		t.Fatalf("expected failure on oversized filter node charge")
	}
	if got := a.PerUser("alice", Subscriptions); got != 0 {
		t.Fatalf("subscriptions charge should have been rolled back, got %d", got)
	}
	if got := a.Total(Subscriptions); got != 0 {
		t.Fatalf("subscriptions total should have been rolled back, got %d", got)
	}
}

func TestConnLimiterPerUser(t *testing.T) {
	a := New(Limits{}, rate.Every(0), 1)
	lim1 := a.ConnLimiter("alice")
	lim2 := a.ConnLimiter("alice")
	if lim1 != lim2 {
		t.Fatalf("expected the same limiter instance for repeat lookups")
	}
	lim3 := a.ConnLimiter("bob")
	if lim1 == lim3 {
		t.Fatalf("expected distinct limiters per user")
	}
}
