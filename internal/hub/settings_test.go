package hub

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestBudgetBurstAndRefill(t *testing.T) {
	now := time.Unix(0, 0)
	b := RateLimit{Burst: 3, RefillInterval: 3 * time.Second}.budget(now)

	for i := 0; i < 3; i++ {
		if !b.admit(now) {
			t.Fatalf("Expected invocation %d to be admitted", i)
		}
	}
	if b.admit(now) {
		t.Fatal("Expected the burst to be exhausted")
	}

	now = now.Add(time.Second)
	if !b.admit(now) {
		t.Error("Expected one invocation to refill after a third of the interval")
	}
	if b.admit(now) {
		t.Error("Expected only one invocation to have refilled")
	}

	now = now.Add(time.Hour)
	for i := 0; i < 3; i++ {
		if !b.admit(now) {
			t.Fatalf("Expected refilled invocation %d", i)
		}
	}
	if b.admit(now) {
		t.Error("Expected the refill to be capped at the burst")
	}
}

func TestBudgetIgnoresClockGoingBackwards(t *testing.T) {
	now := time.Unix(100, 0)
	b := RateLimit{Burst: 1, RefillInterval: time.Second}.budget(now)

	if !b.admit(now) {
		t.Fatal("Expected the first invocation to be admitted")
	}
	if b.admit(now.Add(-time.Minute)) {
		t.Error("Expected no refill from an earlier timestamp")
	}
}

func TestSessionBudgetFollowsSanitizedSettings(t *testing.T) {
	s := newSession(nil, "test", Settings{}, zerolog.Nop(), nil)
	def := DefaultSettings()

	if s.allowance.limit != def.RateLimit {
		t.Errorf("Expected default rate limit %+v, got %+v", def.RateLimit, s.allowance.limit)
	}
	for i := 0; i < def.RateLimit.Burst; i++ {
		if !s.admitInvocation() {
			t.Fatalf("Expected invocation %d within the default burst", i)
		}
	}
}
