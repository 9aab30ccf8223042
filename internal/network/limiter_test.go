package network

import (
	"testing"
	"time"
)

func TestRateLimiterCapAndReset(t *testing.T) {
	clock := time.Unix(1000, 0)
	lim := NewRateLimiter(Window{Limit: 3, Period: 10 * time.Second})
	lim.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		if !lim.Register() {
			t.Fatalf("register %d should pass", i)
		}
	}
	if lim.Register() {
		t.Fatalf("register past limit should fail")
	}
	clock = clock.Add(11 * time.Second)
	if !lim.Register() {
		t.Fatalf("register after window elapsed should pass")
	}
}

func TestRateLimiterAllOrNothing(t *testing.T) {
	clock := time.Unix(1000, 0)
	lim := NewRateLimiter(
		Window{Limit: 1, Period: 5 * time.Second},
		Window{Limit: 10, Period: 60 * time.Second},
	)
	lim.now = func() time.Time { return clock }

	if !lim.Register() {
		t.Fatalf("first register should pass")
	}
	// Short window is full; the long window must not be charged for rejects.
	for i := 0; i < 20; i++ {
		if lim.Register() {
			t.Fatalf("register %d should be rejected by short window", i)
		}
	}
	for i := 0; i < 9; i++ {
		clock = clock.Add(6 * time.Second)
		if !lim.Register() {
			t.Fatalf("register %d after short reset should pass", i)
		}
	}
	// Long window now holds 10 despite all the rejected attempts.
	clock = clock.Add(6 * time.Second)
	if lim.Register() {
		t.Fatalf("long window should be at capacity")
	}
}
