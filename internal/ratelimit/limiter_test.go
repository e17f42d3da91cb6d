package ratelimit

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

func TestTryConsumeHourLimit(t *testing.T) {
	t.Parallel()
	s := New(Config{Name: "api", HourLimit: 3, DayLimit: 10})

	for i := 0; i < 3; i++ {
		d := s.TryConsume("u1", 1, t0.Add(time.Duration(i)*time.Minute))
		if !d.Allowed {
			t.Fatalf("call %d denied: %+v", i, d)
		}
		if d.RemainingHour != 2-i {
			t.Fatalf("call %d RemainingHour = %d, want %d", i, d.RemainingHour, 2-i)
		}
	}

	d := s.TryConsume("u1", 1, t0.Add(10*time.Minute))
	if d.Allowed {
		t.Fatal("fourth call should be denied")
	}
	if d.Scope != ScopeHour || d.Limit != 3 || d.Remaining != 0 {
		t.Fatalf("unexpected denial: %+v", d)
	}
	if d.ResetIn != 50*time.Minute {
		t.Fatalf("ResetIn = %v, want 50m", d.ResetIn)
	}
	den := d.Denial()
	if den.ResetInMs != (50 * time.Minute).Milliseconds() || den.Scope != ScopeHour {
		t.Fatalf("unexpected Denial(): %+v", den)
	}

	// Other keys are independent.
	if d := s.TryConsume("u2", 1, t0.Add(10*time.Minute)); !d.Allowed {
		t.Fatalf("u2 denied: %+v", d)
	}
}

func TestTryConsumeDayLimitCheckedAfterHour(t *testing.T) {
	t.Parallel()
	s := New(Config{HourLimit: 2, DayLimit: 3})

	now := t0
	for i := 0; i < 2; i++ {
		if d := s.TryConsume("u", 1, now); !d.Allowed {
			t.Fatalf("initial call %d denied", i)
		}
	}
	// Hour is exhausted; hour denial wins even though day also has 1 left.
	if d := s.TryConsume("u", 1, now); d.Allowed || d.Scope != ScopeHour {
		t.Fatalf("want hour denial, got %+v", d)
	}

	now = now.Add(time.Hour)
	if d := s.TryConsume("u", 1, now); !d.Allowed {
		t.Fatalf("new hour should admit: %+v", d)
	}
	d := s.TryConsume("u", 1, now)
	if d.Allowed || d.Scope != ScopeDay {
		t.Fatalf("want day denial, got %+v", d)
	}
	if d.Limit != 3 || d.Remaining != 0 {
		t.Fatalf("unexpected day denial: %+v", d)
	}
	if d.ResetIn != 23*time.Hour {
		t.Fatalf("ResetIn = %v, want 23h", d.ResetIn)
	}
}

func TestDeniedCallDoesNotCommit(t *testing.T) {
	t.Parallel()
	s := New(Config{HourLimit: 5, DayLimit: 2})

	if d := s.TryConsume("u", 2, t0); !d.Allowed {
		t.Fatalf("first call denied: %+v", d)
	}
	// Day rejects; the hour window must not be charged for the rejected request.
	if d := s.TryConsume("u", 1, t0); d.Allowed || d.Scope != ScopeDay {
		t.Fatalf("want day denial, got %+v", d)
	}
	s.mu.Lock()
	hc := s.hour.state["u"].count
	s.mu.Unlock()
	if hc != 2 {
		t.Fatalf("hour count = %d, want 2", hc)
	}
}

func TestFixedWindowResetsOnRead(t *testing.T) {
	t.Parallel()
	s := New(Config{HourLimit: 2, DayLimit: 100})

	// Fill the window just before it expires, then again right after.
	if !s.TryConsume("u", 1, t0).Allowed {
		t.Fatal("denied")
	}
	late := t0.Add(59 * time.Minute)
	if !s.TryConsume("u", 1, late).Allowed {
		t.Fatal("denied")
	}
	early := t0.Add(time.Hour)
	for i := 0; i < 2; i++ {
		if !s.TryConsume("u", 1, early).Allowed {
			t.Fatalf("post-reset call %d denied", i)
		}
	}
	// Three admissions within ~1 minute across the boundary: the documented 2x burst.
	if s.TryConsume("u", 1, early).Allowed {
		t.Fatal("window should be full again")
	}
}

func TestNeverExceedsLimitWithinLiveWindow(t *testing.T) {
	t.Parallel()
	const limit = 7
	s := New(Config{HourLimit: limit, DayLimit: 1000})

	admitted := 0
	for i := 0; i < 50; i++ {
		tokens := 1 + i%3
		if s.TryConsume("u", tokens, t0.Add(time.Duration(i)*time.Second)).Allowed {
			admitted += tokens
		}
		if admitted > limit {
			t.Fatalf("admitted %d tokens, limit %d", admitted, limit)
		}
	}
}

func TestZeroLimitDisablesWindow(t *testing.T) {
	t.Parallel()
	s := New(Config{HourLimit: 0, DayLimit: 1})
	d := s.TryConsume("u", 1, t0)
	if !d.Allowed {
		t.Fatalf("denied: %+v", d)
	}
	if d.RemainingHour != -1 {
		t.Fatalf("RemainingHour = %d, want -1 for a disabled window", d.RemainingHour)
	}
	if d := s.TryConsume("u", 1, t0); d.Allowed || d.Scope != ScopeDay {
		t.Fatalf("want day denial, got %+v", d)
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()
	s := New(Config{HourLimit: 1, DayLimit: 1, HourWindow: time.Minute, DayWindow: 2 * time.Minute})
	s.TryConsume("a", 1, t0)
	s.TryConsume("b", 1, t0.Add(90*time.Second))

	// At t0+2m both of a's windows have expired; b's expire at 2m30s and 3m30s.
	n := s.Prune(t0.Add(2 * time.Minute))
	if n != 2 {
		t.Fatalf("pruned %d entries, want 2", n)
	}
}
