// Package ratelimit implements per-key hourly+daily admission limits.
//
// One Set type serves both the admission scope (looser, checked when a job is
// created) and the dispatch scope (tighter, checked when a worker picks a job up);
// callers instantiate it twice with different Config.
package ratelimit

import (
	"sync"
	"time"
)

type Scope string

const (
	ScopeOK   Scope = "ok"
	ScopeHour Scope = "hour"
	ScopeDay  Scope = "day"
)

const (
	DefaultHourWindow = time.Hour
	DefaultDayWindow  = 24 * time.Hour
)

// Config describes one limiter set.
//
// A limit <= 0 disables that window.
type Config struct {
	Name       string
	HourLimit  int
	DayLimit   int
	HourWindow time.Duration // default 1h
	DayWindow  time.Duration // default 24h
}

// Denial is the client-facing detail of a rejected request.
type Denial struct {
	Scope     Scope `json:"scope"`
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	ResetInMs int64 `json:"resetInMs"`
}

// Decision is the result of TryConsume.
//
// When Allowed is false, Scope/Limit/Remaining/ResetIn describe the window that
// rejected the request. When Allowed is true, the per-window fields report the
// state after the commit.
type Decision struct {
	Allowed bool
	Scope   Scope

	Limit     int
	Remaining int
	ResetIn   time.Duration

	RemainingHour int
	RemainingDay  int
	ResetInHour   time.Duration
	ResetInDay    time.Duration
}

// Denial returns the rejection detail; zero value if the decision was allowed.
func (d Decision) Denial() Denial {
	if d.Allowed {
		return Denial{}
	}
	return Denial{Scope: d.Scope, Limit: d.Limit, Remaining: d.Remaining, ResetInMs: d.ResetIn.Milliseconds()}
}

// Set checks and commits two windows (hour, day) per key as one unit.
type Set struct {
	name string

	mu   sync.Mutex
	hour *window
	day  *window
}

func New(cfg Config) *Set {
	if cfg.HourWindow <= 0 {
		cfg.HourWindow = DefaultHourWindow
	}
	if cfg.DayWindow <= 0 {
		cfg.DayWindow = DefaultDayWindow
	}
	return &Set{
		name: cfg.Name,
		hour: newWindow(cfg.HourWindow, cfg.HourLimit),
		day:  newWindow(cfg.DayWindow, cfg.DayLimit),
	}
}

func (s *Set) Name() string { return s.name }

// TryConsume admits tokens for key at now if both windows have room.
//
// Both windows are evaluated on a read-only snapshot first, hour before day; only
// when both pass is the pair committed. A denied call never mutates state.
// tokens < 1 is treated as 1.
func (s *Set) TryConsume(key string, tokens int, now time.Time) Decision {
	if tokens < 1 {
		tokens = 1
	}
	key = normalizeKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	hs := s.hour.snapshot(key, now)
	if d, ok := deny(s.hour, hs, ScopeHour, tokens, now); !ok {
		return d
	}
	ds := s.day.snapshot(key, now)
	if d, ok := deny(s.day, ds, ScopeDay, tokens, now); !ok {
		return d
	}

	hc := s.hour.commit(key, hs, tokens, now)
	dc := s.day.commit(key, ds, tokens, now)

	return Decision{
		Allowed:       true,
		Scope:         ScopeOK,
		RemainingHour: remaining(s.hour.limit, hc.count),
		RemainingDay:  remaining(s.day.limit, dc.count),
		ResetInHour:   resetIn(hc.expiresAt, now),
		ResetInDay:    resetIn(dc.expiresAt, now),
	}
}

// Prune drops expired per-key state from both windows.
func (s *Set) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hour.prune(now) + s.day.prune(now)
}

func deny(w *window, snap windowState, scope Scope, tokens int, now time.Time) (Decision, bool) {
	if w.limit <= 0 || snap.count+tokens <= w.limit {
		return Decision{}, true
	}
	return Decision{
		Allowed:   false,
		Scope:     scope,
		Limit:     w.limit,
		Remaining: remaining(w.limit, snap.count),
		ResetIn:   resetIn(snap.expiresAt, now),
	}, false
}

func remaining(limit, count int) int {
	if limit <= 0 {
		return -1
	}
	if r := limit - count; r > 0 {
		return r
	}
	return 0
}

func resetIn(expiresAt, now time.Time) time.Duration {
	if d := expiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
