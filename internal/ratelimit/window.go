package ratelimit

import (
	"strings"
	"time"
)

// window is a fixed-length counting window keyed by owner.
//
// A key's window resets fully on the first read at or after its expiry; it is
// not a continuously decaying log. Bursts straddling a reset can therefore
// reach up to twice the limit within one window length.
//
// window is not safe for concurrent use; Set serializes access.
type window struct {
	length time.Duration
	limit  int
	state  map[string]windowState
}

type windowState struct {
	count     int
	expiresAt time.Time
}

func newWindow(length time.Duration, limit int) *window {
	return &window{length: length, limit: limit, state: map[string]windowState{}}
}

// snapshot returns the effective state of key at now without mutating it.
func (w *window) snapshot(key string, now time.Time) windowState {
	st, ok := w.state[key]
	if !ok || !now.Before(st.expiresAt) {
		return windowState{count: 0, expiresAt: now.Add(w.length)}
	}
	return st
}

// commit stores snap+tokens for key.
func (w *window) commit(key string, snap windowState, tokens int, now time.Time) windowState {
	if !now.Before(snap.expiresAt) {
		snap = windowState{count: 0, expiresAt: now.Add(w.length)}
	}
	snap.count += tokens
	w.state[key] = snap
	return snap
}

// prune drops expired keys. Returns the number removed.
func (w *window) prune(now time.Time) int {
	n := 0
	for k, st := range w.state {
		if !now.Before(st.expiresAt) {
			delete(w.state, k)
			n++
		}
	}
	return n
}

func normalizeKey(key string) string { return strings.TrimSpace(key) }
