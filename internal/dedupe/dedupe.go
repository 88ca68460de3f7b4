// Package dedupe implements the short-horizon debounce guard in front of
// the enqueue path. It is a UX nicety against double-trigger hardware and
// nervous thumbs, not a correctness mechanism: true deduplication happens
// at the backend via deterministic ledger event ids.
package dedupe

import (
	"sync"
	"time"
)

// pruneThreshold bounds the window map: once it grows past this many keys,
// expired entries are evicted on the next insert.
const pruneThreshold = 1024

// Filter keeps per-key last-accepted timestamps (window variant) and a
// session-scoped seen set (one-shot variant). Both are in-memory only and
// reset on restart.
type Filter struct {
	mu       sync.Mutex
	window   time.Duration
	lastSeen map[string]time.Time
	seen     map[string]struct{}
	now      func() time.Time
}

func New(window time.Duration) *Filter {
	return &Filter{
		window:   window,
		lastSeen: make(map[string]time.Time),
		seen:     make(map[string]struct{}),
		now:      time.Now,
	}
}

// ShouldAccept reports whether the key is outside the debounce window.
// An accepted key restarts its window.
func (f *Filter) ShouldAccept(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	if last, ok := f.lastSeen[key]; ok && now.Sub(last) < f.window {
		return false
	}

	if len(f.lastSeen) >= pruneThreshold {
		f.pruneLocked(now)
	}

	f.lastSeen[key] = now
	return true
}

// ShouldAcceptOnce is the stricter variant: a key is accepted at most once
// per session, regardless of elapsed time.
func (f *Filter) ShouldAcceptOnce(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.seen[key]; ok {
		return false
	}
	f.seen[key] = struct{}{}
	return true
}

// Forget drops a one-shot key, e.g. after the action it guarded failed to
// enqueue and the user should be able to retry.
func (f *Filter) Forget(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.seen, key)
}

func (f *Filter) pruneLocked(now time.Time) {
	for key, last := range f.lastSeen {
		if now.Sub(last) >= f.window {
			delete(f.lastSeen, key)
		}
	}
}
