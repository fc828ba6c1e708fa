// Package ratelimit implements per-key fixed-window request limiting.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"tradesentry/internal/event"
)

// Result is the outcome of a rate limit check, consumed by HTTP middleware
// to set 429 responses and X-RateLimit-* headers.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}

// entry tracks one key's counter for the current window. Entries are
// replaced, not mutated, when a new window starts.
type entry struct {
	count     int
	limit     int
	window    time.Duration
	resetTime time.Time
	blocked   bool
	emitted   bool // event already emitted for this window
	mu        sync.Mutex
}

// Store is a fixed-window rate limiter keyed by arbitrary strings
// (client IP, user ID, or compound keys).
//
// A fixed window permits a burst of up to twice the limit across a window
// boundary; this is accepted behavior, not a sliding window.
type Store struct {
	entries  map[string]*entry
	recorder event.Recorder
	mu       sync.RWMutex
}

// NewStore creates a rate limit store. Events for limit violations are
// emitted through recorder, once per key per window.
func NewStore(recorder event.Recorder) *Store {
	if recorder == nil {
		recorder = event.NopRecorder{}
	}
	return &Store{
		entries:  make(map[string]*entry),
		recorder: recorder,
	}
}

// Check applies the fixed-window algorithm for key. The first call in a
// window creates a fresh entry; subsequent calls increment it. Crossing
// the limit marks the entry blocked and emits a single
// rate_limit_exceeded event for the remainder of the window.
func (s *Store) Check(key string, limit int, window time.Duration) Result {
	now := time.Now()

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || now.After(e.resetTime) || now.Equal(e.resetTime) {
		e = &entry{
			count:     1,
			limit:     limit,
			window:    window,
			resetTime: now.Add(window),
		}
		s.entries[key] = e
		s.mu.Unlock()
		return Result{Allowed: true, Remaining: limit - 1, ResetTime: e.resetTime}
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.count++
	if e.count > limit {
		e.blocked = true
		if !e.emitted {
			e.emitted = true
			s.recorder.Record(
				event.TypeRateLimitExceeded,
				event.SeverityMedium,
				event.Source{IP: key},
				event.Details{
					Description: "rate limit exceeded",
					Evidence: map[string]any{
						"key":    key,
						"limit":  limit,
						"count":  e.count,
						"window": window.String(),
					},
					RiskScore: 50,
				},
				[]event.Action{event.ActionLog, event.ActionAlert},
			)
		}
		return Result{Allowed: false, Remaining: 0, ResetTime: e.resetTime}
	}

	return Result{Allowed: true, Remaining: limit - e.count, ResetTime: e.resetTime}
}

// Sweep removes entries whose window expired before the grace period.
// Returns the number of entries removed.
func (s *Store) Sweep() int {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		e.mu.Lock()
		// Keep entries for one extra window so remaining/reset queries
		// right after expiry still resolve.
		expired := now.After(e.resetTime.Add(e.window))
		e.mu.Unlock()
		if expired {
			delete(s.entries, key)
			removed++
		}
	}

	if removed > 0 {
		slog.Debug("rate limit sweep", "removed", removed, "remaining", len(s.entries))
	}
	return removed
}

// Stats returns store statistics for monitoring.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blocked := 0
	for _, e := range s.entries {
		e.mu.Lock()
		if e.blocked {
			blocked++
		}
		e.mu.Unlock()
	}
	return Stats{TrackedKeys: len(s.entries), BlockedKeys: blocked}
}

// Stats holds rate limit store statistics.
type Stats struct {
	TrackedKeys int `json:"tracked_keys"`
	BlockedKeys int `json:"blocked_keys"`
}
