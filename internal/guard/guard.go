// Package guard defines the capability interface shared by detectors that
// need to consult or act on the monitor's live protection state.
package guard

import (
	"time"

	"github.com/google/uuid"

	"tradesentry/internal/blocklist"
	"tradesentry/internal/ratelimit"
)

// Guard is the protection surface detectors depend on. The top-level
// monitor implements it; Nop satisfies it for isolated unit tests.
type Guard interface {
	CheckRateLimit(key string, limit int, window time.Duration) ratelimit.Result
	DetectDDoS(key string) bool
	BlockEntity(t blocklist.EntityType, value, reason string, ttl time.Duration) uuid.UUID
	IsBlocked(t blocklist.EntityType, value string) bool
}

// Nop is a Guard that allows everything and blocks nothing.
type Nop struct{}

// CheckRateLimit always allows.
func (Nop) CheckRateLimit(key string, limit int, window time.Duration) ratelimit.Result {
	return ratelimit.Result{Allowed: true, Remaining: limit, ResetTime: time.Now().Add(window)}
}

// DetectDDoS never detects an attack.
func (Nop) DetectDDoS(string) bool { return false }

// BlockEntity records nothing.
func (Nop) BlockEntity(blocklist.EntityType, string, string, time.Duration) uuid.UUID {
	return uuid.Nil
}

// IsBlocked never blocks.
func (Nop) IsBlocked(blocklist.EntityType, string) bool { return false }
