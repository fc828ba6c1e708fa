// Package blocklist maintains the registry of blocked IPs and users.
package blocklist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EntityType distinguishes what kind of entity a block applies to.
type EntityType string

const (
	EntityIP   EntityType = "ip"
	EntityUser EntityType = "user"
)

// BlockedEntity is a single block record. A nil ExpiresAt means permanent.
// The same (type, value) pair may carry several concurrent records; the
// entity stays blocked while any unexpired record exists.
type BlockedEntity struct {
	ID        uuid.UUID  `json:"id"`
	Type      EntityType `json:"type"`
	Value     string     `json:"value"`
	Reason    string     `json:"reason"`
	BlockedAt time.Time  `json:"blocked_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the record has lapsed at the given instant.
func (b *BlockedEntity) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && !b.ExpiresAt.After(now)
}

// Publisher mirrors block lifecycle changes to an external consumer,
// such as an edge proxy keeping a synchronized blocklist.
type Publisher interface {
	Publish(ctx context.Context, entity *BlockedEntity) error
	Revoke(ctx context.Context, entity *BlockedEntity) error
}

// Registry is the in-memory block registry. Expired records are evicted
// lazily on read and swept periodically.
type Registry struct {
	entries   map[uuid.UUID]*BlockedEntity
	publisher Publisher
	mu        sync.RWMutex
}

// NewRegistry creates a block registry. publisher may be nil.
func NewRegistry(publisher Publisher) *Registry {
	return &Registry{
		entries:   make(map[uuid.UUID]*BlockedEntity),
		publisher: publisher,
	}
}

// Block adds a block record for (t, value). ttl <= 0 blocks permanently.
// Blocking an already-blocked entity adds a second record.
func (r *Registry) Block(t EntityType, value, reason string, ttl time.Duration) uuid.UUID {
	entity := &BlockedEntity{
		ID:        uuid.New(),
		Type:      t,
		Value:     value,
		Reason:    reason,
		BlockedAt: time.Now(),
	}
	if ttl > 0 {
		expires := entity.BlockedAt.Add(ttl)
		entity.ExpiresAt = &expires
	}

	r.mu.Lock()
	r.entries[entity.ID] = entity
	r.mu.Unlock()

	slog.Info("entity blocked",
		"block_id", entity.ID,
		"type", t,
		"value", value,
		"reason", reason,
		"ttl", ttl,
	)
	r.publish(entity, false)

	return entity.ID
}

// Unblock removes a block record by ID. Returns false for unknown IDs.
func (r *Registry) Unblock(id uuid.UUID, reason string) bool {
	r.mu.Lock()
	entity, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	slog.Info("entity unblocked", "block_id", id, "type", entity.Type, "value", entity.Value, "reason", reason)
	r.publish(entity, true)
	return true
}

// IsBlocked reports whether any unexpired record exists for (t, value).
// Expired records encountered during the scan are deleted.
func (r *Registry) IsBlocked(t EntityType, value string) bool {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	blocked := false
	for id, entity := range r.entries {
		if entity.Type != t || entity.Value != value {
			continue
		}
		if entity.Expired(now) {
			delete(r.entries, id)
			continue
		}
		blocked = true
	}
	return blocked
}

// BlockIP blocks an IP address. Implements the ledger's Blocker.
func (r *Registry) BlockIP(value, reason string, ttl time.Duration) uuid.UUID {
	return r.Block(EntityIP, value, reason, ttl)
}

// BlockUser blocks a user identity. Implements the ledger's Blocker.
func (r *Registry) BlockUser(value, reason string, ttl time.Duration) uuid.UUID {
	return r.Block(EntityUser, value, reason, ttl)
}

// Sweep removes all expired records. Returns the number removed.
func (r *Registry) Sweep() int {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, entity := range r.entries {
		if entity.Expired(now) {
			delete(r.entries, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("blocklist sweep", "removed", removed, "remaining", len(r.entries))
	}
	return removed
}

// List returns a snapshot of all current block records.
func (r *Registry) List() []*BlockedEntity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*BlockedEntity, 0, len(r.entries))
	for _, entity := range r.entries {
		out = append(out, entity)
	}
	return out
}

// Stats returns registry statistics.
func (r *Registry) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byType := make(map[string]int)
	for _, entity := range r.entries {
		byType[string(entity.Type)]++
	}
	return map[string]any{
		"total":   len(r.entries),
		"by_type": byType,
	}
}

// publish mirrors a lifecycle change to the external publisher.
// Fire-and-forget: failures are logged, never surfaced to the caller.
func (r *Registry) publish(entity *BlockedEntity, revoke bool) {
	if r.publisher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var err error
		if revoke {
			err = r.publisher.Revoke(ctx, entity)
		} else {
			err = r.publisher.Publish(ctx, entity)
		}
		if err != nil {
			slog.Warn("blocklist publish failed",
				"block_id", entity.ID,
				"revoke", revoke,
				"error", err,
			)
		}
	}()
}
