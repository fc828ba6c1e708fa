package blocklist

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestBlockAndIsBlocked(t *testing.T) {
	r := NewRegistry(nil)

	id := r.Block(EntityIP, "203.0.113.7", "ddos", time.Hour)
	if id == uuid.Nil {
		t.Fatal("expected a block id")
	}

	if !r.IsBlocked(EntityIP, "203.0.113.7") {
		t.Error("blocked IP should report blocked")
	}
	if r.IsBlocked(EntityUser, "203.0.113.7") {
		t.Error("block must not leak across entity types")
	}
	if r.IsBlocked(EntityIP, "203.0.113.8") {
		t.Error("unrelated IP should not be blocked")
	}
}

func TestPermanentBlock(t *testing.T) {
	r := NewRegistry(nil)

	id := r.Block(EntityUser, "trader-9", "fraud", 0)
	entities := r.List()
	if len(entities) != 1 {
		t.Fatalf("expected 1 entity, got %d", len(entities))
	}
	if entities[0].ExpiresAt != nil {
		t.Error("ttl <= 0 should create a permanent block")
	}

	if !r.Unblock(id, "appeal accepted") {
		t.Error("unblock of known id should succeed")
	}
	if r.IsBlocked(EntityUser, "trader-9") {
		t.Error("unblocked user should not be blocked")
	}
}

func TestUnblockUnknownID(t *testing.T) {
	r := NewRegistry(nil)
	if r.Unblock(uuid.New(), "oops") {
		t.Error("unblock of unknown id should return false")
	}
}

func TestExpiredBlockLazyEviction(t *testing.T) {
	r := NewRegistry(nil)

	r.Block(EntityIP, "203.0.113.7", "probe", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if r.IsBlocked(EntityIP, "203.0.113.7") {
		t.Error("expired block should not report blocked")
	}
	if got := len(r.List()); got != 0 {
		t.Errorf("expired record should be evicted on read, %d remain", got)
	}
}

func TestDuplicateBlocksKeepEntityBlocked(t *testing.T) {
	r := NewRegistry(nil)

	r.Block(EntityIP, "203.0.113.7", "short", 10*time.Millisecond)
	longID := r.Block(EntityIP, "203.0.113.7", "long", time.Hour)

	time.Sleep(30 * time.Millisecond)

	if !r.IsBlocked(EntityIP, "203.0.113.7") {
		t.Error("entity should stay blocked while any record is unexpired")
	}

	r.Unblock(longID, "done")
	if r.IsBlocked(EntityIP, "203.0.113.7") {
		t.Error("entity should unblock once all records are gone")
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	r := NewRegistry(nil)

	r.Block(EntityIP, "a", "x", 10*time.Millisecond)
	r.Block(EntityIP, "b", "x", time.Hour)
	r.Block(EntityUser, "c", "x", 0)

	time.Sleep(30 * time.Millisecond)

	if removed := r.Sweep(); removed != 1 {
		t.Errorf("expected 1 record swept, got %d", removed)
	}
	if got := len(r.List()); got != 2 {
		t.Errorf("expected 2 records after sweep, got %d", got)
	}
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []string
	revoked   []string
}

func (p *recordingPublisher) Publish(_ context.Context, e *BlockedEntity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, e.Value)
	return nil
}

func (p *recordingPublisher) Revoke(_ context.Context, e *BlockedEntity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked = append(p.revoked, e.Value)
	return nil
}

func TestPublisherReceivesLifecycle(t *testing.T) {
	pub := &recordingPublisher{}
	r := NewRegistry(pub)

	id := r.Block(EntityIP, "203.0.113.7", "ddos", time.Hour)
	r.Unblock(id, "done")

	// Publishing is fire-and-forget on a goroutine.
	deadline := time.After(time.Second)
	for {
		pub.mu.Lock()
		done := len(pub.published) == 1 && len(pub.revoked) == 1
		pub.mu.Unlock()
		if done {
			return
		}
		select {
		case <-deadline:
			t.Fatal("publisher did not receive lifecycle calls in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBlockIPAndBlockUser(t *testing.T) {
	r := NewRegistry(nil)

	r.BlockIP("203.0.113.7", "payload threat", time.Hour)
	r.BlockUser("trader-9", "behavior risk", time.Hour)

	if !r.IsBlocked(EntityIP, "203.0.113.7") {
		t.Error("BlockIP should create an IP block")
	}
	if !r.IsBlocked(EntityUser, "trader-9") {
		t.Error("BlockUser should create a user block")
	}
}
