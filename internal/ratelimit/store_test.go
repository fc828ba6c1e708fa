package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"tradesentry/internal/event"
)

func TestCheckAllowsUpToLimit(t *testing.T) {
	s := NewStore(event.NopRecorder{})

	for i := 0; i < 5; i++ {
		res := s.Check("client-a", 5, time.Minute)
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if res.Remaining != 5-(i+1) {
			t.Errorf("request %d: expected remaining %d, got %d", i+1, 5-(i+1), res.Remaining)
		}
	}

	res := s.Check("client-a", 5, time.Minute)
	if res.Allowed {
		t.Error("request over limit should be rejected")
	}
	if res.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", res.Remaining)
	}
}

func TestCheckIsolatesKeys(t *testing.T) {
	s := NewStore(event.NopRecorder{})

	for i := 0; i < 3; i++ {
		s.Check("client-a", 3, time.Minute)
	}
	if res := s.Check("client-a", 3, time.Minute); res.Allowed {
		t.Error("client-a over limit should be rejected")
	}
	if res := s.Check("client-b", 3, time.Minute); !res.Allowed {
		t.Error("client-b should not be affected by client-a's usage")
	}
}

func TestCheckWindowReset(t *testing.T) {
	s := NewStore(event.NopRecorder{})

	window := 20 * time.Millisecond
	for i := 0; i < 2; i++ {
		s.Check("client-a", 2, window)
	}
	if res := s.Check("client-a", 2, window); res.Allowed {
		t.Fatal("third request within window should be rejected")
	}

	time.Sleep(window + 10*time.Millisecond)

	res := s.Check("client-a", 2, window)
	if !res.Allowed {
		t.Error("request after window expiry should be allowed")
	}
	if res.Remaining != 1 {
		t.Errorf("fresh window: expected remaining 1, got %d", res.Remaining)
	}
}

type countingRecorder struct {
	mu    sync.Mutex
	count int
	types []event.Type
}

func (r *countingRecorder) Record(t event.Type, _ event.Severity, _ event.Source, _ event.Details, _ []event.Action) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	r.types = append(r.types, t)
	return uuid.New()
}

func TestCheckEmitsSingleEventPerWindow(t *testing.T) {
	rec := &countingRecorder{}
	s := NewStore(rec)

	for i := 0; i < 10; i++ {
		s.Check("client-a", 2, time.Minute)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.count != 1 {
		t.Fatalf("expected exactly one event per window, got %d", rec.count)
	}
	if rec.types[0] != event.TypeRateLimitExceeded {
		t.Errorf("expected %s, got %s", event.TypeRateLimitExceeded, rec.types[0])
	}
}

func TestCheckConcurrent(t *testing.T) {
	s := NewStore(event.NopRecorder{})

	const n = 50
	allowed := make(chan bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- s.Check("client-a", n, time.Minute).Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	count := 0
	for ok := range allowed {
		if ok {
			count++
		}
	}
	if count != n {
		t.Errorf("expected all %d concurrent requests within limit to pass, got %d", n, count)
	}

	if res := s.Check("client-a", n, time.Minute); res.Allowed {
		t.Error("request past the limit should be rejected")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	s := NewStore(event.NopRecorder{})

	window := 10 * time.Millisecond
	s.Check("stale", 5, window)
	s.Check("fresh", 5, time.Minute)

	time.Sleep(3 * window)

	removed := s.Sweep()
	if removed != 1 {
		t.Errorf("expected 1 entry swept, got %d", removed)
	}

	stats := s.Stats()
	if stats.TrackedKeys != 1 {
		t.Errorf("expected 1 tracked key after sweep, got %d", stats.TrackedKeys)
	}
}
