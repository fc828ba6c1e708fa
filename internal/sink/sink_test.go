package sink

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"tradesentry/internal/event"
)

type memorySink struct {
	name string
	fail bool

	mu      sync.Mutex
	written []uuid.UUID
	closed  bool
}

func (s *memorySink) Name() string { return s.name }

func (s *memorySink) Write(ev *event.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("backend unavailable")
	}
	s.written = append(s.written, ev.ID)
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

func streamEvent() *event.SecurityEvent {
	return &event.SecurityEvent{
		ID:        uuid.New(),
		Timestamp: time.Now(),
		Type:      event.TypeDDoSAttempt,
		Severity:  event.SeverityCritical,
		Source:    event.Source{IP: "203.0.113.7"},
		Details:   event.Details{Description: "flood", RiskScore: 100},
	}
}

func TestFanoutCopiesToEverySink(t *testing.T) {
	a := &memorySink{name: "a"}
	b := &memorySink{name: "b"}
	f := NewFanout([]Sink{a, b})

	events := make(chan *event.SecurityEvent, 4)
	f.Start(events)

	events <- streamEvent()
	events <- streamEvent()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.count() == 2 && b.count() == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if a.count() != 2 || b.count() != 2 {
		t.Fatalf("counts = %d/%d, want 2/2", a.count(), b.count())
	}

	f.Stop()
	if !a.closed || !b.closed {
		t.Error("Stop must close every sink")
	}
}

func TestFanoutSurvivesFailingSink(t *testing.T) {
	bad := &memorySink{name: "bad", fail: true}
	good := &memorySink{name: "good"}
	f := NewFanout([]Sink{bad, good})

	events := make(chan *event.SecurityEvent, 1)
	f.Start(events)
	defer f.Stop()

	events <- streamEvent()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if good.count() == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("healthy sink should still receive events when another fails")
}

func TestFanoutStopsOnClosedStream(t *testing.T) {
	s := &memorySink{name: "a"}
	f := NewFanout([]Sink{s})

	events := make(chan *event.SecurityEvent)
	f.Start(events)
	close(events)

	done := make(chan struct{})
	go func() {
		f.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop should return after the stream closes")
	}
}
