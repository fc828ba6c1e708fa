package event

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeBlocker struct {
	mu    sync.Mutex
	ips   []string
	users []string
}

func (b *fakeBlocker) BlockIP(value, _ string, _ time.Duration) uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ips = append(b.ips, value)
	return uuid.New()
}

func (b *fakeBlocker) BlockUser(value, _ string, _ time.Duration) uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users = append(b.users, value)
	return uuid.New()
}

type fakeNotifier struct {
	mu        sync.Mutex
	notified  []uuid.UUID
	escalated [][]string
}

func (n *fakeNotifier) Notify(ev *SecurityEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified = append(n.notified, ev.ID)
}

func (n *fakeNotifier) Escalate(_ *SecurityEvent, targets []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.escalated = append(n.escalated, targets)
}

func TestRecordStoresEvent(t *testing.T) {
	l := NewLedger(DefaultLedgerConfig(), nil, nil)

	id := l.Record(TypeSQLInjection, SeverityHigh,
		Source{IP: "203.0.113.7", Endpoint: "/api/orders"},
		Details{Description: "payload matched", RiskScore: 75},
		[]Action{ActionLog})

	ev, ok := l.Get(id)
	if !ok {
		t.Fatal("recorded event should be retrievable")
	}
	if ev.Status != StatusOpen {
		t.Errorf("new event should be open, got %s", ev.Status)
	}
	if ev.Details.RiskScore != 75 {
		t.Errorf("risk score = %d, want 75", ev.Details.RiskScore)
	}
}

func TestRecordClampsRiskScore(t *testing.T) {
	l := NewLedger(DefaultLedgerConfig(), nil, nil)

	id := l.Record(TypeDDoSAttempt, SeverityCritical, Source{IP: "x"},
		Details{RiskScore: 250}, nil)

	ev, _ := l.Get(id)
	if ev.Details.RiskScore != 100 {
		t.Errorf("risk score should clamp to 100, got %d", ev.Details.RiskScore)
	}
}

func TestRecordExecutesActions(t *testing.T) {
	blocker := &fakeBlocker{}
	notifier := &fakeNotifier{}
	l := NewLedger(DefaultLedgerConfig(), blocker, notifier)

	l.Record(TypeDDoSAttempt, SeverityCritical,
		Source{IP: "203.0.113.7", UserID: "trader-1"},
		Details{Description: "flood", RiskScore: 100},
		[]Action{ActionLog, ActionAlert, ActionBlockIP, ActionBlockUser})

	blocker.mu.Lock()
	defer blocker.mu.Unlock()
	if len(blocker.ips) != 1 || blocker.ips[0] != "203.0.113.7" {
		t.Errorf("expected IP block for 203.0.113.7, got %v", blocker.ips)
	}
	if len(blocker.users) != 1 || blocker.users[0] != "trader-1" {
		t.Errorf("expected user block for trader-1, got %v", blocker.users)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.notified) != 1 {
		t.Errorf("expected 1 notification, got %d", len(notifier.notified))
	}
}

func TestBlockActionsSkipEmptySource(t *testing.T) {
	blocker := &fakeBlocker{}
	l := NewLedger(DefaultLedgerConfig(), blocker, nil)

	l.Record(TypePatternMatch, SeverityHigh, Source{},
		Details{RiskScore: 90}, []Action{ActionBlockIP, ActionBlockUser})

	blocker.mu.Lock()
	defer blocker.mu.Unlock()
	if len(blocker.ips) != 0 || len(blocker.users) != 0 {
		t.Error("block actions without a source value must be no-ops")
	}
}

func TestEscalationRouting(t *testing.T) {
	notifier := &fakeNotifier{}
	l := NewLedger(DefaultLedgerConfig(), nil, notifier)
	l.SetEscalationRules([]EscalationRule{
		{Severity: SeverityCritical, Targets: []string{"pagerduty", "slack-sev1"}},
	})

	l.Record(TypeDDoSAttempt, SeverityCritical, Source{IP: "x"},
		Details{RiskScore: 100}, []Action{ActionEscalate})
	// No rule for high severity.
	l.Record(TypeSQLInjection, SeverityHigh, Source{IP: "x"},
		Details{RiskScore: 75}, []Action{ActionEscalate})

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.escalated) != 1 {
		t.Fatalf("expected 1 escalation, got %d", len(notifier.escalated))
	}
	if len(notifier.escalated[0]) != 2 || notifier.escalated[0][0] != "pagerduty" {
		t.Errorf("unexpected escalation targets: %v", notifier.escalated[0])
	}
}

func TestResolveLifecycle(t *testing.T) {
	l := NewLedger(DefaultLedgerConfig(), nil, nil)
	id := l.Record(TypeSQLInjection, SeverityHigh, Source{IP: "x"},
		Details{RiskScore: 75}, nil)

	if !l.SetInvestigating(id) {
		t.Error("open event should accept investigating")
	}
	if !l.Resolve(id, "confirmed and patched", "analyst-1") {
		t.Error("first resolve should succeed")
	}
	if l.Resolve(id, "again", "analyst-2") {
		t.Error("second resolve must fail")
	}
	if l.SetInvestigating(id) {
		t.Error("resolved event cannot go back to investigating")
	}

	ev, _ := l.Get(id)
	if ev.Status != StatusResolved || ev.ResolvedBy != "analyst-1" || ev.ResolvedAt == nil {
		t.Errorf("resolution fields not set: %+v", ev)
	}
}

func TestResolveUnknownID(t *testing.T) {
	l := NewLedger(DefaultLedgerConfig(), nil, nil)
	if l.Resolve(uuid.New(), "x", "y") {
		t.Error("resolving an unknown event should return false")
	}
}

func TestMarkFalsePositive(t *testing.T) {
	l := NewLedger(DefaultLedgerConfig(), nil, nil)
	id := l.Record(TypeXSSAttempt, SeverityHigh, Source{IP: "x"},
		Details{RiskScore: 75}, nil)

	if !l.MarkFalsePositive(id, "legitimate markup", "analyst-1") {
		t.Fatal("marking false positive should succeed")
	}
	ev, _ := l.Get(id)
	if ev.Status != StatusFalsePositive {
		t.Errorf("status = %s, want %s", ev.Status, StatusFalsePositive)
	}
}

func TestListFilterAndOrder(t *testing.T) {
	l := NewLedger(DefaultLedgerConfig(), nil, nil)

	l.Record(TypeSQLInjection, SeverityHigh, Source{IP: "a"}, Details{RiskScore: 75}, nil)
	time.Sleep(2 * time.Millisecond)
	l.Record(TypeXSSAttempt, SeverityHigh, Source{IP: "b"}, Details{RiskScore: 75}, nil)
	time.Sleep(2 * time.Millisecond)
	l.Record(TypeRateLimitExceeded, SeverityLow, Source{IP: "c"}, Details{RiskScore: 25}, nil)

	all := l.List(Filter{})
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].Type != TypeRateLimitExceeded {
		t.Errorf("expected newest first, got %s", all[0].Type)
	}

	high := l.List(Filter{Severity: SeverityHigh})
	if len(high) != 2 {
		t.Errorf("expected 2 high events, got %d", len(high))
	}

	limited := l.List(Filter{Limit: 1})
	if len(limited) != 1 || limited[0].Type != TypeRateLimitExceeded {
		t.Errorf("limit should keep the newest, got %v", limited)
	}
}

func TestCleanupRemovesOnlyClosedOldEvents(t *testing.T) {
	cfg := DefaultLedgerConfig()
	cfg.RetentionPeriod = time.Millisecond
	l := NewLedger(cfg, nil, nil)

	resolved := l.Record(TypeSQLInjection, SeverityHigh, Source{IP: "a"}, Details{RiskScore: 75}, nil)
	l.Resolve(resolved, "done", "analyst")
	l.Record(TypeXSSAttempt, SeverityHigh, Source{IP: "b"}, Details{RiskScore: 75}, nil)

	time.Sleep(10 * time.Millisecond)

	if removed := l.Cleanup(); removed != 1 {
		t.Errorf("expected only the resolved event removed, got %d", removed)
	}
	if _, ok := l.Get(resolved); ok {
		t.Error("resolved event past retention should be gone")
	}
}

func TestMaxEventsEvictsOldest(t *testing.T) {
	cfg := DefaultLedgerConfig()
	cfg.MaxEvents = 2
	l := NewLedger(cfg, nil, nil)

	first := l.Record(TypeSQLInjection, SeverityHigh, Source{IP: "a"}, Details{RiskScore: 75}, nil)
	time.Sleep(2 * time.Millisecond)
	l.Record(TypeXSSAttempt, SeverityHigh, Source{IP: "b"}, Details{RiskScore: 75}, nil)
	time.Sleep(2 * time.Millisecond)
	l.Record(TypePathTraversal, SeverityMedium, Source{IP: "c"}, Details{RiskScore: 50}, nil)

	if _, ok := l.Get(first); ok {
		t.Error("oldest event should be evicted at the cap")
	}
	if got := len(l.List(Filter{})); got != 2 {
		t.Errorf("expected 2 retained events, got %d", got)
	}
}

func TestEventsChannelReceivesRecords(t *testing.T) {
	l := NewLedger(DefaultLedgerConfig(), nil, nil)

	id := l.Record(TypeSQLInjection, SeverityHigh, Source{IP: "a"}, Details{RiskScore: 75}, nil)

	select {
	case ev := <-l.Events():
		if ev.ID != id {
			t.Errorf("stream delivered wrong event: %s", ev.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("recorded event should appear on the stream")
	}
}

func TestRecommendedActionTiers(t *testing.T) {
	tests := []struct {
		risk int
		want []Action
	}{
		{95, []Action{ActionLog, ActionAlert, ActionBlockIP, ActionEscalate}},
		{90, []Action{ActionLog, ActionAlert, ActionBlockIP, ActionEscalate}},
		{75, []Action{ActionLog, ActionAlert, ActionRateLimit}},
		{50, []Action{ActionLog, ActionAlert}},
		{10, []Action{ActionLog}},
	}

	for _, tt := range tests {
		got := RecommendedActions(tt.risk)
		if len(got) != len(tt.want) {
			t.Errorf("risk %d: got %v, want %v", tt.risk, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("risk %d: got %v, want %v", tt.risk, got, tt.want)
				break
			}
		}
	}
}

func TestSeverityScoreAndRank(t *testing.T) {
	tests := []struct {
		sev   Severity
		score int
		rank  int
	}{
		{SeverityLow, 25, 1},
		{SeverityMedium, 50, 2},
		{SeverityHigh, 75, 3},
		{SeverityCritical, 100, 4},
		{Severity("bogus"), 0, 0},
	}
	for _, tt := range tests {
		if got := tt.sev.Score(); got != tt.score {
			t.Errorf("%s.Score() = %d, want %d", tt.sev, got, tt.score)
		}
		if got := tt.sev.Rank(); got != tt.rank {
			t.Errorf("%s.Rank() = %d, want %d", tt.sev, got, tt.rank)
		}
	}
}
