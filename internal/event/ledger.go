package event

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Blocker applies block actions against the entity block registry.
type Blocker interface {
	BlockIP(value, reason string, ttl time.Duration) uuid.UUID
	BlockUser(value, reason string, ttl time.Duration) uuid.UUID
}

// Notifier delivers events to the configured notification channels.
// Implementations must be asynchronous: a Notify call never blocks the
// caller on network I/O and never returns delivery failures to it.
type Notifier interface {
	Notify(ev *SecurityEvent)
	Escalate(ev *SecurityEvent, targets []string)
}

// EscalationRule forwards events of a given severity to escalation targets.
type EscalationRule struct {
	Severity Severity `yaml:"severity"`
	Targets  []string `yaml:"targets"`
	Message  string   `yaml:"message,omitempty"`
}

// LedgerConfig configures the event ledger.
type LedgerConfig struct {
	RetentionPeriod time.Duration // how long resolved events are kept
	MaxEvents       int           // hard cap on retained events
	QueueSize       int           // outbound sink channel capacity
	BlockDuration   time.Duration // ttl applied by block actions
}

// DefaultLedgerConfig returns default ledger configuration.
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		RetentionPeriod: 30 * 24 * time.Hour,
		MaxEvents:       100000,
		QueueSize:       10000,
		BlockDuration:   time.Hour,
	}
}

// Ledger records security events and executes their response actions.
// Advisory actions (rate_limit, require_2fa, quarantine) are recorded but
// enforcement is the caller's responsibility.
type Ledger struct {
	config      LedgerConfig
	events      map[uuid.UUID]*SecurityEvent
	escalations map[Severity]EscalationRule
	blocker     Blocker
	notifier    Notifier
	outCh       chan *SecurityEvent
	mu          sync.RWMutex
}

// NewLedger creates a new event ledger. Blocker and notifier may be nil,
// in which case the corresponding actions degrade to log-only.
func NewLedger(cfg LedgerConfig, blocker Blocker, notifier Notifier) *Ledger {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	return &Ledger{
		config:      cfg,
		events:      make(map[uuid.UUID]*SecurityEvent),
		escalations: make(map[Severity]EscalationRule),
		blocker:     blocker,
		notifier:    notifier,
		outCh:       make(chan *SecurityEvent, cfg.QueueSize),
	}
}

// SetEscalationRules replaces the escalation rule table.
func (l *Ledger) SetEscalationRules(rules []EscalationRule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.escalations = make(map[Severity]EscalationRule, len(rules))
	for _, r := range rules {
		l.escalations[r.Severity] = r
	}
}

// Events exposes the outbound stream consumed by persistence sinks.
func (l *Ledger) Events() <-chan *SecurityEvent {
	return l.outCh
}

// Record creates a security event, executes its actions, and publishes it
// to the sink channel. It never blocks on downstream consumers.
func (l *Ledger) Record(t Type, severity Severity, source Source, details Details, actions []Action) uuid.UUID {
	details.RiskScore = ClampRisk(details.RiskScore)

	ev := &SecurityEvent{
		ID:        uuid.New(),
		Timestamp: time.Now(),
		Type:      t,
		Severity:  severity,
		Source:    source,
		Details:   details,
		Actions:   actions,
		Status:    StatusOpen,
	}

	l.mu.Lock()
	if l.config.MaxEvents > 0 && len(l.events) >= l.config.MaxEvents {
		l.evictOldestLocked()
	}
	l.events[ev.ID] = ev
	l.mu.Unlock()

	for _, action := range actions {
		l.execute(ev, action)
	}

	select {
	case l.outCh <- ev:
	default:
		slog.Warn("event sink channel full, dropping event", "event_id", ev.ID, "type", ev.Type)
	}

	return ev.ID
}

func (l *Ledger) execute(ev *SecurityEvent, action Action) {
	switch action {
	case ActionLog:
		slog.Info("security event",
			"event_id", ev.ID,
			"type", ev.Type,
			"severity", ev.Severity,
			"risk_score", ev.Details.RiskScore,
			"ip", ev.Source.IP,
			"user_id", ev.Source.UserID,
			"description", ev.Details.Description,
		)
	case ActionAlert:
		if l.notifier != nil {
			l.notifier.Notify(ev)
		}
	case ActionBlockIP:
		if l.blocker != nil && ev.Source.IP != "" {
			l.blocker.BlockIP(ev.Source.IP, ev.Details.Description, l.config.BlockDuration)
		}
	case ActionBlockUser:
		if l.blocker != nil && ev.Source.UserID != "" {
			l.blocker.BlockUser(ev.Source.UserID, ev.Details.Description, l.config.BlockDuration)
		}
	case ActionEscalate:
		l.escalate(ev)
	default:
		if action.Advisory() {
			slog.Debug("advisory action recorded", "event_id", ev.ID, "action", action)
		} else {
			slog.Warn("unknown event action", "event_id", ev.ID, "action", action)
		}
	}
}

func (l *Ledger) escalate(ev *SecurityEvent) {
	l.mu.RLock()
	rule, ok := l.escalations[ev.Severity]
	l.mu.RUnlock()

	if !ok || len(rule.Targets) == 0 {
		slog.Debug("no escalation rule for severity", "severity", ev.Severity, "event_id", ev.ID)
		return
	}
	if l.notifier == nil {
		return
	}

	slog.Warn("escalating security event",
		"event_id", ev.ID,
		"severity", ev.Severity,
		"targets", rule.Targets,
	)
	l.notifier.Escalate(ev, rule.Targets)
}

// evictOldestLocked drops the oldest event to honor MaxEvents. Caller holds l.mu.
func (l *Ledger) evictOldestLocked() {
	var oldestID uuid.UUID
	var oldest time.Time
	for id, ev := range l.events {
		if oldest.IsZero() || ev.Timestamp.Before(oldest) {
			oldest = ev.Timestamp
			oldestID = id
		}
	}
	if oldestID != uuid.Nil {
		delete(l.events, oldestID)
	}
}

// Get retrieves an event by ID.
func (l *Ledger) Get(id uuid.UUID) (*SecurityEvent, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ev, ok := l.events[id]
	return ev, ok
}

// Resolve marks an event resolved. Resolving an already-resolved event
// (or an unknown one) returns false and has no effect.
func (l *Ledger) Resolve(id uuid.UUID, resolution, resolvedBy string) bool {
	return l.close(id, StatusResolved, resolution, resolvedBy)
}

// MarkFalsePositive closes an event as a false positive.
func (l *Ledger) MarkFalsePositive(id uuid.UUID, resolution, resolvedBy string) bool {
	return l.close(id, StatusFalsePositive, resolution, resolvedBy)
}

func (l *Ledger) close(id uuid.UUID, status Status, resolution, resolvedBy string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev, ok := l.events[id]
	if !ok {
		return false
	}
	if ev.Status == StatusResolved || ev.Status == StatusFalsePositive {
		return false
	}

	now := time.Now()
	ev.Status = status
	ev.Resolution = resolution
	ev.ResolvedBy = resolvedBy
	ev.ResolvedAt = &now
	return true
}

// SetInvestigating moves an open event into the investigating state.
func (l *Ledger) SetInvestigating(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev, ok := l.events[id]
	if !ok || ev.Status != StatusOpen {
		return false
	}
	ev.Status = StatusInvestigating
	return true
}

// Filter selects events for listing.
type Filter struct {
	Type     Type
	Severity Severity
	Status   Status
	Since    time.Time
	Limit    int
}

func (f *Filter) matches(ev *SecurityEvent) bool {
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if f.Severity != "" && ev.Severity != f.Severity {
		return false
	}
	if f.Status != "" && ev.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// List returns events matching the filter, newest first.
func (l *Ledger) List(filter Filter) []*SecurityEvent {
	l.mu.RLock()
	results := make([]*SecurityEvent, 0)
	for _, ev := range l.events {
		if filter.matches(ev) {
			results = append(results, ev)
		}
	}
	l.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		return results[i].Timestamp.After(results[j].Timestamp)
	})

	if filter.Limit > 0 && filter.Limit < len(results) {
		results = results[:filter.Limit]
	}
	return results
}

// Cleanup removes closed events older than the retention period.
// Returns the number of events removed.
func (l *Ledger) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.config.RetentionPeriod)
	removed := 0
	for id, ev := range l.events {
		if ev.Timestamp.Before(cutoff) && (ev.Status == StatusResolved || ev.Status == StatusFalsePositive) {
			delete(l.events, id)
			removed++
		}
	}
	return removed
}

// Stats returns ledger statistics.
func (l *Ledger) Stats() map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()

	byType := make(map[string]int)
	bySeverity := make(map[string]int)
	byStatus := make(map[string]int)
	for _, ev := range l.events {
		byType[string(ev.Type)]++
		bySeverity[string(ev.Severity)]++
		byStatus[string(ev.Status)]++
	}

	return map[string]any{
		"total":       len(l.events),
		"by_type":     byType,
		"by_severity": bySeverity,
		"by_status":   byStatus,
		"sink_queue":  len(l.outCh),
	}
}
