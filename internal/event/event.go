// Package event defines security events and the ledger that records them.
// All detector findings are normalized to this structure before delivery.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type is the closed set of security event types.
type Type string

const (
	TypeRateLimitExceeded   Type = "rate_limit_exceeded"
	TypeFailedLoginSeries   Type = "failed_login_series"
	TypeDDoSAttempt         Type = "ddos_attempt"
	TypeSuspiciousBehavior  Type = "suspicious_behavior"
	TypePatternMatch        Type = "pattern_match"
	TypeSQLInjection        Type = "sql_injection_attempt"
	TypeXSSAttempt          Type = "xss_attempt"
	TypePathTraversal       Type = "path_traversal_attempt"
	TypeSensitiveDataAccess Type = "sensitive_data_access"
	TypeAnomalousLogin      Type = "anomalous_login"
)

// IsValid checks if the type is a known event type.
func (t Type) IsValid() bool {
	switch t {
	case TypeRateLimitExceeded, TypeFailedLoginSeries, TypeDDoSAttempt,
		TypeSuspiciousBehavior, TypePatternMatch, TypeSQLInjection,
		TypeXSSAttempt, TypePathTraversal, TypeSensitiveDataAccess,
		TypeAnomalousLogin:
		return true
	}
	return false
}

// Severity levels for events.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Score converts a severity into its base risk score contribution.
func (s Severity) Score() int {
	switch s {
	case SeverityLow:
		return 25
	case SeverityMedium:
		return 50
	case SeverityHigh:
		return 75
	case SeverityCritical:
		return 100
	default:
		return 0
	}
}

// Rank orders severities for threshold comparisons (filters, escalation).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Status represents the investigation state of an event.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusFalsePositive Status = "false_positive"
)

// Action is an automated response attached to an event.
type Action string

const (
	ActionLog        Action = "log"
	ActionAlert      Action = "alert"
	ActionBlockIP    Action = "block_ip"
	ActionBlockUser  Action = "block_user"
	ActionEscalate   Action = "escalate"
	ActionRateLimit  Action = "rate_limit"
	ActionRequire2FA Action = "require_2fa"
	ActionQuarantine Action = "quarantine"
)

// Advisory reports whether the action is recorded for the caller to enforce
// rather than executed by the ledger itself.
func (a Action) Advisory() bool {
	switch a {
	case ActionRateLimit, ActionRequire2FA, ActionQuarantine:
		return true
	}
	return false
}

// Source identifies where the triggering request originated.
type Source struct {
	IP        string `json:"ip,omitempty" validate:"omitempty,ip"`
	UserID    string `json:"user_id,omitempty" validate:"max=256"`
	UserAgent string `json:"user_agent,omitempty" validate:"max=1024"`
	Endpoint  string `json:"endpoint,omitempty" validate:"max=1024"`
}

// Details carries the human-readable finding and its evidence.
type Details struct {
	Description string         `json:"description"`
	Evidence    map[string]any `json:"evidence,omitempty"`
	RiskScore   int            `json:"risk_score"` // 0-100
}

// SecurityEvent is a single recorded security finding.
// All fields except status and resolution are immutable after creation.
type SecurityEvent struct {
	ID         uuid.UUID  `json:"id"`
	Timestamp  time.Time  `json:"timestamp"`
	Type       Type       `json:"type"`
	Severity   Severity   `json:"severity"`
	Source     Source     `json:"source"`
	Details    Details    `json:"details"`
	Actions    []Action   `json:"actions,omitempty"`
	Status     Status     `json:"status"`
	Resolution string     `json:"resolution,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// RecommendedActions maps an aggregate risk score to the response tier.
func RecommendedActions(riskScore int) []Action {
	switch {
	case riskScore >= 90:
		return []Action{ActionLog, ActionAlert, ActionBlockIP, ActionEscalate}
	case riskScore >= 70:
		return []Action{ActionLog, ActionAlert, ActionRateLimit}
	case riskScore >= 50:
		return []Action{ActionLog, ActionAlert}
	default:
		return []Action{ActionLog}
	}
}

// ClampRisk bounds a risk score to the [0,100] range.
func ClampRisk(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Recorder is the write side of the ledger, consumed by detectors.
type Recorder interface {
	Record(t Type, severity Severity, source Source, details Details, actions []Action) uuid.UUID
}

// NopRecorder discards all events. Useful for isolated unit tests.
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(Type, Severity, Source, Details, []Action) uuid.UUID {
	return uuid.Nil
}
