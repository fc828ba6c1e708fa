// Package behavior profiles per-identity login and activity history and
// scores deviations from each identity's learned baseline.
package behavior

import (
	"time"

	"tradesentry/internal/event"
)

// Location is a geographic position attached to a login attempt.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Country   string  `json:"country,omitempty"`
	City      string  `json:"city,omitempty"`
}

// LoginAttempt is one recorded authentication attempt.
type LoginAttempt struct {
	Timestamp     time.Time `json:"timestamp"`
	IP            string    `json:"ip"`
	UserAgent     string    `json:"user_agent"`
	Success       bool      `json:"success"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Location      *Location `json:"location,omitempty"`
}

// UserActivity is one recorded application-level action.
type UserActivity struct {
	Timestamp    time.Time     `json:"timestamp"`
	Action       string        `json:"action"`
	Endpoint     string        `json:"endpoint"`
	IP           string        `json:"ip"`
	UserAgent    string        `json:"user_agent"`
	Duration     time.Duration `json:"duration"`
	DataAccessed []string      `json:"data_accessed,omitempty"`
}

// Anomaly is one scored deviation from an identity's baseline.
type Anomaly struct {
	Type        string         `json:"type"`
	Severity    event.Severity `json:"severity"`
	Description string         `json:"description"`
	RiskScore   int            `json:"risk_score"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Anomaly types produced by the analyzers.
const (
	AnomalyImpossibleTravel    = "impossible_travel"
	AnomalySuspiciousCountry   = "suspicious_country"
	AnomalyUnusualLoginTime    = "unusual_login_time"
	AnomalyUnknownUserAgent    = "unknown_user_agent"
	AnomalySensitiveDataAccess = "sensitive_data_access"
)

// Threat labels reported in analysis results.
const (
	ThreatExcessiveFailedLogins = "excessive_failed_logins"
	ThreatActivityBurst         = "activity_burst"
)

// Result is the outcome of a login or activity analysis.
type Result struct {
	RiskScore       int            `json:"risk_score"`
	Threats         []string       `json:"threats"`
	Anomalies       []Anomaly      `json:"anomalies"`
	Blocked         bool           `json:"blocked"`
	Recommendations []event.Action `json:"recommendations"`
}
