package behavior

import (
	"fmt"
	"log/slog"
	"time"

	"tradesentry/internal/blocklist"
	"tradesentry/internal/event"
	"tradesentry/internal/guard"
	"tradesentry/internal/intrusion"
)

// Config configures the behavior detector.
type Config struct {
	Store    StoreConfig
	Analyzer AnalyzerConfig

	FailedLoginThreshold int           // failed logins in window before escalation
	ActivityBurst        int           // activities in window considered a burst
	BlockThreshold       int           // risk score at which the identity is blocked
	AutoBlock            bool          // block the identity when threshold is reached
	BlockDuration        time.Duration // ttl for automatic blocks
}

// DefaultConfig returns default behavior detector settings.
func DefaultConfig() Config {
	return Config{
		Store:                DefaultStoreConfig(),
		Analyzer:             DefaultAnalyzerConfig(),
		FailedLoginThreshold: 5,
		ActivityBurst:        100,
		BlockThreshold:       80,
		AutoBlock:            true,
		BlockDuration:        time.Hour,
	}
}

// Detector analyzes login attempts and user activity against per-identity
// profiles and records security events for deviations.
type Detector struct {
	config    Config
	store     *Store
	intrusion *intrusion.Engine
	recorder  event.Recorder
	guard     guard.Guard
}

// NewDetector creates a behavior detector. A nil intrusion engine
// disables pattern evaluation; nil recorder and guard select no-ops.
func NewDetector(cfg Config, engine *intrusion.Engine, recorder event.Recorder, g guard.Guard) *Detector {
	if cfg.FailedLoginThreshold <= 0 {
		cfg.FailedLoginThreshold = 5
	}
	if cfg.ActivityBurst <= 0 {
		cfg.ActivityBurst = 100
	}
	if cfg.BlockThreshold <= 0 {
		cfg.BlockThreshold = 80
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = time.Hour
	}
	if recorder == nil {
		recorder = event.NopRecorder{}
	}
	if g == nil {
		g = guard.Nop{}
	}
	return &Detector{
		config:    cfg,
		store:     NewStore(cfg.Store),
		intrusion: engine,
		recorder:  recorder,
		guard:     g,
	}
}

// Store exposes the profile store for maintenance scheduling.
func (d *Detector) Store() *Store { return d.store }

// AnalyzeLoginAttempt records the attempt on the identity's profile and
// scores it against the baseline. The returned risk score is the sum of
// the triggered analyzers plus any failed-login escalation, clamped to
// 0-100.
func (d *Detector) AnalyzeLoginAttempt(userID string, attempt LoginAttempt) Result {
	if attempt.Timestamp.IsZero() {
		attempt.Timestamp = time.Now()
	}
	p := d.store.AddLogin(userID, attempt)

	var result Result

	p.mu.Lock()
	// The failed-login series only escalates on a failure; a later
	// successful login does not re-trigger it.
	failed := 0
	if !attempt.Success {
		for _, l := range p.Logins {
			if !l.Success {
				failed++
			}
		}
	}

	var anomalies []Anomaly
	if a := checkImpossibleTravel(d.config.Analyzer, p, attempt); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := checkSuspiciousCountry(d.config.Analyzer, attempt); a != nil {
		anomalies = append(anomalies, *a)
	}
	if attempt.Success {
		if a := checkLoginTime(d.config.Analyzer, p, attempt); a != nil {
			anomalies = append(anomalies, *a)
		}
		if a := checkUserAgent(p, attempt.UserAgent, attempt.Timestamp); a != nil {
			anomalies = append(anomalies, *a)
		}
	}
	p.Anomalies = append(p.Anomalies, anomalies...)

	risk := 0
	for _, a := range anomalies {
		risk += a.RiskScore
	}
	if failed >= d.config.FailedLoginThreshold {
		risk += 60
		result.Threats = append(result.Threats, ThreatExcessiveFailedLogins)
	}

	p.RiskScore = event.ClampRisk(p.RiskScore + risk)
	profileRisk := p.RiskScore
	p.mu.Unlock()

	source := event.Source{IP: attempt.IP, UserID: userID, UserAgent: attempt.UserAgent}

	if failed >= d.config.FailedLoginThreshold {
		d.recorder.Record(event.TypeFailedLoginSeries, event.SeverityHigh, source,
			event.Details{
				Description: fmt.Sprintf("%d failed logins within %s", failed, d.config.Store.TimeWindow),
				Evidence:    map[string]any{"failed_count": failed},
				RiskScore:   event.ClampRisk(risk),
			},
			event.RecommendedActions(profileRisk))
	}
	for _, a := range anomalies {
		d.recordAnomaly(source, a)
	}

	result.Anomalies = anomalies
	result.RiskScore = event.ClampRisk(risk)
	result.Recommendations = event.RecommendedActions(profileRisk)

	if profileRisk >= d.config.BlockThreshold && d.config.AutoBlock {
		result.Blocked = true
		d.guard.BlockEntity(blocklist.EntityUser, userID,
			fmt.Sprintf("behavior risk score %d", profileRisk), d.config.BlockDuration)
		slog.Warn("identity blocked by behavior analysis",
			"user_id", userID, "risk_score", profileRisk)
	}
	return result
}

// AnalyzeUserActivity records the activity on the identity's profile,
// runs the activity analyzers, and evaluates registered intrusion
// patterns against it.
func (d *Detector) AnalyzeUserActivity(userID string, activity UserActivity) Result {
	if activity.Timestamp.IsZero() {
		activity.Timestamp = time.Now()
	}
	p := d.store.AddActivity(userID, activity)

	var result Result

	p.mu.Lock()
	recent := len(p.Activities)

	var anomalies []Anomaly
	if a := checkUserAgent(p, activity.UserAgent, activity.Timestamp); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := checkSensitiveData(d.config.Analyzer, activity); a != nil {
		anomalies = append(anomalies, *a)
	}
	p.Anomalies = append(p.Anomalies, anomalies...)

	risk := 0
	for _, a := range anomalies {
		risk += a.RiskScore
	}

	burst := recent >= d.config.ActivityBurst
	if burst {
		risk += 40
		result.Threats = append(result.Threats, ThreatActivityBurst)
	}

	// Pattern matches count toward the profile risk, so evaluate them
	// before the score is finalized for the block decision.
	var matches []intrusion.Match
	if d.intrusion != nil {
		matches = d.intrusion.Evaluate(intrusion.Input{
			Action:              activity.Action,
			Endpoint:            activity.Endpoint,
			IP:                  activity.IP,
			UserAgent:           activity.UserAgent,
			DurationMs:          float64(activity.Duration.Milliseconds()),
			ProfileRiskScore:    float64(event.ClampRisk(p.RiskScore + risk)),
			RecentActivityCount: float64(recent),
		})
		for _, m := range matches {
			risk += m.RiskScore
			result.Threats = append(result.Threats, m.PatternName)
		}
	}

	p.RiskScore = event.ClampRisk(p.RiskScore + risk)
	profileRisk := p.RiskScore
	p.mu.Unlock()

	source := event.Source{
		IP:        activity.IP,
		UserID:    userID,
		UserAgent: activity.UserAgent,
		Endpoint:  activity.Endpoint,
	}

	if burst {
		d.recorder.Record(event.TypeSuspiciousBehavior, event.SeverityMedium, source,
			event.Details{
				Description: fmt.Sprintf("%d actions within %s", recent, d.config.Store.TimeWindow),
				Evidence:    map[string]any{"activity_count": recent},
				RiskScore:   40,
			},
			event.RecommendedActions(profileRisk))
	}
	for _, a := range anomalies {
		d.recordAnomaly(source, a)
	}
	for _, m := range matches {
		d.recorder.Record(event.TypePatternMatch, m.Severity, source,
			event.Details{
				Description: fmt.Sprintf("intrusion pattern matched: %s", m.PatternName),
				Evidence:    map[string]any{"pattern_id": m.PatternID},
				RiskScore:   m.RiskScore,
			},
			event.RecommendedActions(m.RiskScore))
	}

	result.Anomalies = anomalies
	result.RiskScore = event.ClampRisk(risk)
	result.Recommendations = event.RecommendedActions(profileRisk)

	if profileRisk >= d.config.BlockThreshold && d.config.AutoBlock {
		result.Blocked = true
		d.guard.BlockEntity(blocklist.EntityUser, userID,
			fmt.Sprintf("behavior risk score %d", profileRisk), d.config.BlockDuration)
		slog.Warn("identity blocked by behavior analysis",
			"user_id", userID, "risk_score", profileRisk)
	}
	return result
}

// recordAnomaly maps an anomaly to its security event type and records it.
func (d *Detector) recordAnomaly(source event.Source, a Anomaly) {
	t := event.TypeSuspiciousBehavior
	switch a.Type {
	case AnomalyImpossibleTravel, AnomalySuspiciousCountry, AnomalyUnusualLoginTime, AnomalyUnknownUserAgent:
		t = event.TypeAnomalousLogin
	case AnomalySensitiveDataAccess:
		t = event.TypeSensitiveDataAccess
	}
	d.recorder.Record(t, a.Severity, source,
		event.Details{
			Description: a.Description,
			Evidence:    map[string]any{"anomaly_type": a.Type},
			RiskScore:   a.RiskScore,
		},
		event.RecommendedActions(a.RiskScore))
}
