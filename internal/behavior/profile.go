package behavior

import (
	"log/slog"
	"sync"
	"time"
)

// Baseline holds the learned "normal" attributes for an identity. It is
// replaced wholesale by periodic recomputation, never merged in place.
type Baseline struct {
	LoginHours []int           `json:"login_hours"`
	UserAgents map[string]bool `json:"user_agents"`
	Endpoints  map[string]bool `json:"endpoints"`
}

// empty reports whether the baseline has learned anything yet.
func (b *Baseline) empty() bool {
	return len(b.LoginHours) == 0 && len(b.UserAgents) == 0 && len(b.Endpoints) == 0
}

// Profile is the per-identity behavior record. Recent lists are bounded
// by the store's retention window.
type Profile struct {
	Key        string         `json:"key"`
	Baseline   Baseline       `json:"baseline"`
	Logins     []LoginAttempt `json:"logins"`
	Activities []UserActivity `json:"activities"`
	Anomalies  []Anomaly      `json:"anomalies"`
	RiskScore  int            `json:"risk_score"`
	LastSeen   time.Time      `json:"last_seen"`

	mu sync.Mutex
}

// StoreConfig configures the profile store.
type StoreConfig struct {
	TimeWindow        time.Duration // retention for recent lists
	InactivityPurge   time.Duration // drop profiles idle this long
	MinBaselineSample int           // samples needed before recompute
	RiskDecay         int           // risk points removed per maintenance sweep
}

// DefaultStoreConfig returns default store settings.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		TimeWindow:        time.Hour,
		InactivityPurge:   7 * 24 * time.Hour,
		MinBaselineSample: 10,
		RiskDecay:         5,
	}
}

// Store holds behavior profiles keyed by identity. Profiles are created
// lazily on first use and purged after the inactivity retention.
type Store struct {
	config   StoreConfig
	profiles map[string]*Profile
	mu       sync.RWMutex
}

// NewStore creates a profile store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.TimeWindow <= 0 {
		cfg.TimeWindow = time.Hour
	}
	if cfg.InactivityPurge <= 0 {
		cfg.InactivityPurge = 7 * 24 * time.Hour
	}
	if cfg.MinBaselineSample <= 0 {
		cfg.MinBaselineSample = 10
	}
	return &Store{
		config:   cfg,
		profiles: make(map[string]*Profile),
	}
}

// Get returns the profile for key, creating it on first use.
func (s *Store) Get(key string) *Profile {
	s.mu.RLock()
	p, ok := s.profiles[key]
	s.mu.RUnlock()
	if ok {
		return p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.profiles[key]; ok {
		return p
	}
	p = &Profile{
		Key: key,
		Baseline: Baseline{
			UserAgents: make(map[string]bool),
			Endpoints:  make(map[string]bool),
		},
	}
	s.profiles[key] = p
	return p
}

// Peek returns the profile for key without creating one.
func (s *Store) Peek(key string) (*Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[key]
	return p, ok
}

// AddLogin appends a login attempt and prunes the recent lists.
// The profile lock is held for the whole read-modify-write.
func (s *Store) AddLogin(key string, attempt LoginAttempt) *Profile {
	p := s.Get(key)
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Logins = append(p.Logins, attempt)
	p.LastSeen = attempt.Timestamp
	s.pruneLocked(p, attempt.Timestamp)
	return p
}

// AddActivity appends a user activity and prunes the recent lists.
func (s *Store) AddActivity(key string, activity UserActivity) *Profile {
	p := s.Get(key)
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Activities = append(p.Activities, activity)
	p.LastSeen = activity.Timestamp
	s.pruneLocked(p, activity.Timestamp)
	return p
}

// AddAnomaly appends an anomaly to the profile record.
func (s *Store) AddAnomaly(key string, anomaly Anomaly) {
	p := s.Get(key)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Anomalies = append(p.Anomalies, anomaly)
}

// pruneLocked drops recent entries older than the time window. Caller
// holds p.mu.
func (s *Store) pruneLocked(p *Profile, now time.Time) {
	cutoff := now.Add(-s.config.TimeWindow)

	logins := p.Logins[:0]
	for _, l := range p.Logins {
		if l.Timestamp.After(cutoff) {
			logins = append(logins, l)
		}
	}
	p.Logins = logins

	activities := p.Activities[:0]
	for _, a := range p.Activities {
		if a.Timestamp.After(cutoff) {
			activities = append(activities, a)
		}
	}
	p.Activities = activities

	anomalies := p.Anomalies[:0]
	for _, a := range p.Anomalies {
		if a.Timestamp.After(cutoff) {
			anomalies = append(anomalies, a)
		}
	}
	p.Anomalies = anomalies
}

// Prune applies window pruning to every profile.
func (s *Store) Prune() {
	now := time.Now()
	for _, p := range s.snapshot() {
		p.mu.Lock()
		s.pruneLocked(p, now)
		p.mu.Unlock()
	}
}

// Purge removes profiles idle beyond the inactivity retention.
// Returns the number of profiles removed.
func (s *Store) Purge() int {
	cutoff := time.Now().Add(-s.config.InactivityPurge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, p := range s.profiles {
		p.mu.Lock()
		idle := p.LastSeen.Before(cutoff)
		p.mu.Unlock()
		if idle {
			delete(s.profiles, key)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("behavior profile purge", "removed", removed, "remaining", len(s.profiles))
	}
	return removed
}

// DecayRisk lowers every profile's risk score by the configured decay.
// Scores never drop below zero.
func (s *Store) DecayRisk() {
	if s.config.RiskDecay <= 0 {
		return
	}
	for _, p := range s.snapshot() {
		p.mu.Lock()
		p.RiskScore -= s.config.RiskDecay
		if p.RiskScore < 0 {
			p.RiskScore = 0
		}
		p.mu.Unlock()
	}
}

// RecomputeBaselines rebuilds baselines for profiles with enough recent
// samples. Baselines are replaced wholesale to keep them bounded.
func (s *Store) RecomputeBaselines() int {
	recomputed := 0
	for _, p := range s.snapshot() {
		p.mu.Lock()
		if len(p.Logins)+len(p.Activities) < s.config.MinBaselineSample {
			p.mu.Unlock()
			continue
		}

		baseline := Baseline{
			UserAgents: make(map[string]bool),
			Endpoints:  make(map[string]bool),
		}
		hours := make(map[int]bool)
		for _, l := range p.Logins {
			if !l.Success {
				continue
			}
			hours[l.Timestamp.Hour()] = true
			if l.UserAgent != "" {
				baseline.UserAgents[l.UserAgent] = true
			}
		}
		for h := range hours {
			baseline.LoginHours = append(baseline.LoginHours, h)
		}
		for _, a := range p.Activities {
			if a.UserAgent != "" {
				baseline.UserAgents[a.UserAgent] = true
			}
			if a.Endpoint != "" {
				baseline.Endpoints[a.Endpoint] = true
			}
		}

		p.Baseline = baseline
		p.mu.Unlock()
		recomputed++
	}
	if recomputed > 0 {
		slog.Debug("behavior baselines recomputed", "profiles", recomputed)
	}
	return recomputed
}

// snapshot copies the profile pointers so iteration tolerates concurrent
// map mutation from the hot path.
func (s *Store) snapshot() []*Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	return out
}

// Stats returns store statistics.
func (s *Store) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	withBaseline := 0
	for _, p := range s.profiles {
		p.mu.Lock()
		if !p.Baseline.empty() {
			withBaseline++
		}
		p.mu.Unlock()
	}
	return map[string]any{
		"profiles":      len(s.profiles),
		"with_baseline": withBaseline,
	}
}
