// Package ddos tracks per-source connection pressure and flags
// denial-of-service bursts.
package ddos

import (
	"log/slog"
	"sync"
	"time"

	"tradesentry/internal/blocklist"
	"tradesentry/internal/event"
	"tradesentry/internal/guard"
)

// Config configures the detector.
type Config struct {
	Threshold           int           `yaml:"threshold"`            // requests per window that indicate an attack
	SuspiciousThreshold int           `yaml:"suspicious_threshold"` // requests per window that mark a source suspicious
	Window              time.Duration `yaml:"window"`
	MaxConcurrent       int           `yaml:"max_concurrent"`
	BlockDuration       time.Duration `yaml:"block_duration"`
	AutoBlock           bool          `yaml:"auto_block"`
	Whitelist           []string      `yaml:"whitelist"`
}

// DefaultConfig returns default detector settings.
func DefaultConfig() Config {
	return Config{
		Threshold:           1000,
		SuspiciousThreshold: 500,
		Window:              time.Minute,
		MaxConcurrent:       100,
		BlockDuration:       10 * time.Minute,
		AutoBlock:           true,
	}
}

// ConnectionInfo tracks request pressure from a single source key.
type ConnectionInfo struct {
	Key          string    `json:"key"`
	RequestCount int       `json:"request_count"`
	FirstRequest time.Time `json:"first_request"`
	LastRequest  time.Time `json:"last_request"`
	Concurrent   int       `json:"concurrent_requests"`
	Suspicious   bool      `json:"suspicious"`
	Blocked      bool      `json:"blocked"`
	BlockExpires time.Time `json:"block_expires,omitempty"`
}

// Detector watches connection rates per source and escalates attacks to
// the guard for blocking.
type Detector struct {
	config    Config
	conns     map[string]*ConnectionInfo
	whitelist map[string]bool
	recorder  event.Recorder
	guard     guard.Guard
	mu        sync.Mutex
}

// NewDetector creates a DDoS detector. The guard is required; use
// guard.Nop in isolated tests.
func NewDetector(cfg Config, recorder event.Recorder, g guard.Guard) *Detector {
	if recorder == nil {
		recorder = event.NopRecorder{}
	}
	if g == nil {
		g = guard.Nop{}
	}
	wl := make(map[string]bool, len(cfg.Whitelist))
	for _, key := range cfg.Whitelist {
		wl[key] = true
	}
	return &Detector{
		config:    cfg,
		conns:     make(map[string]*ConnectionInfo),
		whitelist: wl,
		recorder:  recorder,
		guard:     g,
	}
}

// TrackConnection registers one inbound request from key. Whitelisted
// keys are ignored entirely.
func (d *Detector) TrackConnection(key string) {
	if d.whitelist[key] {
		return
	}
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	info, ok := d.conns[key]
	if !ok || now.Sub(info.FirstRequest) > d.config.Window {
		// New source, or a stale window: start counting fresh but keep
		// concurrency and block state if the entry already existed.
		fresh := &ConnectionInfo{
			Key:          key,
			FirstRequest: now,
		}
		if ok {
			fresh.Concurrent = info.Concurrent
			fresh.Blocked = info.Blocked
			fresh.BlockExpires = info.BlockExpires
		}
		info = fresh
		d.conns[key] = info
	}

	info.RequestCount++
	info.LastRequest = now
	info.Concurrent++

	if !info.Suspicious && info.RequestCount >= d.config.SuspiciousThreshold {
		info.Suspicious = true
		d.recorder.Record(
			event.TypeSuspiciousBehavior,
			event.SeverityMedium,
			event.Source{IP: key},
			event.Details{
				Description: "elevated request rate from source",
				Evidence: map[string]any{
					"request_count": info.RequestCount,
					"window":        d.config.Window.String(),
				},
				RiskScore: 50,
			},
			[]event.Action{event.ActionLog},
		)
	}
}

// ReleaseConnection marks one request from key as finished.
func (d *Detector) ReleaseConnection(key string) {
	if d.whitelist[key] {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if info, ok := d.conns[key]; ok && info.Concurrent > 0 {
		info.Concurrent--
	}
}

// CheckForDDoS decides whether key is attacking: either the request count
// reached the threshold inside the window, or concurrency reached the
// configured maximum. Attacks emit a critical event and, with auto-block
// enabled, block the source through the guard.
func (d *Detector) CheckForDDoS(key string) bool {
	if d.whitelist[key] {
		return false
	}
	now := time.Now()

	d.mu.Lock()
	info, ok := d.conns[key]
	if !ok {
		d.mu.Unlock()
		return false
	}

	withinWindow := now.Sub(info.FirstRequest) <= d.config.Window
	attack := (withinWindow && info.RequestCount >= d.config.Threshold) ||
		(d.config.MaxConcurrent > 0 && info.Concurrent >= d.config.MaxConcurrent)
	if !attack {
		d.mu.Unlock()
		return false
	}

	alreadyBlocked := info.Blocked && info.BlockExpires.After(now)
	if d.config.AutoBlock {
		info.Blocked = true
		info.BlockExpires = now.Add(d.config.BlockDuration)
	}
	snapshot := *info
	d.mu.Unlock()

	actions := []event.Action{event.ActionLog, event.ActionAlert, event.ActionEscalate}
	d.recorder.Record(
		event.TypeDDoSAttempt,
		event.SeverityCritical,
		event.Source{IP: key},
		event.Details{
			Description: "denial-of-service attack detected",
			Evidence: map[string]any{
				"request_count":       snapshot.RequestCount,
				"concurrent_requests": snapshot.Concurrent,
				"window":              d.config.Window.String(),
			},
			RiskScore: 100,
		},
		actions,
	)

	if d.config.AutoBlock && !alreadyBlocked {
		d.guard.BlockEntity(blocklist.EntityIP, key, "ddos attack detected", d.config.BlockDuration)
	}
	return true
}

// Cleanup removes sources inactive for two windows with no in-flight
// requests. Sources under an active block are always kept.
func (d *Detector) Cleanup() int {
	now := time.Now()
	cutoff := now.Add(-2 * d.config.Window)

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for key, info := range d.conns {
		if info.Blocked && info.BlockExpires.After(now) {
			continue
		}
		if info.Concurrent == 0 && info.LastRequest.Before(cutoff) {
			delete(d.conns, key)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("ddos connection cleanup", "removed", removed, "remaining", len(d.conns))
	}
	return removed
}

// Connection returns a copy of the tracked state for key.
func (d *Detector) Connection(key string) (ConnectionInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.conns[key]
	if !ok {
		return ConnectionInfo{}, false
	}
	return *info, true
}

// Stats returns detector statistics.
func (d *Detector) Stats() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()

	suspicious, blocked := 0, 0
	for _, info := range d.conns {
		if info.Suspicious {
			suspicious++
		}
		if info.Blocked {
			blocked++
		}
	}
	return map[string]any{
		"tracked_sources": len(d.conns),
		"suspicious":      suspicious,
		"blocked":         blocked,
	}
}
