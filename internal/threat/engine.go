// Package threat scans untrusted payloads against known attack patterns.
package threat

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"tradesentry/internal/event"
)

// Pattern describes one payload signature. Pattern is interpreted as a
// regular expression when Regex is true, otherwise as a case-insensitive
// substring.
type Pattern struct {
	ID       string         `yaml:"id"`
	Name     string         `yaml:"name"`
	Pattern  string         `yaml:"pattern"`
	Regex    bool           `yaml:"regex"`
	Severity event.Severity `yaml:"severity"`
	Category string         `yaml:"category"`
	Enabled  bool           `yaml:"enabled"`
	Actions  []event.Action `yaml:"actions,omitempty"`

	compiled *regexp.Regexp
}

// Validate checks the pattern definition and compiles its regex.
func (p *Pattern) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("pattern ID is required")
	}
	if p.Name == "" {
		return fmt.Errorf("pattern name is required")
	}
	if p.Pattern == "" {
		return fmt.Errorf("pattern expression is required")
	}
	if p.Severity.Rank() == 0 {
		return fmt.Errorf("invalid severity: %s", p.Severity)
	}
	if p.Regex {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return fmt.Errorf("invalid pattern regex: %w", err)
		}
		p.compiled = re
	}
	return nil
}

func (p *Pattern) matches(payload string) bool {
	if p.Regex {
		return p.compiled.MatchString(payload)
	}
	return strings.Contains(strings.ToLower(payload), strings.ToLower(p.Pattern))
}

// categoryEventTypes maps pattern categories to ledger event types.
var categoryEventTypes = map[string]event.Type{
	"sql_injection":  event.TypeSQLInjection,
	"xss":            event.TypeXSSAttempt,
	"path_traversal": event.TypePathTraversal,
}

func eventTypeForCategory(category string) event.Type {
	if t, ok := categoryEventTypes[category]; ok {
		return t
	}
	return event.TypePatternMatch
}

// Context identifies the request a payload arrived on.
type Context struct {
	IP        string
	UserID    string
	UserAgent string
	Endpoint  string
}

// Match is one pattern hit inside an analysis result.
type Match struct {
	PatternID   string         `json:"pattern_id"`
	PatternName string         `json:"pattern_name"`
	Category    string         `json:"category"`
	Severity    event.Severity `json:"severity"`
	RiskScore   int            `json:"risk_score"`
}

// Result is the outcome of a payload scan.
type Result struct {
	ThreatDetected     bool           `json:"threat_detected"`
	Threats            []Match        `json:"threats"`
	OverallRiskScore   int            `json:"overall_risk_score"`
	RecommendedActions []event.Action `json:"recommended_actions"`
}

// Engine evaluates payloads against registered patterns.
type Engine struct {
	patterns map[string]*Pattern
	recorder event.Recorder
	mu       sync.RWMutex
}

// NewEngine creates a threat engine preloaded with the builtin patterns.
func NewEngine(recorder event.Recorder) *Engine {
	if recorder == nil {
		recorder = event.NopRecorder{}
	}
	e := &Engine{
		patterns: make(map[string]*Pattern),
		recorder: recorder,
	}
	for _, p := range BuiltinPatterns() {
		if err := e.AddPattern(p); err != nil {
			// Builtins are compile-time constants; a failure here is a bug.
			panic(fmt.Sprintf("builtin threat pattern %q invalid: %v", p.ID, err))
		}
	}
	return e
}

// AddPattern validates and registers a pattern. Invalid patterns are
// rejected, never silently disabled.
func (e *Engine) AddPattern(p *Pattern) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.patterns[p.ID] = p
	return nil
}

// RemovePattern removes a pattern by ID.
func (e *Engine) RemovePattern(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.patterns, id)
}

// SetEnabled toggles a pattern. Returns false for unknown IDs.
func (e *Engine) SetEnabled(id string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.patterns[id]
	if !ok {
		return false
	}
	p.Enabled = enabled
	return true
}

// Analyze scans payload against every enabled pattern. Each hit records a
// security event; the overall risk score is the maximum of all hits.
func (e *Engine) Analyze(payload string, ctx Context) Result {
	e.mu.RLock()
	patterns := make([]*Pattern, 0, len(e.patterns))
	for _, p := range e.patterns {
		if p.Enabled {
			patterns = append(patterns, p)
		}
	}
	e.mu.RUnlock()

	result := Result{Threats: []Match{}}

	for _, p := range patterns {
		if !p.matches(payload) {
			continue
		}

		score := p.Severity.Score()
		result.Threats = append(result.Threats, Match{
			PatternID:   p.ID,
			PatternName: p.Name,
			Category:    p.Category,
			Severity:    p.Severity,
			RiskScore:   score,
		})
		if score > result.OverallRiskScore {
			result.OverallRiskScore = score
		}

		evidence := map[string]any{
			"pattern_id": p.ID,
			"category":   p.Category,
			"payload":    truncate(payload, 512),
		}
		e.recorder.Record(
			eventTypeForCategory(p.Category),
			p.Severity,
			event.Source{IP: ctx.IP, UserID: ctx.UserID, UserAgent: ctx.UserAgent, Endpoint: ctx.Endpoint},
			event.Details{
				Description: fmt.Sprintf("payload matched threat pattern %q", p.Name),
				Evidence:    evidence,
				RiskScore:   score,
			},
			p.Actions,
		)
	}

	result.ThreatDetected = len(result.Threats) > 0
	result.RecommendedActions = event.RecommendedActions(result.OverallRiskScore)
	return result
}

// LoadPatterns parses patterns from YAML and registers them. Patterns that
// fail validation are skipped with a warning; valid ones still load.
func (e *Engine) LoadPatterns(data []byte) (int, error) {
	var patterns []*Pattern
	if err := yaml.Unmarshal(data, &patterns); err != nil {
		return 0, fmt.Errorf("failed to parse threat patterns: %w", err)
	}

	loaded := 0
	for _, p := range patterns {
		if err := e.AddPattern(p); err != nil {
			slog.Warn("skipping invalid threat pattern", "pattern_id", p.ID, "error", err)
			continue
		}
		loaded++
	}
	return loaded, nil
}

// Stats returns engine statistics.
func (e *Engine) Stats() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()

	enabled := 0
	for _, p := range e.patterns {
		if p.Enabled {
			enabled++
		}
	}
	return map[string]any{
		"patterns": len(e.patterns),
		"enabled":  enabled,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
