// Package intrusion evaluates weighted field-condition patterns against
// user activity and behavior-profile context.
package intrusion

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"tradesentry/internal/event"
)

// Operator is the closed set of condition operators.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpContains    Operator = "contains"
	OpRegex       Operator = "regex"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpInRange     Operator = "in_range"
)

// Input is the evaluation context a condition field resolves against.
type Input struct {
	Action              string
	Endpoint            string
	IP                  string
	UserAgent           string
	DurationMs          float64
	ProfileRiskScore    float64
	RecentActivityCount float64
}

// fieldAccessors is the closed accessor table. Unknown fields fail pattern
// registration rather than resolving to nil at evaluation time.
var fieldAccessors = map[string]func(Input) any{
	"activity.action":               func(in Input) any { return in.Action },
	"activity.endpoint":             func(in Input) any { return in.Endpoint },
	"activity.ip":                   func(in Input) any { return in.IP },
	"activity.user_agent":           func(in Input) any { return in.UserAgent },
	"activity.duration":             func(in Input) any { return in.DurationMs },
	"profile.risk_score":            func(in Input) any { return in.ProfileRiskScore },
	"profile.recent_activity_count": func(in Input) any { return in.RecentActivityCount },
}

// Condition is one weighted field test within a pattern.
type Condition struct {
	Field    string   `yaml:"field"`
	Operator Operator `yaml:"operator"`
	Value    any      `yaml:"value"`
	Weight   float64  `yaml:"weight"`

	compiled *regexp.Regexp
	accessor func(Input) any
}

// validate resolves the accessor and pre-compiles operator arguments.
func (c *Condition) validate() error {
	accessor, ok := fieldAccessors[c.Field]
	if !ok {
		return fmt.Errorf("unknown condition field: %s", c.Field)
	}
	c.accessor = accessor

	switch c.Operator {
	case OpEquals, OpContains:
		// Any scalar value works; compared as strings.
	case OpRegex:
		pattern, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("regex condition on %s requires a string value", c.Field)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid regex for %s: %w", c.Field, err)
		}
		c.compiled = re
	case OpGreaterThan, OpLessThan:
		if _, ok := toFloat64(c.Value); !ok {
			return fmt.Errorf("%s condition on %s requires a numeric value", c.Operator, c.Field)
		}
	case OpInRange:
		lo, hi, ok := rangeBounds(c.Value)
		if !ok {
			return fmt.Errorf("in_range condition on %s requires a [min, max] pair", c.Field)
		}
		if lo > hi {
			return fmt.Errorf("in_range condition on %s has min > max", c.Field)
		}
	default:
		return fmt.Errorf("invalid operator: %s", c.Operator)
	}

	if c.Weight < 0 {
		return fmt.Errorf("condition weight must not be negative")
	}
	return nil
}

// satisfied applies the operator against the resolved field value.
func (c *Condition) satisfied(in Input) bool {
	value := c.accessor(in)

	switch c.Operator {
	case OpEquals:
		return fmt.Sprintf("%v", value) == fmt.Sprintf("%v", c.Value)
	case OpContains:
		return strings.Contains(
			strings.ToLower(fmt.Sprintf("%v", value)),
			strings.ToLower(fmt.Sprintf("%v", c.Value)),
		)
	case OpRegex:
		return c.compiled.MatchString(fmt.Sprintf("%v", value))
	case OpGreaterThan:
		v, ok1 := toFloat64(value)
		threshold, ok2 := toFloat64(c.Value)
		return ok1 && ok2 && v > threshold
	case OpLessThan:
		v, ok1 := toFloat64(value)
		threshold, ok2 := toFloat64(c.Value)
		return ok1 && ok2 && v < threshold
	case OpInRange:
		v, ok := toFloat64(value)
		if !ok {
			return false
		}
		lo, hi, ok := rangeBounds(c.Value)
		return ok && v >= lo && v <= hi
	}
	return false
}

// Pattern is a named set of weighted conditions.
type Pattern struct {
	ID         string         `yaml:"id"`
	Name       string         `yaml:"name"`
	Severity   event.Severity `yaml:"severity"`
	Enabled    bool           `yaml:"enabled"`
	Conditions []Condition    `yaml:"conditions"`
}

// Validate checks the pattern definition.
func (p *Pattern) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("pattern ID is required")
	}
	if p.Name == "" {
		return fmt.Errorf("pattern name is required")
	}
	if p.Severity.Rank() == 0 {
		return fmt.Errorf("invalid severity: %s", p.Severity)
	}
	if len(p.Conditions) == 0 {
		return fmt.Errorf("pattern requires at least one condition")
	}
	for i := range p.Conditions {
		if err := p.Conditions[i].validate(); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	return nil
}

// Match is one triggered pattern.
type Match struct {
	PatternID   string         `json:"pattern_id"`
	PatternName string         `json:"pattern_name"`
	Severity    event.Severity `json:"severity"`
	RiskScore   int            `json:"risk_score"`
}

// Engine holds registered patterns and evaluates them against inputs.
type Engine struct {
	patterns   map[string]*Pattern
	matchRatio float64
	mu         sync.RWMutex
}

// DefaultMatchRatio is the fraction of conditions that must be satisfied
// for a pattern to trigger.
const DefaultMatchRatio = 0.7

// NewEngine creates an intrusion pattern engine. matchRatio <= 0 selects
// the default.
func NewEngine(matchRatio float64) *Engine {
	if matchRatio <= 0 || matchRatio > 1 {
		matchRatio = DefaultMatchRatio
	}
	return &Engine{
		patterns:   make(map[string]*Pattern),
		matchRatio: matchRatio,
	}
}

// Register validates and adds a pattern. A validation failure leaves the
// engine unchanged; the caller decides whether to surface or drop it.
func (e *Engine) Register(p *Pattern) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid intrusion pattern: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.patterns[p.ID] = p
	return nil
}

// Remove deletes a pattern by ID.
func (e *Engine) Remove(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.patterns, id)
}

// Evaluate runs every enabled pattern against the input. A pattern
// triggers when the satisfied-condition ratio reaches the match ratio;
// its score is the severity base plus the summed weights of satisfied
// conditions, clamped to 100.
func (e *Engine) Evaluate(in Input) []Match {
	e.mu.RLock()
	patterns := make([]*Pattern, 0, len(e.patterns))
	for _, p := range e.patterns {
		if p.Enabled {
			patterns = append(patterns, p)
		}
	}
	e.mu.RUnlock()

	var matches []Match
	for _, p := range patterns {
		satisfied := 0
		var weight float64
		for i := range p.Conditions {
			if p.Conditions[i].satisfied(in) {
				satisfied++
				weight += p.Conditions[i].Weight
			}
		}

		ratio := float64(satisfied) / float64(len(p.Conditions))
		if ratio < e.matchRatio {
			continue
		}

		matches = append(matches, Match{
			PatternID:   p.ID,
			PatternName: p.Name,
			Severity:    p.Severity,
			RiskScore:   event.ClampRisk(p.Severity.Score() + int(weight)),
		})
	}
	return matches
}

// Load parses patterns from YAML. Invalid patterns are skipped with a
// warning and do not abort the load.
func (e *Engine) Load(data []byte) (int, error) {
	var patterns []*Pattern
	if err := yaml.Unmarshal(data, &patterns); err != nil {
		return 0, fmt.Errorf("failed to parse intrusion patterns: %w", err)
	}

	loaded := 0
	for _, p := range patterns {
		if err := e.Register(p); err != nil {
			slog.Warn("skipping invalid intrusion pattern", "pattern_id", p.ID, "error", err)
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
		"patterns":    len(e.patterns),
		"enabled":     enabled,
		"match_ratio": e.matchRatio,
	}
}

// Fields returns the condition field names accepted by the accessor
// table, in no particular order.
func Fields() []string {
	names := make([]string, 0, len(fieldAccessors))
	for name := range fieldAccessors {
		names = append(names, name)
	}
	return names
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%f", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

// rangeBounds extracts [min, max] from a two-element slice value.
func rangeBounds(v any) (lo, hi float64, ok bool) {
	var raw []any
	switch vals := v.(type) {
	case []any:
		raw = vals
	case []float64:
		if len(vals) != 2 {
			return 0, 0, false
		}
		return vals[0], vals[1], true
	case []int:
		if len(vals) != 2 {
			return 0, 0, false
		}
		return float64(vals[0]), float64(vals[1]), true
	default:
		return 0, 0, false
	}

	if len(raw) != 2 {
		return 0, 0, false
	}
	lo, ok1 := toFloat64(raw[0])
	hi, ok2 := toFloat64(raw[1])
	return lo, hi, ok1 && ok2
}
