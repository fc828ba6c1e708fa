package intrusion

import (
	"testing"

	"tradesentry/internal/event"
)

func threePatternConditions() []Condition {
	return []Condition{
		{Field: "activity.action", Operator: OpEquals, Value: "export", Weight: 10},
		{Field: "activity.endpoint", Operator: OpContains, Value: "/admin", Weight: 10},
		{Field: "profile.risk_score", Operator: OpGreaterThan, Value: 50, Weight: 20},
	}
}

func TestEvaluateMatchRatio(t *testing.T) {
	e := NewEngine(0.7)
	err := e.Register(&Pattern{
		ID:         "exfil",
		Name:       "admin data exfiltration",
		Severity:   event.SeverityHigh,
		Enabled:    true,
		Conditions: threePatternConditions(),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// 2 of 3 conditions satisfied: 66% is below the 70% ratio.
	partial := Input{Action: "export", Endpoint: "/admin/users", ProfileRiskScore: 10}
	if matches := e.Evaluate(partial); len(matches) != 0 {
		t.Errorf("66%% satisfaction should not trigger, got %d matches", len(matches))
	}

	// All 3 satisfied.
	full := Input{Action: "export", Endpoint: "/admin/users", ProfileRiskScore: 60}
	matches := e.Evaluate(full)
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	m := matches[0]
	if m.PatternID != "exfil" {
		t.Errorf("unexpected pattern: %s", m.PatternID)
	}
	// high base 75 + weights 40 = 115, clamped.
	if m.RiskScore != 100 {
		t.Errorf("expected clamped risk 100, got %d", m.RiskScore)
	}
}

func TestEvaluateCustomRatio(t *testing.T) {
	e := NewEngine(0.5)
	if err := e.Register(&Pattern{
		ID:         "exfil",
		Name:       "admin data exfiltration",
		Severity:   event.SeverityLow,
		Enabled:    true,
		Conditions: threePatternConditions(),
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// 2 of 3 satisfied reaches a 0.5 ratio. low base 25 + weights 20.
	matches := e.Evaluate(Input{Action: "export", Endpoint: "/admin/users"})
	if len(matches) != 1 {
		t.Fatalf("expected 1 match at 0.5 ratio, got %d", len(matches))
	}
	if matches[0].RiskScore != 45 {
		t.Errorf("expected risk 45, got %d", matches[0].RiskScore)
	}
}

func TestRegisterRejectsUnknownField(t *testing.T) {
	e := NewEngine(0)
	err := e.Register(&Pattern{
		ID:       "bad",
		Name:     "bad field",
		Severity: event.SeverityLow,
		Enabled:  true,
		Conditions: []Condition{
			{Field: "activity.shoe_size", Operator: OpEquals, Value: "44"},
		},
	})
	if err == nil {
		t.Fatal("unknown condition field should fail registration")
	}
}

func TestRegisterRejectsBadOperatorArguments(t *testing.T) {
	tests := []struct {
		name string
		cond Condition
	}{
		{"bad regex", Condition{Field: "activity.endpoint", Operator: OpRegex, Value: "(["}},
		{"non-numeric greater_than", Condition{Field: "activity.duration", Operator: OpGreaterThan, Value: "fast"}},
		{"in_range scalar", Condition{Field: "activity.duration", Operator: OpInRange, Value: 5}},
		{"in_range inverted", Condition{Field: "activity.duration", Operator: OpInRange, Value: []any{10, 1}}},
		{"negative weight", Condition{Field: "activity.action", Operator: OpEquals, Value: "x", Weight: -1}},
		{"unknown operator", Condition{Field: "activity.action", Operator: "matches", Value: "x"}},
	}

	e := NewEngine(0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Register(&Pattern{
				ID:         "p",
				Name:       "p",
				Severity:   event.SeverityLow,
				Enabled:    true,
				Conditions: []Condition{tt.cond},
			})
			if err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestOperators(t *testing.T) {
	in := Input{
		Action:              "login",
		Endpoint:            "/api/v1/orders",
		IP:                  "203.0.113.7",
		UserAgent:           "curl/8.1",
		DurationMs:          1500,
		ProfileRiskScore:    42,
		RecentActivityCount: 7,
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals hit", Condition{Field: "activity.action", Operator: OpEquals, Value: "login"}, true},
		{"equals miss", Condition{Field: "activity.action", Operator: OpEquals, Value: "logout"}, false},
		{"contains case-insensitive", Condition{Field: "activity.user_agent", Operator: OpContains, Value: "CURL"}, true},
		{"regex", Condition{Field: "activity.endpoint", Operator: OpRegex, Value: `^/api/v\d+/`}, true},
		{"greater_than hit", Condition{Field: "activity.duration", Operator: OpGreaterThan, Value: 1000}, true},
		{"greater_than boundary", Condition{Field: "activity.duration", Operator: OpGreaterThan, Value: 1500}, false},
		{"less_than", Condition{Field: "profile.risk_score", Operator: OpLessThan, Value: 50}, true},
		{"in_range inclusive", Condition{Field: "profile.recent_activity_count", Operator: OpInRange, Value: []any{7, 10}}, true},
		{"in_range miss", Condition{Field: "profile.recent_activity_count", Operator: OpInRange, Value: []any{8, 10}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cond.validate(); err != nil {
				t.Fatalf("validate: %v", err)
			}
			if got := tt.cond.satisfied(in); got != tt.want {
				t.Errorf("satisfied() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadSkipsInvalidPatterns(t *testing.T) {
	e := NewEngine(0)

	data := []byte(`
- id: burst
  name: request burst
  severity: medium
  enabled: true
  conditions:
    - field: profile.recent_activity_count
      operator: greater_than
      value: 100
      weight: 15
- id: broken
  name: bad field
  severity: low
  enabled: true
  conditions:
    - field: nope
      operator: equals
      value: x
`)
	n, err := e.Load(data)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pattern loaded, got %d", n)
	}

	matches := e.Evaluate(Input{RecentActivityCount: 150})
	if len(matches) != 1 {
		t.Fatalf("expected loaded pattern to trigger, got %d matches", len(matches))
	}
	// medium base 50 + weight 15.
	if matches[0].RiskScore != 65 {
		t.Errorf("expected risk 65, got %d", matches[0].RiskScore)
	}
}

func TestDisabledPatternIgnored(t *testing.T) {
	e := NewEngine(0)
	if err := e.Register(&Pattern{
		ID:       "off",
		Name:     "disabled",
		Severity: event.SeverityLow,
		Enabled:  false,
		Conditions: []Condition{
			{Field: "activity.action", Operator: OpEquals, Value: "login"},
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if matches := e.Evaluate(Input{Action: "login"}); len(matches) != 0 {
		t.Errorf("disabled pattern should not trigger, got %d matches", len(matches))
	}
}
