package threat

import (
	"testing"

	"github.com/google/uuid"

	"tradesentry/internal/event"
)

type capturedEvent struct {
	t      event.Type
	sev    event.Severity
	source event.Source
}

type captureRecorder struct {
	events []capturedEvent
}

func (r *captureRecorder) Record(t event.Type, sev event.Severity, source event.Source, _ event.Details, _ []event.Action) uuid.UUID {
	r.events = append(r.events, capturedEvent{t: t, sev: sev, source: source})
	return uuid.New()
}

func TestAnalyzeSQLInjection(t *testing.T) {
	e := NewEngine(event.NopRecorder{})

	tests := []struct {
		name    string
		payload string
	}{
		{"classic or bypass", "username=' OR 1=1 --"},
		{"union select", "id=1 UNION SELECT password FROM users"},
		{"drop table", "name=x'; DROP TABLE orders"},
		{"comment terminator", "q=admin'--"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Analyze(tt.payload, Context{IP: "203.0.113.7"})
			if !res.ThreatDetected {
				t.Fatalf("payload %q should be detected", tt.payload)
			}
			found := false
			for _, m := range res.Threats {
				if m.Category == "sql_injection" {
					found = true
					if m.Severity != event.SeverityHigh {
						t.Errorf("expected high severity, got %s", m.Severity)
					}
				}
			}
			if !found {
				t.Error("expected a sql_injection match")
			}
		})
	}
}

func TestAnalyzeXSSAndTraversal(t *testing.T) {
	e := NewEngine(event.NopRecorder{})

	res := e.Analyze(`comment=<script>alert(1)</script>`, Context{})
	if !res.ThreatDetected {
		t.Fatal("script tag should be detected")
	}

	res = e.Analyze(`file=../../../../etc/passwd`, Context{})
	if !res.ThreatDetected {
		t.Fatal("path traversal should be detected")
	}
	for _, m := range res.Threats {
		if m.Category == "path_traversal" && m.Severity != event.SeverityMedium {
			t.Errorf("traversal should be medium severity, got %s", m.Severity)
		}
	}
}

func TestAnalyzeCleanPayload(t *testing.T) {
	e := NewEngine(event.NopRecorder{})

	res := e.Analyze("hello world, buying 5 shares of ACME", Context{})
	if res.ThreatDetected {
		t.Errorf("clean payload flagged: %+v", res.Threats)
	}
	if res.OverallRiskScore != 0 {
		t.Errorf("clean payload should score 0, got %d", res.OverallRiskScore)
	}
	if len(res.RecommendedActions) != 1 || res.RecommendedActions[0] != event.ActionLog {
		t.Errorf("clean payload should recommend log only, got %v", res.RecommendedActions)
	}
}

func TestOverallRiskIsMaxOfMatches(t *testing.T) {
	e := NewEngine(event.NopRecorder{})

	// Triggers both SQL injection (high, 75) and traversal (medium, 50).
	res := e.Analyze("path=../../../../x' OR 1=1 --", Context{})
	if !res.ThreatDetected {
		t.Fatal("payload should be detected")
	}
	if res.OverallRiskScore != 75 {
		t.Errorf("expected overall risk 75 (max of matches), got %d", res.OverallRiskScore)
	}
}

func TestAddRemoveAndDisablePattern(t *testing.T) {
	e := NewEngine(event.NopRecorder{})

	p := &Pattern{
		ID:       "custom-1",
		Name:     "debug token leak",
		Pattern:  "X-Debug-Token",
		Severity: event.SeverityMedium,
		Category: "custom",
		Enabled:  true,
	}
	if err := e.AddPattern(p); err != nil {
		t.Fatalf("AddPattern: %v", err)
	}

	if res := e.Analyze("header X-Debug-Token: abc", Context{}); !res.ThreatDetected {
		t.Error("custom pattern should match")
	}

	if !e.SetEnabled("custom-1", false) {
		t.Fatal("SetEnabled should find the pattern")
	}
	if res := e.Analyze("header X-Debug-Token: abc", Context{}); res.ThreatDetected {
		t.Error("disabled pattern should not match")
	}

	e.RemovePattern("custom-1")
	if e.SetEnabled("custom-1", true) {
		t.Error("removed pattern should not be found")
	}
}

func TestAddPatternRejectsInvalid(t *testing.T) {
	e := NewEngine(event.NopRecorder{})

	tests := []struct {
		name    string
		pattern *Pattern
	}{
		{"missing id", &Pattern{Name: "x", Pattern: "y", Severity: event.SeverityLow}},
		{"missing expression", &Pattern{ID: "a", Name: "x", Severity: event.SeverityLow}},
		{"bad severity", &Pattern{ID: "a", Name: "x", Pattern: "y", Severity: "urgent"}},
		{"bad regex", &Pattern{ID: "a", Name: "x", Pattern: "([", Regex: true, Severity: event.SeverityLow}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := e.AddPattern(tt.pattern); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadPatternsSkipsInvalid(t *testing.T) {
	e := NewEngine(event.NopRecorder{})

	data := []byte(`
- id: warmup-probe
  name: scanner user agent
  pattern: sqlmap
  severity: low
  category: recon
  enabled: true
- id: ""
  name: broken
  pattern: x
  severity: low
`)
	n, err := e.LoadPatterns(data)
	if err != nil {
		t.Fatalf("LoadPatterns: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pattern loaded, got %d", n)
	}
	if res := e.Analyze("User-Agent: sqlmap/1.7", Context{}); !res.ThreatDetected {
		t.Error("loaded pattern should match")
	}
}

func TestAnalyzeRecordsEvents(t *testing.T) {
	rec := &captureRecorder{}
	e := NewEngine(rec)

	e.Analyze("' OR 1=1 --", Context{IP: "203.0.113.7", Endpoint: "/api/orders"})

	if len(rec.events) == 0 {
		t.Fatal("expected a recorded event")
	}
	got := rec.events[0]
	if got.t != event.TypeSQLInjection {
		t.Errorf("expected %s, got %s", event.TypeSQLInjection, got.t)
	}
	if got.source.IP != "203.0.113.7" {
		t.Errorf("event should carry the request IP, got %q", got.source.IP)
	}
}
