package threat

import "tradesentry/internal/event"

// BuiltinPatterns returns the default payload signatures shipped with the
// engine: SQL injection, script-tag XSS, and repeated path traversal.
func BuiltinPatterns() []*Pattern {
	return []*Pattern{
		{
			ID:   "builtin-sql-injection",
			Name: "SQL Injection",
			// Keyword and operator heuristics: quoted boolean tautologies,
			// comment markers, and statement keywords in suspicious positions.
			Pattern:  `(?i)('\s*(or|and)\s+[\w']+\s*=|union\s+select|select\s+.+\s+from\s|insert\s+into\s|drop\s+table|delete\s+from\s|;\s*--|'\s*--|\bor\b\s+\d+\s*=\s*\d+)`,
			Regex:    true,
			Severity: event.SeverityHigh,
			Category: "sql_injection",
			Enabled:  true,
			Actions:  []event.Action{event.ActionLog, event.ActionAlert},
		},
		{
			ID:       "builtin-xss-script-tag",
			Name:     "Cross-Site Scripting",
			Pattern:  `(?i)<\s*script[^>]*>`,
			Regex:    true,
			Severity: event.SeverityHigh,
			Category: "xss",
			Enabled:  true,
			Actions:  []event.Action{event.ActionLog, event.ActionAlert},
		},
		{
			ID:       "builtin-path-traversal",
			Name:     "Path Traversal",
			Pattern:  `(\.\./|\.\.\\){2,}`,
			Regex:    true,
			Severity: event.SeverityMedium,
			Category: "path_traversal",
			Enabled:  true,
			Actions:  []event.Action{event.ActionLog},
		},
	}
}
