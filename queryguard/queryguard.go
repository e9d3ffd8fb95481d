// Package queryguard validates the fixed SELECT text configured for each
// table at startup. There is no per-request SQL in this system — every
// table's query is baked into configuration once — so validation happens
// exactly once per table, not per fetch.
package queryguard

import (
	"fmt"
	"regexp"
	"strings"
)

// allowedCommands is the read-only command whitelist; spec.md §1's
// Non-goal (no writes, no mutations) rules out DML/DDL/stored-procedure
// allowances outright rather than making them configurable.
var allowedCommands = map[string]bool{
	"SELECT":   true,
	"SHOW":     true,
	"DESCRIBE": true,
	"EXPLAIN":  true,
}

// suspiciousPatterns catch stacked statements and comment-terminator
// tricks that have no business in an operator-authored, fixed SELECT.
var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i);\s*(select|insert|update|delete|drop|create|alter)\b`),
	regexp.MustCompile(`(?i)\b(insert|update|delete|drop|truncate|alter|create|grant|revoke)\b`),
	regexp.MustCompile(`(?i)\b(load_file|into\s+outfile|into\s+dumpfile)\b`),
	regexp.MustCompile(`(?i)\b(exec|execute|sp_executesql)\s*\(`),
	regexp.MustCompile(`(--|#|/\*|\*/)`),
}

// MaxQueryLength bounds the configured SELECT text; an operator-authored
// query this long is almost certainly a mistake.
const MaxQueryLength = 10000

// Stats counts how many configured queries were validated and how many of
// those were rejected, as returned by Guard.Stats.
type Stats struct {
	Validated int
	Rejected  int
}

// Guard validates a set of configured queries and accumulates Stats.
type Guard struct {
	stats Stats
}

// New constructs an empty Guard.
func New() *Guard { return &Guard{} }

// Validate checks one table's configured query text, returning an error
// describing why it was rejected. A table that fails validation is a
// startup-time configuration error (spec.md §7's RefreshFailure class, but
// at load time rather than at a refresh tick — the frozen config is
// rejected before the core ever sees it).
func (g *Guard) Validate(tableName, query string) error {
	g.stats.Validated++

	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		g.stats.Rejected++
		return fmt.Errorf("queryguard: table %q: empty query", tableName)
	}
	if len(query) > MaxQueryLength {
		g.stats.Rejected++
		return fmt.Errorf("queryguard: table %q: query exceeds %d characters", tableName, MaxQueryLength)
	}

	cmd := leadingCommand(trimmed)
	if !allowedCommands[cmd] {
		g.stats.Rejected++
		return fmt.Errorf("queryguard: table %q: command %q is not allowed, only SELECT/SHOW/DESCRIBE/EXPLAIN", tableName, cmd)
	}

	for i, re := range suspiciousPatterns {
		if re.MatchString(query) {
			g.stats.Rejected++
			return fmt.Errorf("queryguard: table %q: matched suspicious pattern %d", tableName, i+1)
		}
	}

	if !balancedParens(query) {
		g.stats.Rejected++
		return fmt.Errorf("queryguard: table %q: unbalanced parentheses", tableName)
	}

	return nil
}

// Stats returns the accumulated validation counters.
func (g *Guard) Stats() Stats { return g.stats }

func leadingCommand(trimmed string) string {
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

func balancedParens(query string) bool {
	depth := 0
	for _, r := range query {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}
