// Package classifier implements the Prompt Classifier (spec §4.7): a pure,
// deterministic, I/O-free scoring function over an incoming prompt's text,
// grounded on the same keyword-map-plus-weighted-score style the teacher
// uses for its rule-based routing (internal/agent/agents' permission-map
// lookups), reworked here as prose classification instead of CLI flags.
package classifier

import (
	"sort"
	"strconv"
	"strings"

	"github.com/kandev/kandev/pkg/api"
)

const baseScore = 10

// domainKeywords maps a domain tag to the keywords whose presence (as a
// case-insensitive substring) marks the prompt as touching that domain.
// Domains are iterated in this fixed order so first-match ordering for
// suggestedExperts is deterministic.
var domainOrder = []string{"frontend", "backend", "database", "infra", "security", "testing", "docs"}

var domainKeywords = map[string][]string{
	"frontend": {"ui", "frontend", "react", "component", "css", "browser"},
	"backend":  {"backend", "api", "server", "endpoint", "handler", "service"},
	"database": {"database", "sql", "query", "schema", "migration", "postgres", "sqlite"},
	"infra":    {"deploy", "docker", "kubernetes", "infra", "ci", "pipeline"},
	"security": {"security", "auth", "vulnerability", "exploit", "credential"},
	"testing":  {"test", "flaky", "coverage", "regression"},
	"docs":     {"document", "readme", "changelog"},
}

var difficultySignals = []struct {
	keywords []string
	weight   int
}{
	{[]string{"refactor"}, 25},
	{[]string{"multi-file", "across"}, 20},
	{[]string{"integration"}, 15},
	{[]string{"debug", "investigate"}, 10},
}

var implementationVerbs = []string{
	"add", "fix", "implement", "build", "create", "write", "update",
	"remove", "refactor", "migrate", "optimize", "wire", "integrate",
}

// Classify is the pure decision function (spec §4.7). available is the set
// of expert domain tags currently registered; it may be nil.
func Classify(prompt string, available []string) api.Classification {
	lower := strings.ToLower(prompt)

	var domains []string
	for _, d := range domainOrder {
		if containsAny(lower, domainKeywords[d]) {
			domains = append(domains, d)
		}
	}

	score := baseScore
	var reasons []string
	for _, sig := range difficultySignals {
		if containsAny(lower, sig.keywords) {
			score += sig.weight
			reasons = append(reasons, sig.keywords[0])
		}
	}
	if len(domains) > 1 {
		score += (len(domains) - 1) * 8
	}
	score = clamp(score, 0, 100)

	requiresDelegation := score > 50

	agents := []string{}
	if isImplementationShaped(lower, len(reasons) > 0) {
		agents = append(agents, "builder")
	}
	if score > 40 {
		agents = append(agents, "scout")
	}
	if score > 70 {
		agents = append(agents, "reviewer")
	}
	if score > 80 {
		agents = append(agents, "planner")
	}

	experts := intersectInOrder(domains, available)

	estimatedToolCalls := 2 + score/10

	return api.Classification{
		ComplexityScore:    score,
		Domains:            domains,
		EstimatedToolCalls: estimatedToolCalls,
		RequiresDelegation: requiresDelegation,
		SuggestedExperts:   experts,
		SuggestedAgents:    agents,
		Reasoning:          reasoning(score, domains, reasons),
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// isImplementationShaped distinguishes an actionable request from a pure
// question: any difficulty signal already implies action, otherwise fall
// back to scanning for an imperative verb and the absence of a bare
// question form.
func isImplementationShaped(lower string, hasSignal bool) bool {
	if hasSignal {
		return true
	}
	if containsAny(lower, implementationVerbs) {
		return true
	}
	trimmed := strings.TrimSpace(lower)
	isQuestion := strings.HasSuffix(trimmed, "?") ||
		strings.HasPrefix(trimmed, "what") ||
		strings.HasPrefix(trimmed, "why") ||
		strings.HasPrefix(trimmed, "how") ||
		strings.HasPrefix(trimmed, "is ") ||
		strings.HasPrefix(trimmed, "does ")
	return !isQuestion
}

func intersectInOrder(domains, available []string) []string {
	if len(available) == 0 {
		return []string{}
	}
	avail := make(map[string]bool, len(available))
	for _, a := range available {
		avail[a] = true
	}
	out := []string{}
	for _, d := range domains {
		if avail[d] {
			out = append(out, d)
		}
	}
	return out
}

func reasoning(score int, domains, signals []string) string {
	var b strings.Builder
	b.WriteString("score=")
	b.WriteString(strconv.Itoa(score))
	if len(domains) > 0 {
		b.WriteString(" domains=")
		b.WriteString(strings.Join(domains, ","))
	}
	if len(signals) > 0 {
		b.WriteString(" signals=")
		sorted := append([]string{}, signals...)
		sort.Strings(sorted)
		b.WriteString(strings.Join(sorted, ","))
	}
	return b.String()
}
