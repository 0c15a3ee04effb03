// Package orchestrator implements the Lead Orchestrator (spec §4.8):
// classification-driven plan derivation, bounded-concurrency sub-agent
// fan-out with allSettled semantics, and Markdown synthesis of the
// fanned-out results. Grounded on the teacher's bounded worker-pool
// pattern (internal/orchestrator/scheduler), reworked around
// golang.org/x/sync/errgroup's SetLimit instead of a hand-rolled semaphore.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kandev/kandev/internal/classifier"
	"github.com/kandev/kandev/internal/subagent"
	"github.com/kandev/kandev/pkg/api"
)

// MaxConcurrentAgents is spec.md §5's maxConcurrentSubAgents default.
const MaxConcurrentAgents = 4

// rolePriority orders candidate roles per spec §4.8's
// {expert-match > scout > architect > builder > reviewer > others}.
// `planner` is not named in that tuple; it is grouped alongside `architect`
// as a planning-tier role (an Open Question the spec leaves unresolved).
const (
	priorityExpert = 1
	priorityOther  = 6
)

var rolePriority = map[string]int{
	"scout":     2,
	"architect": 3,
	"planner":   3,
	"builder":   4,
	"reviewer":  5,
}

// Request is one orchestration call's input (spec §4.8).
type Request struct {
	EnrichedPrompt   string
	SessionID        string
	WorkDir          string
	Provider         api.Provider
	AvailableExperts []string
	// ExpertiseFor resolves a domain tag to its pack, or nil if none is
	// registered. May be nil.
	ExpertiseFor func(domain string) *api.ExpertisePack
}

// AgentOutcome pairs a spawned role with its result, for synthesis.
type AgentOutcome struct {
	Role   string
	Result subagent.Result
}

// Outcome is what Run returns: the synthesized text plus the data it was
// built from, for the kernel to persist and report.
type Outcome struct {
	Classification api.Classification
	Agents         []AgentOutcome
	Summary        string
	Failed         bool
}

// Orchestrator runs one leadOrchestrate=true Execution.
type Orchestrator struct {
	spawner       *subagent.Spawner
	maxConcurrent int
}

// New constructs an Orchestrator backed by spawner.
func New(spawner *subagent.Spawner) *Orchestrator {
	return &Orchestrator{spawner: spawner, maxConcurrent: MaxConcurrentAgents}
}

// Run drives one orchestration Execution end to end, emitting `orchestration`
// and `agent_event` events via emit as it progresses.
func (o *Orchestrator) Run(ctx context.Context, req Request, emit func(api.Event)) Outcome {
	classification := classifier.Classify(req.EnrichedPrompt, req.AvailableExperts)
	emit(api.Event{
		Type:           api.EventOrchestration,
		SessionID:      req.SessionID,
		SubEvent:       string(api.OrchClassified),
		Classification: &classification,
	})

	if !classification.RequiresDelegation {
		emit(api.Event{
			Type:       api.EventOrchestration,
			SessionID:  req.SessionID,
			SubEvent:   string(api.OrchCompleted),
			AgentsUsed: 0,
		})
		return Outcome{
			Classification: classification,
			Summary:        "Low complexity, handled inline. No sub-agents were required for this request.",
		}
	}

	emit(api.Event{Type: api.EventOrchestration, SessionID: req.SessionID, SubEvent: string(api.OrchExecuting)})

	roles := selectRoles(classification, o.maxConcurrent)

	outcomes := make([]AgentOutcome, len(roles))
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(o.maxConcurrent)

	for i, role := range roles {
		i, role := i, role
		grp.Go(func() error {
			emit(api.Event{
				Type:      api.EventAgentEvent,
				SessionID: req.SessionID,
				SubEvent:  string(api.AgentSpawned),
				AgentType: role,
			})

			var expertise *api.ExpertisePack
			if req.ExpertiseFor != nil {
				expertise = req.ExpertiseFor(role)
			}

			res, err := o.spawner.Spawn(gctx, subagent.Request{
				Role:       role,
				TaskPrompt: req.EnrichedPrompt,
				SessionID:  req.SessionID,
				WorkDir:    req.WorkDir,
				Provider:   req.Provider,
				Expertise:  expertise,
			}, emit)
			if err != nil {
				// allSettled: a spawn-level error is recorded as this
				// agent's failure, never short-circuits the others.
				res = subagent.Result{Success: false, Reason: "spawn_error"}
			}
			outcomes[i] = AgentOutcome{Role: role, Result: res}

			sub := api.AgentCompleted
			if !res.Success {
				sub = api.AgentFailed
			}
			emit(api.Event{
				Type:       api.EventAgentEvent,
				SessionID:  req.SessionID,
				SubEvent:   string(sub),
				AgentType:  role,
				AgentID:    res.AgentID,
				Result:     res.Output,
				ToolCalls:  res.Metrics.ToolCalls,
				DurationMs: res.Metrics.DurationMs,
			})
			return nil
		})
	}
	_ = grp.Wait() // errors are never returned from the goroutines above; allSettled by construction

	allFailed := len(outcomes) > 0
	for _, ao := range outcomes {
		if ao.Result.Success {
			allFailed = false
			break
		}
	}

	emit(api.Event{Type: api.EventOrchestration, SessionID: req.SessionID, SubEvent: string(api.OrchSynthesizing)})

	summary := synthesize(outcomes)

	doneSub := api.OrchCompleted
	if allFailed {
		doneSub = api.OrchFailed
	}
	emit(api.Event{
		Type:       api.EventOrchestration,
		SessionID:  req.SessionID,
		SubEvent:   string(doneSub),
		AgentsUsed: len(outcomes),
	})

	return Outcome{
		Classification: classification,
		Agents:         outcomes,
		Summary:        summary,
		Failed:         allFailed,
	}
}

// selectRoles picks up to max candidates from suggestedAgents ∪
// suggestedExperts, deduplicated by role and ordered by rolePriority.
func selectRoles(c api.Classification, max int) []string {
	type candidate struct {
		role     string
		priority int
	}
	seen := map[string]bool{}
	var candidates []candidate

	for _, expert := range c.SuggestedExperts {
		if seen[expert] {
			continue
		}
		seen[expert] = true
		candidates = append(candidates, candidate{role: expert, priority: priorityExpert})
	}
	for _, agent := range c.SuggestedAgents {
		if seen[agent] {
			continue
		}
		seen[agent] = true
		p, ok := rolePriority[agent]
		if !ok {
			p = priorityOther
		}
		candidates = append(candidates, candidate{role: agent, priority: p})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].priority < candidates[j].priority
	})

	if len(candidates) > max {
		candidates = candidates[:max]
	}
	roles := make([]string, len(candidates))
	for i, c := range candidates {
		roles[i] = c.role
	}
	return roles
}

func synthesize(outcomes []AgentOutcome) string {
	var b strings.Builder
	b.WriteString("## Summary\n\n")
	succeeded, failed := 0, 0
	for _, o := range outcomes {
		if o.Result.Success {
			succeeded++
		} else {
			failed++
		}
	}
	fmt.Fprintf(&b, "%d of %d sub-agents completed successfully.\n\n", succeeded, len(outcomes))

	b.WriteString("## Per-Agent Results\n\n")
	var totalTools int
	var totalDuration time.Duration
	var totalTokens int
	for _, o := range outcomes {
		status := "succeeded"
		if !o.Result.Success {
			status = "failed (" + o.Result.Reason + ")"
		}
		fmt.Fprintf(&b, "### %s — %s\n\n%s\n\n", o.Role, status, strings.TrimSpace(o.Result.Output))
		totalTools += o.Result.Metrics.ToolCalls
		totalDuration += time.Duration(o.Result.Metrics.DurationMs) * time.Millisecond
		totalTokens += o.Result.Metrics.TokensUsed
	}

	b.WriteString("## Metrics\n\n")
	fmt.Fprintf(&b, "- Tool calls: %d\n- Total duration: %s\n- Tokens used: %d\n\n", totalTools, totalDuration, totalTokens)

	if failed > 0 {
		b.WriteString("## Failures\n\n")
		for _, o := range outcomes {
			if !o.Result.Success {
				fmt.Fprintf(&b, "- %s: %s\n", o.Role, o.Result.Reason)
			}
		}
	}

	return b.String()
}
