// Package subagent implements the Sub-agent Spawner (spec §4.9): runs one
// nested CLI invocation scoped to a task, enriching its prompt with a
// role preamble and an optional Expertise Pack, and enforcing depth ≤ 1 and
// a per-agent wall-clock soft cap. Grounded on the Process Supervisor's
// Runner/Driver/PromptBundle contract (internal/supervisor) — a sub-agent is
// just another supervised invocation, with its events re-tagged for the
// parent's Event Bus instead of a subscriber's.
package subagent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/kernelerrors"
	"github.com/kandev/kandev/internal/session"
	"github.com/kandev/kandev/internal/supervisor"
	"github.com/kandev/kandev/pkg/api"
)

// SoftCap is spec.md §5's subAgentSoftCap default. A var, not a const, so
// tests can shrink it instead of waiting out a real 90s timeout.
var SoftCap = 90 * time.Second

// SummaryCapBytes bounds a sub-agent's returned output (~500 tokens, spec's
// agentSummaryMaxTokens, at the 4-bytes-per-token accounting used
// throughout the kernel).
const SummaryCapBytes = 500 * 4

var rolePreambles = map[string]string{
	"scout":     "You are a scout sub-agent. Explore the codebase and report findings concisely; make no edits.",
	"builder":   "You are a builder sub-agent. Implement the requested change directly and report what you changed.",
	"reviewer":  "You are a reviewer sub-agent. Critically assess the change described and report defects found.",
	"planner":   "You are a planner sub-agent. Produce a short, ordered plan for the task; do not implement it.",
	"architect": "You are an architect sub-agent. Propose a structural approach for the task; do not implement it.",
}

func preambleFor(role string) string {
	if p, ok := rolePreambles[role]; ok {
		return p
	}
	return fmt.Sprintf("You are a %s-domain expert sub-agent. Apply your domain knowledge to the task below.", role)
}

// Request is one spawn call's input (spec §4.9's spawn(role, taskPrompt,
// sessionId, workDir, expertisePack?)).
type Request struct {
	Role            string
	TaskPrompt      string
	SessionID       string
	WorkDir         string
	Provider        api.Provider
	Expertise       *api.ExpertisePack
	ParentToolUseID string
	// Depth is the caller's nesting depth: 0 for the Lead Orchestrator
	// itself, 1 for a sub-agent. Spawn refuses any Depth > 0 (depth ≤ 1
	// overall, enforced by refusing to service a spawn call whose caller is
	// itself a sub-agent).
	Depth int
}

// Metrics is the per-spawn accounting returned alongside the result.
type Metrics struct {
	ToolCalls  int   `json:"toolCalls"`
	DurationMs int64 `json:"durationMs"`
	TokensUsed int   `json:"tokensUsed"`
}

// Result is spec §4.9's {agentId, output, success, metrics} return value.
type Result struct {
	AgentID string  `json:"agentId"`
	Output  string  `json:"output"`
	Success bool    `json:"success"`
	Reason  string  `json:"reason,omitempty"`
	Metrics Metrics `json:"metrics"`
}

// Spawner runs sub-agents via a supervisor.Runner and keeps the session's
// PersistedAgent records current.
type Spawner struct {
	runner supervisor.Runner
	driver func(api.Provider) supervisor.Driver
	store  *session.Store
	logger *logger.Logger
}

// New constructs a Spawner. driverFor resolves a session's provider to the
// Driver the Process Supervisor should use for the nested invocation.
func New(runner supervisor.Runner, driverFor func(api.Provider) supervisor.Driver, store *session.Store, log *logger.Logger) *Spawner {
	return &Spawner{runner: runner, driver: driverFor, store: store, logger: log.WithFields(zap.String("component", "subagent"))}
}

// Spawn runs one sub-agent to completion (or timeout/abort), forwarding
// every event it produces to emit with parentToolUseId/agentId attached.
func (s *Spawner) Spawn(ctx context.Context, req Request, emit func(api.Event)) (Result, error) {
	if req.Depth > 0 {
		return Result{}, kernelerrors.New(kernelerrors.Validation, "sub-agents may not spawn further sub-agents (depth>1)")
	}

	agentID := uuid.NewString()
	now := time.Now().UTC()
	agent := api.PersistedAgent{
		ID:        agentID,
		Type:      req.Role,
		Task:      req.TaskPrompt,
		Status:    api.AgentStatusPending,
		CreatedAt: now,
		ToolUseID: req.ParentToolUseID,
	}
	s.persist(req.SessionID, agent)

	prompt := enrichPrompt(req.Role, req.TaskPrompt, req.Expertise)
	driver := s.driver(req.Provider)

	ctx, cancel := context.WithTimeout(ctx, SoftCap)
	defer cancel()

	var mu sync.Mutex
	metrics := Metrics{}
	var outputBuilder strings.Builder
	success := false
	reason := ""
	resultSeen := false

	started := now
	startedAt := started
	agent.Status = api.AgentStatusActive
	agent.StartedAt = &startedAt
	s.persist(req.SessionID, agent)

	sink := supervisor.SinkFunc(func(ev api.Event) {
		mu.Lock()
		switch ev.Type {
		case api.EventToolUse:
			metrics.ToolCalls++
		case api.EventText:
			outputBuilder.WriteString(ev.Data)
		case api.EventResult:
			resultSeen = true
			outputBuilder.Reset()
			outputBuilder.WriteString(ev.Result)
			if ev.Usage != nil {
				metrics.TokensUsed = ev.Usage.TotalTokens
			}
		}
		mu.Unlock()

		ev.AgentID = agentID
		ev.ParentToolUseID = req.ParentToolUseID
		emit(ev)
	})

	handle, err := s.runner.Run(ctx, supervisor.PromptBundle{
		Prompt:    prompt,
		SessionID: req.SessionID,
		WorkDir:   req.WorkDir,
	}, driver, sink)
	if err != nil {
		agent.Status = api.AgentStatusFailed
		agent.Error = err.Error()
		completedAt := time.Now().UTC()
		agent.CompletedAt = &completedAt
		s.persist(req.SessionID, agent)
		return Result{AgentID: agentID, Success: false, Reason: "spawn_failed"}, nil
	}

	select {
	case <-handle.Done():
	case <-ctx.Done():
		handle.Abort()
		<-handle.Done()
		reason = "timeout"
	}

	metrics.DurationMs = time.Since(started).Milliseconds()

	mu.Lock()
	output := truncate(outputBuilder.String(), SummaryCapBytes)
	success = resultSeen && reason == ""
	mu.Unlock()

	agent.CompletedAt = timePtr(time.Now().UTC())
	if success {
		agent.Status = api.AgentStatusCompleted
		agent.Result = truncate(output, 1024)
	} else {
		agent.Status = api.AgentStatusFailed
		if reason == "" {
			reason = "no_result"
		}
		agent.Error = reason
	}
	agent.TokensUsed = metrics.TokensUsed
	s.persist(req.SessionID, agent)

	return Result{
		AgentID: agentID,
		Output:  output,
		Success: success,
		Reason:  reason,
		Metrics: metrics,
	}, nil
}

func (s *Spawner) persist(sessionID string, agent api.PersistedAgent) {
	if err := s.store.AppendAgent(sessionID, agent); err != nil {
		s.logger.WithSessionID(sessionID).Warn("failed to persist sub-agent status", zap.Error(err), zap.String("agent_id", agent.ID))
	}
}

func enrichPrompt(role, taskPrompt string, pack *api.ExpertisePack) string {
	var b strings.Builder
	b.WriteString(preambleFor(role))
	b.WriteString("\n\n")
	if pack != nil {
		if pack.MentalModel != "" {
			fmt.Fprintf(&b, "Mental model for %s:\n%s\n\n", pack.Domain, pack.MentalModel)
		}
		if len(pack.KeyFiles) > 0 {
			b.WriteString("Key files:\n")
			for _, kf := range pack.KeyFiles {
				fmt.Fprintf(&b, "- %s: %s\n", kf.Path, kf.Purpose)
			}
			b.WriteString("\n")
		}
		if len(pack.Patterns) > 0 {
			b.WriteString("Relevant patterns:\n")
			for _, p := range pack.Patterns {
				fmt.Fprintf(&b, "- %s: %s\n", p.Name, p.Example)
			}
			b.WriteString("\n")
		}
	}
	b.WriteString(taskPrompt)
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func timePtr(t time.Time) *time.Time { return &t }
