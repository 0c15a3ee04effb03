package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/session"
	"github.com/kandev/kandev/internal/subagent"
	"github.com/kandev/kandev/internal/supervisor"
	"github.com/kandev/kandev/internal/supervisor/providers"
	"github.com/kandev/kandev/pkg/api"
)

func newTestStore(t *testing.T) *session.Store {
	t.Helper()
	st, err := session.New(t.TempDir(), logger.Default())
	require.NoError(t, err)
	return st
}

func driverFor(api.Provider) supervisor.Driver { return providers.Claude{} }

type eventRecorder struct {
	mu     sync.Mutex
	events []api.Event
}

func (r *eventRecorder) emit(ev api.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) snapshot() []api.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]api.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) typesOf(t api.EventType) []api.Event {
	var out []api.Event
	for _, ev := range r.snapshot() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func TestLowComplexityHandledInlineNoSubAgents(t *testing.T) {
	st := newTestStore(t)
	sess, err := st.Create("s", "/work", api.ProviderClaude)
	require.NoError(t, err)

	runner := supervisor.NewFakeRunner(nil)
	sp := subagent.New(runner, driverFor, st, logger.Default())
	orch := New(sp)

	rec := &eventRecorder{}
	outcome := orch.Run(context.Background(), Request{
		EnrichedPrompt: "fix typo in README",
		SessionID:      sess.ID,
		Provider:       api.ProviderClaude,
	}, rec.emit)

	require.False(t, outcome.Classification.RequiresDelegation)
	require.Empty(t, outcome.Agents)
	require.False(t, outcome.Failed)
	require.Contains(t, outcome.Summary, "handled inline")

	orchEvents := rec.typesOf(api.EventOrchestration)
	require.Len(t, orchEvents, 2)
	require.Equal(t, string(api.OrchClassified), orchEvents[0].SubEvent)
	require.Equal(t, string(api.OrchCompleted), orchEvents[1].SubEvent)
	require.Equal(t, 0, orchEvents[1].AgentsUsed)
	require.Empty(t, rec.typesOf(api.EventAgentEvent))
}

func TestParallelFanOutProducesSynthesizedSummary(t *testing.T) {
	st := newTestStore(t)
	sess, err := st.Create("s", "/work", api.ProviderClaude)
	require.NoError(t, err)

	script := supervisor.FakeScript{
		Events: []api.Event{
			{Type: api.EventText, Data: "working"},
			{Type: api.EventResult, Result: "task complete"},
			{Type: api.EventDone},
		},
	}
	runner := supervisor.NewFakeRunner(map[api.Provider]supervisor.FakeScript{api.ProviderClaude: script})
	sp := subagent.New(runner, driverFor, st, logger.Default())
	orch := New(sp)

	rec := &eventRecorder{}
	outcome := orch.Run(context.Background(), Request{
		EnrichedPrompt: "Refactor and debug the authentication integration across multiple files",
		SessionID:      sess.ID,
		Provider:       api.ProviderClaude,
	}, rec.emit)

	require.True(t, outcome.Classification.RequiresDelegation)
	require.NotEmpty(t, outcome.Agents)
	require.LessOrEqual(t, len(outcome.Agents), MaxConcurrentAgents)
	require.False(t, outcome.Failed)
	require.Contains(t, outcome.Summary, "## Summary")
	require.Contains(t, outcome.Summary, "## Per-Agent Results")
	require.Contains(t, outcome.Summary, "## Metrics")
	require.NotContains(t, outcome.Summary, "## Failures")

	spawned := rec.typesOf(api.EventAgentEvent)
	require.NotEmpty(t, spawned)
}

func TestAllSubAgentsFailingMarksOrchestrationFailed(t *testing.T) {
	st := newTestStore(t)
	sess, err := st.Create("s", "/work", api.ProviderClaude)
	require.NoError(t, err)

	script := supervisor.FakeScript{
		Events: []api.Event{{Type: api.EventError, Error: "boom"}, {Type: api.EventDone, Aborted: true}},
	}
	runner := supervisor.NewFakeRunner(map[api.Provider]supervisor.FakeScript{api.ProviderClaude: script})
	sp := subagent.New(runner, driverFor, st, logger.Default())
	orch := New(sp)

	rec := &eventRecorder{}
	outcome := orch.Run(context.Background(), Request{
		EnrichedPrompt: "Refactor and debug the authentication integration across multiple files",
		SessionID:      sess.ID,
		Provider:       api.ProviderClaude,
	}, rec.emit)

	require.True(t, outcome.Failed)
	require.Contains(t, outcome.Summary, "## Failures")
}

func TestSelectRolesDedupesAndCapsAtMax(t *testing.T) {
	c := api.Classification{
		SuggestedExperts: []string{"backend", "backend"},
		SuggestedAgents:  []string{"scout", "builder", "reviewer", "planner", "backend"},
	}
	roles := selectRoles(c, 3)
	require.Len(t, roles, 3)
	require.Equal(t, "backend", roles[0])
	require.Equal(t, "scout", roles[1])
}
