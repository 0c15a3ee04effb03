package subagent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/session"
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

func collectEvents() (func(api.Event), func() []api.Event) {
	var mu sync.Mutex
	var events []api.Event
	emit := func(ev api.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	}
	snapshot := func() []api.Event {
		mu.Lock()
		defer mu.Unlock()
		out := make([]api.Event, len(events))
		copy(out, events)
		return out
	}
	return emit, snapshot
}

func TestSpawnSuccessRecordsResultAndUpdatesAgent(t *testing.T) {
	st := newTestStore(t)
	sess, err := st.Create("s", "/work", api.ProviderClaude)
	require.NoError(t, err)

	script := supervisor.FakeScript{
		Events: []api.Event{
			{Type: api.EventText, Data: "working"},
			{Type: api.EventToolUse, ToolUseID: "t1"},
			{Type: api.EventToolResult, ToolUseID: "t1"},
			{Type: api.EventResult, Result: "done with the task", Usage: &api.Usage{TotalTokens: 50}},
			{Type: api.EventDone},
		},
	}
	runner := supervisor.NewFakeRunner(map[api.Provider]supervisor.FakeScript{api.ProviderClaude: script})
	sp := New(runner, driverFor, st, logger.Default())

	emit, snapshot := collectEvents()
	res, err := sp.Spawn(context.Background(), Request{
		Role:            "builder",
		TaskPrompt:      "do the thing",
		SessionID:       sess.ID,
		Provider:        api.ProviderClaude,
		ParentToolUseID: "parent-1",
	}, emit)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "done with the task", res.Output)
	require.Equal(t, 1, res.Metrics.ToolCalls)
	require.Equal(t, 50, res.Metrics.TokensUsed)

	got := snapshot()
	require.NotEmpty(t, got)
	for _, ev := range got {
		require.Equal(t, res.AgentID, ev.AgentID)
		require.Equal(t, "parent-1", ev.ParentToolUseID)
	}

	after, err := st.Get(sess.ID)
	require.NoError(t, err)
	require.Len(t, after.Agents, 1)
	require.Equal(t, api.AgentStatusCompleted, after.Agents[0].Status)
}

func TestSpawnTimeoutReportsFailure(t *testing.T) {
	st := newTestStore(t)
	sess, err := st.Create("s", "/work", api.ProviderClaude)
	require.NoError(t, err)

	script := supervisor.FakeScript{
		Events:  []api.Event{{Type: api.EventResult, Result: "too late"}},
		Delay:   []time.Duration{500 * time.Millisecond},
		OnAbort: nil,
	}
	runner := supervisor.NewFakeRunner(map[api.Provider]supervisor.FakeScript{api.ProviderClaude: script})
	sp := New(runner, driverFor, st, logger.Default())

	orig := SoftCap
	SoftCap = 50 * time.Millisecond
	defer func() { SoftCap = orig }()

	emit, _ := collectEvents()
	res, err := sp.Spawn(context.Background(), Request{
		Role:      "builder",
		TaskPrompt: "slow task",
		SessionID: sess.ID,
		Provider:  api.ProviderClaude,
	}, emit)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, "timeout", res.Reason)

	after, err := st.Get(sess.ID)
	require.NoError(t, err)
	require.Len(t, after.Agents, 1)
	require.Equal(t, api.AgentStatusFailed, after.Agents[0].Status)
}

func TestSpawnRefusesNestedDepth(t *testing.T) {
	st := newTestStore(t)
	runner := supervisor.NewFakeRunner(nil)
	sp := New(runner, driverFor, st, logger.Default())

	emit, _ := collectEvents()
	_, err := sp.Spawn(context.Background(), Request{Depth: 1, SessionID: "s1"}, emit)
	require.Error(t, err)
}

func TestEnrichPromptIncludesExpertisePack(t *testing.T) {
	pack := &api.ExpertisePack{
		Domain:      "backend",
		MentalModel: "services own their own data",
		KeyFiles:    []api.KeyFile{{Path: "internal/service.go", Purpose: "core logic"}},
		Patterns:    []api.NamedPattern{{Name: "repository", Example: "type Store struct{}"}},
	}
	prompt := enrichPrompt("builder", "add a field", pack)
	require.Contains(t, prompt, "services own their own data")
	require.Contains(t, prompt, "internal/service.go")
	require.Contains(t, prompt, "repository")
	require.Contains(t, prompt, "add a field")
}
