package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/pkg/api"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := New(dir, logger.Default())
	require.NoError(t, err)
	return st
}

func TestCreateGetList(t *testing.T) {
	st := newTestStore(t)

	sess, err := st.Create("demo", "/work", api.ProviderClaude)
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	require.Empty(t, sess.Messages)

	got, err := st.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, sess.ID, got.ID)

	summaries, err := st.List(SortUpdatedDesc, 10, 0)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, sess.ID, summaries[0].ID)
}

func TestGetNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Get("missing")
	require.Error(t, err)
}

func TestAppendMessageBumpsUpdatedAt(t *testing.T) {
	st := newTestStore(t)
	sess, err := st.Create("demo", "/work", api.ProviderClaude)
	require.NoError(t, err)

	before := sess.UpdatedAt
	time.Sleep(2 * time.Millisecond)

	n, err := st.AppendMessage(sess.ID, api.Message{Role: api.RoleUser, Content: "hello"}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := st.Get(sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	require.Equal(t, "hello", got.Messages[0].Content)
	require.NotEmpty(t, got.Messages[0].ID)
	require.True(t, got.UpdatedAt.After(before))
}

func TestAppendAgentMonotonicStatus(t *testing.T) {
	st := newTestStore(t)
	sess, err := st.Create("demo", "/work", api.ProviderClaude)
	require.NoError(t, err)

	agentID := "agent-1"
	require.NoError(t, st.AppendAgent(sess.ID, api.PersistedAgent{ID: agentID, Status: api.AgentStatusPending}))
	require.NoError(t, st.AppendAgent(sess.ID, api.PersistedAgent{ID: agentID, Status: api.AgentStatusActive}))
	// Regression attempt must be ignored.
	require.NoError(t, st.AppendAgent(sess.ID, api.PersistedAgent{ID: agentID, Status: api.AgentStatusPending}))

	got, err := st.Get(sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Agents, 1)
	require.Equal(t, api.AgentStatusActive, got.Agents[0].Status)

	require.NoError(t, st.AppendAgent(sess.ID, api.PersistedAgent{ID: agentID, Status: api.AgentStatusCompleted}))
	got, err = st.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, api.AgentStatusCompleted, got.Agents[0].Status)
}

func TestExportImportRoundTrip(t *testing.T) {
	st := newTestStore(t)
	sess, err := st.Create("demo", "/work", api.ProviderCodex)
	require.NoError(t, err)
	_, err = st.AppendMessage(sess.ID, api.Message{Role: api.RoleUser, Content: "hi"}, nil)
	require.NoError(t, err)

	dump, err := st.Export(sess.ID)
	require.NoError(t, err)

	imported, err := st.Import(dump)
	require.NoError(t, err)

	require.NotEqual(t, sess.ID, imported.ID)
	require.NotEqual(t, sess.CreatedAt, imported.CreatedAt)

	original, err := st.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, original.Name, imported.Name)
	require.Equal(t, original.WorkDir, imported.WorkDir)
	require.Equal(t, original.Provider, imported.Provider)
	require.Equal(t, original.Messages, imported.Messages)
}

func TestDelete(t *testing.T) {
	st := newTestStore(t)
	sess, err := st.Create("demo", "/work", api.ProviderClaude)
	require.NoError(t, err)

	require.NoError(t, st.Delete(sess.ID))
	_, err = st.Get(sess.ID)
	require.Error(t, err)
}

func byteEstimator(m api.Message) int {
	return len(m.Content) / 4
}

func TestCompactionPreservesTailAndIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	sess, err := st.Create("demo", "/work", api.ProviderClaude)
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		_, err := st.AppendMessage(sess.ID, api.Message{
			Role:      api.RoleAssistant,
			Content:   "some long-ish filler content for message " + time.Now().String(),
			ToolsUsed: []string{"bash"},
		}, nil)
		require.NoError(t, err)
	}

	first, err := st.Compact(sess.ID, 0, byteEstimator)
	require.NoError(t, err)
	require.Greater(t, first.Compacted, 0)
	require.GreaterOrEqual(t, first.TokensSaved, 0)

	afterFirst, err := st.Get(sess.ID)
	require.NoError(t, err)
	require.Len(t, afterFirst.Messages, 11) // 1 summary + 10 verbatim tail

	second, err := st.Compact(sess.ID, 0, byteEstimator)
	require.NoError(t, err)
	require.Equal(t, 0, second.Compacted) // nothing new to fold

	afterSecond, err := st.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, afterFirst.Messages, afterSecond.Messages)
}
