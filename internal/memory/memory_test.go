package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/pkg/api"
)

func TestExtractSearchInject(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	ctx := context.Background()
	err = store.Extract(ctx, "sess-1", []api.Message{
		{Role: api.RoleUser, Content: "how does the auth middleware validate tokens", Timestamp: time.Now()},
		{Role: api.RoleAssistant, Content: "it checks the JWT signature against the session store", Timestamp: time.Now()},
		{Role: api.RoleUser, Content: "", Timestamp: time.Now()},
	})
	require.NoError(t, err)

	hits, err := store.Search(ctx, "auth token", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	require.Contains(t, hits[0].Text, "auth")

	inj, err := store.Inject(ctx, "auth token", "sess-1")
	require.NoError(t, err)
	require.Contains(t, inj.ContextText, "Relevant prior context")
	require.NotEmpty(t, inj.Refs)
}

func TestInjectEmptyWhenNoMatches(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "memory.json"))
	require.NoError(t, err)

	inj, err := store.Inject(context.Background(), "nonexistent topic entirely", "sess-1")
	require.NoError(t, err)
	require.Empty(t, inj.ContextText)
	require.Empty(t, inj.Refs)
}

func TestFileStorePersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Extract(context.Background(), "sess-1", []api.Message{
		{Role: api.RoleUser, Content: "database migrations are tricky", Timestamp: time.Now()},
	}))

	reloaded, err := NewFileStore(path)
	require.NoError(t, err)
	hits, err := reloaded.Search(context.Background(), "database migrations", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
}
