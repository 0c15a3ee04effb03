package ws

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/eventbus"
	"github.com/kandev/kandev/internal/execution"
	"github.com/kandev/kandev/internal/expertise"
	"github.com/kandev/kandev/internal/kernel"
	"github.com/kandev/kandev/internal/memory"
	"github.com/kandev/kandev/internal/session"
	"github.com/kandev/kandev/internal/supervisor"
	"github.com/kandev/kandev/internal/supervisor/providers"
	"github.com/kandev/kandev/pkg/api"
)

func newTestServer(t *testing.T, runner supervisor.Runner) (*httptest.Server, *session.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.Default()
	store, err := session.New(t.TempDir(), log)
	require.NoError(t, err)

	registry := execution.NewRegistry(execution.Config{TTL: time.Minute, SweepInterval: time.Hour}, log)
	t.Cleanup(registry.Stop)

	memStore, err := memory.NewFileStore(filepath.Join(t.TempDir(), "memory.json"))
	require.NoError(t, err)

	sessionBus := eventbus.NewSessionBus(log)
	k := kernel.New(kernel.Deps{
		Store:      store,
		Registry:   registry,
		SessionBus: sessionBus,
		Runner:     runner,
		DriverFor:  func(api.Provider) supervisor.Driver { return providers.Claude{} },
		Memory:     memStore,
		Expertise:  expertise.NewStore(t.TempDir()),
		Logger:     log,
	})

	hub := NewHub(k, sessionBus, log)
	handler := NewHandler(hub, log)

	router := gin.New()
	Register(router.Group("/ws"), handler)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, store
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntilDone(t *testing.T, conn *websocket.Conn, timeout time.Duration) []api.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	var events []api.Event
	for {
		var ev api.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("reading events: %v (got %d so far)", err, len(events))
		}
		events = append(events, ev)
		if ev.Type == api.EventDone {
			return events
		}
	}
}

func TestExecuteCLIStreamsEventsToClient(t *testing.T) {
	script := supervisor.FakeScript{
		Events: []api.Event{
			{Type: api.EventText, Data: "hi"},
			{Type: api.EventResult, Result: "hello back"},
			{Type: api.EventDone},
		},
	}
	runner := supervisor.NewFakeRunner(map[api.Provider]supervisor.FakeScript{api.ProviderClaude: script})
	srv, store := newTestServer(t, runner)

	sess, err := store.Create("s", "/work", api.ProviderClaude)
	require.NoError(t, err)

	conn := dial(t, srv)
	req, err := json.Marshal(controlMessage{
		Type: "execute-cli",
		Data: mustJSON(t, executeCLIData{Prompt: "hello", SessionID: sess.ID, Provider: api.ProviderClaude}),
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, req))

	events := readUntilDone(t, conn, 2*time.Second)
	var sawResult bool
	for _, ev := range events {
		if ev.Type == api.EventResult {
			sawResult = true
			require.Equal(t, "hello back", ev.Result)
		}
	}
	require.True(t, sawResult, "expected a result event among: %+v", events)
}

func TestExecuteCLIRejectsMissingSessionID(t *testing.T) {
	runner := supervisor.NewFakeRunner(nil)
	srv, _ := newTestServer(t, runner)

	conn := dial(t, srv)
	req, err := json.Marshal(controlMessage{
		Type: "execute-cli",
		Data: mustJSON(t, executeCLIData{Prompt: "hello"}),
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, req))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev api.Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, api.EventError, ev.Type)
}

func TestRegisterSessionReceivesSessionBroadcast(t *testing.T) {
	script := supervisor.FakeScript{
		Events: []api.Event{
			{Type: api.EventResult, Result: "done"},
			{Type: api.EventDone},
		},
	}
	runner := supervisor.NewFakeRunner(map[api.Provider]supervisor.FakeScript{api.ProviderClaude: script})
	srv, store := newTestServer(t, runner)

	sess, err := store.Create("s", "/work", api.ProviderClaude)
	require.NoError(t, err)

	conn := dial(t, srv)
	reg, err := json.Marshal(controlMessage{
		Type: "register-session",
		Data: mustJSON(t, map[string]string{"sessionId": sess.ID}),
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, reg))

	// Give the registration a moment to land before a second connection
	// drives the execution that produces the session broadcast.
	time.Sleep(20 * time.Millisecond)

	driver := dial(t, srv)
	exec, err := json.Marshal(controlMessage{
		Type: "execute-cli",
		Data: mustJSON(t, executeCLIData{Prompt: "go", SessionID: sess.ID, Provider: api.ProviderClaude, LeadOrchestrate: true}),
	})
	require.NoError(t, err)
	require.NoError(t, driver.WriteMessage(websocket.TextMessage, exec))
	readUntilDone(t, driver, 2*time.Second)

	// Every event of the execution is mirrored to the session, starting
	// with request_id; read until the orchestration event arrives.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev api.Event
	for ev.Type != api.EventOrchestration {
		require.NoError(t, conn.ReadJSON(&ev))
	}
	require.Equal(t, api.EventOrchestration, ev.Type)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
