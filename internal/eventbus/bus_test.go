package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/pkg/api"
)

func drain(t *testing.T, sub *Subscription, timeout time.Duration) []api.Event {
	t.Helper()
	var out []api.Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
			if ev.Type == api.EventDone {
				return out
			}
		case <-time.After(timeout):
			return out
		}
	}
}

func TestFIFOPerSubscriber(t *testing.T) {
	b := New(DefaultConfig(), "sess-1", nil, logger.Default())
	sub := b.Subscribe()

	for i := 0; i < 5; i++ {
		b.Publish(api.Event{Type: api.EventText, Data: string(rune('a' + i))})
	}
	b.Publish(api.Event{Type: api.EventDone})

	got := drain(t, sub, time.Second)
	require.Len(t, got, 6)
	for i := 0; i < 5; i++ {
		require.Equal(t, string(rune('a'+i)), got[i].Data)
	}
	require.Equal(t, api.EventDone, got[5].Type)
}

func TestLateSubscriberGetsRingThenDone(t *testing.T) {
	b := New(DefaultConfig(), "sess-1", nil, logger.Default())

	b.Publish(api.Event{Type: api.EventText, Data: "one"})
	b.Publish(api.Event{Type: api.EventText, Data: "two"})
	b.Publish(api.Event{Type: api.EventDone})

	sub := b.Subscribe()
	got := drain(t, sub, time.Second)
	require.Len(t, got, 3)
	require.Equal(t, "one", got[0].Data)
	require.Equal(t, "two", got[1].Data)
	require.Equal(t, api.EventDone, got[2].Type)
}

func TestLaggedSubscriberDropped(t *testing.T) {
	cfg := Config{RingSize: 4, SubscriberQueue: 2}
	b := New(cfg, "sess-1", nil, logger.Default())
	sub := b.Subscribe()

	// Flood past the subscriber's queue without draining it.
	for i := 0; i < 10; i++ {
		b.Publish(api.Event{Type: api.EventText, Data: "x"})
	}

	require.Eventually(t, func() bool { return b.Len() == 0 }, time.Second, 5*time.Millisecond)

	var sawLagged bool
	for ev := range sub.Events() {
		if ev.Type == api.EventError {
			sawLagged = true
		}
	}
	require.True(t, sawLagged)
}

func TestSessionBroadcastMirrorsEveryEventType(t *testing.T) {
	sb := NewSessionBus(logger.Default())
	bus := New(DefaultConfig(), "sess-1", sb, logger.Default())

	ssub := sb.Subscribe("sess-1")
	defer sb.Unsubscribe(ssub)

	bus.Publish(api.Event{Type: api.EventText, Data: "also broadcast"})
	bus.Publish(api.Event{Type: api.EventAgentEvent, SubEvent: string(api.AgentSpawned), AgentID: "a1"})

	select {
	case ev := <-ssub.Events():
		require.Equal(t, api.EventText, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected the text event to be broadcast")
	}

	select {
	case ev := <-ssub.Events():
		require.Equal(t, api.EventAgentEvent, ev.Type)
		require.Equal(t, "a1", ev.AgentID)
	case <-time.After(time.Second):
		t.Fatal("expected the agent_event to be broadcast")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(DefaultConfig(), "sess-1", nil, logger.Default())
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	require.Equal(t, 0, b.Len())

	b.Publish(api.Event{Type: api.EventText, Data: "ignored"})
	select {
	case _, ok := <-sub.Events():
		require.False(t, ok)
	case <-time.After(100 * time.Millisecond):
	}
}
