package eventbus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/pkg/api"
)

// SessionBus is the secondary, session-scoped broadcast channel (§4.3):
// regardless of which per-Execution Bus a client originally subscribed to,
// any client tracking a session receives every event its Executions publish
// (each Bus mirrors all event types here, agent_event lifecycle events
// included). Grounded on the teacher's internal/events/bus subject
// fan-out, simplified to a single session-keyed subject space since the
// kernel only ever needs "events for session X", never wildcard routing.
type SessionBus struct {
	mu     sync.Mutex
	subs   map[string]map[string]chan api.Event
	nextID uint64
	logger *logger.Logger
}

// NewSessionBus constructs an empty SessionBus.
func NewSessionBus(log *logger.Logger) *SessionBus {
	return &SessionBus{
		subs:   make(map[string]map[string]chan api.Event),
		logger: log.WithFields(zap.String("component", "session-bus")),
	}
}

// SessionSubscription is a live session-scoped subscriber.
type SessionSubscription struct {
	sessionID string
	id        string
	events    chan api.Event
}

// Events returns the channel of session-broadcast events.
func (s *SessionSubscription) Events() <-chan api.Event { return s.events }

// Subscribe registers a new session-scoped subscriber. Unlike the
// per-Execution Bus, there is no ring buffer here: a late subscriber
// receives only events published after it subscribed.
func (b *SessionBus) Subscribe(sessionID string) *SessionSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := subscriberID(b.nextID)
	ch := make(chan api.Event, DefaultSubscriberQueueSize)
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[string]chan api.Event)
	}
	b.subs[sessionID][id] = ch
	return &SessionSubscription{sessionID: sessionID, id: id, events: ch}
}

// Unsubscribe removes sub.
func (b *SessionBus) Unsubscribe(sub *SessionSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[sub.sessionID]; ok {
		if ch, ok := m[sub.id]; ok {
			delete(m, sub.id)
			close(ch)
		}
		if len(m) == 0 {
			delete(b.subs, sub.sessionID)
		}
	}
}

// Publish fans ev out to every subscriber of sessionID, dropping (not
// blocking) on a full queue — the session broadcast is best-effort, never a
// delivery guarantee (the per-Execution Bus is authoritative for that).
func (b *SessionBus) Publish(sessionID string, ev api.Event) {
	b.mu.Lock()
	subs := b.subs[sessionID]
	chans := make([]chan api.Event, 0, len(subs))
	for _, ch := range subs {
		chans = append(chans, ch)
	}
	b.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("session broadcast subscriber full, dropping event", zap.String("session_id", sessionID))
		}
	}
}
