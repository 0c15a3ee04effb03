// Package eventbus implements the Event Bus (spec §4.3): fan-out of one
// upstream event sequence to N subscribers with backpressure and late-join
// support, grounded on the teacher's internal/events/bus NATS-style pub/sub
// but reworked around a per-Execution ring buffer instead of subject
// wildcards, since there is exactly one producer per Execution here.
package eventbus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/kernelerrors"
	"github.com/kandev/kandev/pkg/api"
)

// DefaultRingSize is the number of trailing events retained for late
// subscribers (§4.3).
const DefaultRingSize = 1024

// DefaultSubscriberQueueSize is the bound on each subscriber's own queue
// before it is dropped with a terminal Lagged event (§4.3).
const DefaultSubscriberQueueSize = 256

// Subscription is a live subscriber endpoint. Events arrive in emission
// order on Events(); the channel is closed once the subscriber is dropped
// (the Lagged event is sent first), or right after the backfill and the
// synthetic `done` when it subscribed after terminal emission. A live
// subscriber's channel stays open after the terminal `done` is delivered.
type Subscription struct {
	id     string
	events chan api.Event
	done   chan struct{}
	once   sync.Once
}

// Events returns the channel of events for this subscription.
func (s *Subscription) Events() <-chan api.Event {
	return s.events
}

// Close unsubscribes, releasing the channel's slot in the bus.
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.done) })
}

// Bus is a single Execution's event fan-out: one ring buffer, N bounded
// subscriber queues, a drop-the-subscriber-not-the-upstream backpressure
// policy, and an optional session-scoped secondary broadcast.
type Bus struct {
	mu            sync.Mutex
	ring          []api.Event
	ringSize      int
	subQueueSize  int
	subs          map[string]*Subscription
	terminal      bool
	terminalEvent *api.Event
	nextSubID     uint64
	logger        *logger.Logger

	sessionBus *SessionBus
	sessionID  string
}

// Config tunes a Bus's buffer sizes.
type Config struct {
	RingSize        int
	SubscriberQueue int
}

// DefaultConfig returns spec.md §4.3's documented defaults.
func DefaultConfig() Config {
	return Config{RingSize: DefaultRingSize, SubscriberQueue: DefaultSubscriberQueueSize}
}

// New constructs a Bus for one Execution. sessionBus may be nil if no
// session-scoped secondary broadcast is wanted (e.g. in tests).
func New(cfg Config, sessionID string, sessionBus *SessionBus, log *logger.Logger) *Bus {
	if cfg.RingSize <= 0 {
		cfg.RingSize = DefaultRingSize
	}
	if cfg.SubscriberQueue <= 0 {
		cfg.SubscriberQueue = DefaultSubscriberQueueSize
	}
	return &Bus{
		ringSize:     cfg.RingSize,
		subQueueSize: cfg.SubscriberQueue,
		subs:         make(map[string]*Subscription),
		sessionBus:   sessionBus,
		sessionID:    sessionID,
		logger:       log.WithFields(zap.String("component", "eventbus")),
	}
}

// Publish appends ev to the ring and fans it out to every live subscriber.
// Publish never blocks on a slow subscriber: a subscriber whose queue is
// full is dropped with a terminal Lagged event instead (§4.3).
func (b *Bus) Publish(ev api.Event) {
	b.mu.Lock()
	if b.terminal {
		b.mu.Unlock()
		return
	}
	b.appendRingLocked(ev)
	if ev.Type == api.EventDone {
		b.terminal = true
		terminal := ev
		b.terminalEvent = &terminal
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		b.deliver(s, ev)
	}

	// Per-session broadcast is widened to every event type, not just
	// agent_event (SPEC_FULL §9 Open Question 3): the ring-buffer-backed
	// per-Execution bus already gives ordering/backpressure, so mirroring
	// everything onto the session channel adds no risk, matching the
	// teacher's streaming.Hub.Broadcast forwarding every message unfiltered.
	if b.sessionBus != nil {
		b.sessionBus.Publish(b.sessionID, ev)
	}
}

func (b *Bus) appendRingLocked(ev api.Event) {
	b.ring = append(b.ring, ev)
	if len(b.ring) > b.ringSize {
		b.ring = b.ring[len(b.ring)-b.ringSize:]
	}
}

// deliver tries a non-blocking send; on a full queue it drops the
// subscriber and sends a terminal Lagged event into the one slot every
// queue holds back for it.
func (b *Bus) deliver(s *Subscription, ev api.Event) {
	if len(s.events) >= cap(s.events)-1 {
		b.dropLagged(s)
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	default:
		b.dropLagged(s)
	}
}

func (b *Bus) dropLagged(s *Subscription) {
	b.mu.Lock()
	if _, ok := b.subs[s.id]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subs, s.id)
	b.mu.Unlock()

	b.logger.Warn("subscriber lagged, dropping", zap.String("subscriber_id", s.id))
	select {
	case s.events <- api.Event{Type: api.EventError, Error: string(kernelerrors.Lagged)}:
	default:
	}
	close(s.events)
}

// Subscribe returns a new Subscription, immediately backfilled with the
// ring buffer (oldest to newest), followed by the live tail. If the
// Execution has already reached terminal emission, the subscriber receives
// the backfill plus a synthetic `done` event and no live tail (§4.3).
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	sub := &Subscription{
		id: subscriberID(b.nextSubID),
		// Room for the whole ring backlog, subQueueSize live events on top
		// of it, and one slot held back for the Lagged event.
		events: make(chan api.Event, len(b.ring)+b.subQueueSize+1),
		done:   make(chan struct{}),
	}
	for _, ev := range b.ring {
		select {
		case sub.events <- ev:
		default:
			// Not reached: the queue is sized to hold the whole ring.
		}
	}
	if b.terminal {
		if b.terminalEvent != nil && (len(b.ring) == 0 || b.ring[len(b.ring)-1].Type != api.EventDone) {
			select {
			case sub.events <- api.Event{Type: api.EventDone}:
			default:
			}
		}
		close(sub.events)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub from live fan-out (idempotent).
func (b *Bus) Unsubscribe(sub *Subscription) {
	sub.Close()
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub.id)
}

// Len returns the number of currently live subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func subscriberID(n uint64) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "0"
	}
	buf := make([]byte, 0, 16)
	for n > 0 {
		buf = append([]byte{alphabet[n%uint64(len(alphabet))]}, buf...)
		n /= uint64(len(alphabet))
	}
	return "sub-" + string(buf)
}
