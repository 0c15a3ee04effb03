// Package ws adapts the kernel's request/event contract (spec §6) onto a
// WebSocket transport, grounded on the teacher's internal/orchestrator/streaming
// Hub/Client pattern (gorilla/websocket + gin upgrade handler). The teacher's
// hub routed BroadcastMessage values keyed by task id through a hand-rolled
// taskClients map; here routing is delegated to the kernel's own Execution
// Bus and SessionBus, so the Hub's only remaining job is bookkeeping live
// connections for graceful shutdown.
package ws

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/eventbus"
	"github.com/kandev/kandev/internal/kernel"
)

// Hub tracks live client connections and holds the shared kernel/session bus
// every Client dispatches control messages against.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]bool

	kernel     *kernel.Kernel
	sessionBus *eventbus.SessionBus
	logger     *logger.Logger
}

// NewHub constructs a Hub bound to k. sessionBus is the same SessionBus
// passed to kernel.New as Deps.SessionBus; it is threaded through separately
// because register-session subscribes to it directly rather than through
// the Kernel's narrower Execute/Abort/InjectAnswer surface.
func NewHub(k *kernel.Kernel, sessionBus *eventbus.SessionBus, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		kernel:     k,
		sessionBus: sessionBus,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll closes every live client connection. Intended for server shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}
