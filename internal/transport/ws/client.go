package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/eventbus"
	"github.com/kandev/kandev/internal/kernel"
	"github.com/kandev/kandev/pkg/api"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

// controlMessage is the inbound envelope for every control message the wire
// contract recognizes (spec §6): register-session, execute-cli, abort,
// user_answer.
type controlMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Client is one WebSocket connection, dispatching inbound control messages
// against the Hub's kernel and forwarding outbound kernel events back down
// the socket. Grounded on the teacher's streaming.Client field layout
// (id/conn/send/hub/logger); ReadPump/WritePump/Subscribe were never
// implemented on the teacher's Client (handlers.go calls them but hub.go
// never defines them), so the pump and dispatch logic here is new, built to
// the spec's control-message and event-envelope contracts rather than
// adapted from a working original.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	logger *logger.Logger

	mu              chan struct{} // binary semaphore guarding the fields below
	lastExecutionID string
	sessionSubs     map[string]*eventbus.SessionSubscription
}

func newClient(hub *Hub, conn *websocket.Conn, log *logger.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		hub:         hub,
		logger:      log.WithFields(zap.String("client_id", id)),
		mu:          make(chan struct{}, 1),
		sessionSubs: make(map[string]*eventbus.SessionSubscription),
	}
}

func (c *Client) lock()   { c.mu <- struct{}{} }
func (c *Client) unlock() { <-c.mu }

// ReadPump reads control messages off the socket until it closes, dispatches
// each, and tears down every subscription this client opened on exit.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister(c)
		c.closeSubscriptions()
		c.conn.Close()
		close(c.send)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg controlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendEvent(api.Event{Type: api.EventError, Data: "malformed control message"})
			continue
		}
		c.dispatch(msg)
	}
}

// WritePump drains c.send to the socket and keeps the connection alive with
// periodic pings, the standard gorilla/websocket pattern the teacher's
// NewClient/Hub also assumed (though never wrote down).
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(msg controlMessage) {
	switch msg.Type {
	case "register-session":
		c.registerSession(msg.Data)
	case "execute-cli":
		c.executeCLI(msg.Data)
	case "abort":
		c.abort(msg.Data)
	case "user_answer":
		c.userAnswer(msg.Data)
	default:
		c.sendEvent(api.Event{Type: api.EventError, Data: "unrecognized control message type: " + msg.Type})
	}
}

func (c *Client) registerSession(raw json.RawMessage) {
	var data struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &data); err != nil || data.SessionID == "" {
		c.sendEvent(api.Event{Type: api.EventError, Data: "register-session requires data.sessionId"})
		return
	}

	sub := c.hub.sessionBus.Subscribe(data.SessionID)
	c.lock()
	c.sessionSubs[data.SessionID] = sub
	c.unlock()

	go c.forwardSession(sub)
}

type executeCLIData struct {
	Prompt            string       `json:"prompt"`
	SessionID         string       `json:"sessionId"`
	WorkDir           string       `json:"workDir"`
	Resume            bool         `json:"resume"`
	Images            []string     `json:"images"`
	Orchestrate       bool         `json:"orchestrate"`
	LeadOrchestrate   bool         `json:"leadOrchestrate"`
	Thinking          bool         `json:"thinking"`
	PlanMode          bool         `json:"planMode"`
	BypassPermissions bool         `json:"bypassPermissions"`
	AllowFullPC       bool         `json:"allowFullPC"`
	Provider          api.Provider `json:"provider"`
}

func (c *Client) executeCLI(raw json.RawMessage) {
	var data executeCLIData
	if err := json.Unmarshal(raw, &data); err != nil {
		c.sendEvent(api.Event{Type: api.EventError, Data: "malformed execute-cli payload"})
		return
	}
	if data.Prompt == "" || data.SessionID == "" {
		c.sendEvent(api.Event{Type: api.EventError, Data: "execute-cli requires data.prompt and data.sessionId"})
		return
	}

	execID, sub, err := c.hub.kernel.Execute(context.Background(), kernel.Request{
		Prompt:            data.Prompt,
		SessionID:         data.SessionID,
		WorkDir:           data.WorkDir,
		Resume:            data.Resume,
		Images:            data.Images,
		Orchestrate:       data.Orchestrate,
		LeadOrchestrate:   data.LeadOrchestrate,
		Thinking:          data.Thinking,
		PlanMode:          data.PlanMode,
		BypassPermissions: data.BypassPermissions,
		AllowFullPC:       data.AllowFullPC,
		Provider:          data.Provider,
	})
	if err != nil {
		c.sendEvent(api.Event{Type: api.EventError, Data: err.Error()})
		return
	}

	c.lock()
	c.lastExecutionID = execID
	c.unlock()

	go c.forwardExecution(sub)
}

func (c *Client) abort(raw json.RawMessage) {
	var data struct {
		RequestID string `json:"requestId"`
	}
	_ = json.Unmarshal(raw, &data)

	execID := data.RequestID
	if execID == "" {
		c.lock()
		execID = c.lastExecutionID
		c.unlock()
	}
	if execID == "" {
		c.sendEvent(api.Event{Type: api.EventError, Data: "no execution to abort"})
		return
	}
	c.hub.kernel.Abort(execID, "client requested abort")
}

func (c *Client) userAnswer(raw json.RawMessage) {
	var data struct {
		RequestID string `json:"requestId"`
		Answer    string `json:"answer"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		c.sendEvent(api.Event{Type: api.EventError, Data: "malformed user_answer payload"})
		return
	}

	execID := data.RequestID
	if execID == "" {
		c.lock()
		execID = c.lastExecutionID
		c.unlock()
	}
	if execID == "" {
		c.sendEvent(api.Event{Type: api.EventError, Data: "no execution to answer"})
		return
	}
	c.hub.kernel.InjectAnswer(execID, data.Answer)
}

// forwardExecution streams one Execution's events down the socket until a
// done event arrives or the connection's send buffer is already gone.
func (c *Client) forwardExecution(sub *eventbus.Subscription) {
	for ev := range sub.Events() {
		c.sendEvent(ev)
		if ev.Type == api.EventDone {
			return
		}
	}
}

// forwardSession streams one session's lifecycle broadcast down the socket
// until the client disconnects and closeSubscriptions unsubscribes it.
func (c *Client) forwardSession(sub *eventbus.SessionSubscription) {
	for ev := range sub.Events() {
		c.sendEvent(ev)
	}
}

func (c *Client) sendEvent(ev api.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("failed to marshal event", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping event", zap.String("event_type", string(ev.Type)))
	}
}

func (c *Client) closeSubscriptions() {
	c.lock()
	subs := c.sessionSubs
	c.sessionSubs = make(map[string]*eventbus.SessionSubscription)
	c.unlock()

	for _, sub := range subs {
		c.hub.sessionBus.Unsubscribe(sub)
	}
}
