package ws

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP connections to the kernel's bidirectional event
// channel described in spec §6.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler constructs a Handler serving connections through hub.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// Stream upgrades the request to a WebSocket and starts the client's pumps.
// A single endpoint serves every control message type (register-session,
// execute-cli, abort, user_answer); clients are not bound to one session or
// execution at connect time.
func (h *Handler) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := newClient(h.hub, conn, h.logger)
	h.hub.register(client)
	h.logger.Debug("client connected", zap.String("client_id", client.id))

	go client.WritePump()
	go client.ReadPump()
}

// Register adds the streaming route to router.
func Register(router *gin.RouterGroup, handler *Handler) {
	router.GET("/stream", handler.Stream)
}
