package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/taskforge/internal/broadcast"
	"github.com/kandev/taskforge/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSHandler answers the `observe` command (§6.1, §6.2): a push-stream of
// every task's events until the caller closes the connection. Grounded on
// the corpus's streaming.WSHandler/Client pair (upgrade, register, paired
// read/write pumps), reworked onto the Broadcast Hub's transport-agnostic
// Observer rather than the teacher's per-client task subscription set —
// §4.6 broadcasts to every attached observer unfiltered, so filtering by
// task_id (if a caller only wants one task's events) is left to the
// client reading the payload, exactly as §6.2 specifies.
type WSHandler struct {
	hub *broadcast.Hub
	log *logger.Logger
}

// NewWSHandler creates a WSHandler.
func NewWSHandler(hub *broadcast.Hub, log *logger.Logger) *WSHandler {
	return &WSHandler{hub: hub, log: log.WithFields(zap.String("component", "ws_handler"))}
}

// Observe upgrades the connection and attaches a fresh Observer to the
// Broadcast Hub for its lifetime.
// WS /observe
func (h *WSHandler) Observe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	obs := broadcast.NewObserver(uuid.New().String())
	h.hub.Attach(obs)
	h.log.Info("observer attached", zap.Int("observer_count", h.hub.Count()))

	go h.writePump(conn, obs)
	h.readPump(conn, obs)
}

// readPump exists only to detect the connection closing (clients don't
// send anything meaningful to `observe`) and pong keep-alives; once it
// returns, the Observer is closed and detached.
func (h *WSHandler) readPump(conn *websocket.Conn, obs *broadcast.Observer) {
	defer obs.Close()
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump relays the Observer's events as JSON text frames and sends
// periodic pings to keep the connection alive.
func (h *WSHandler) writePump(conn *websocket.Conn, obs *broadcast.Observer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-obs.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev.Payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
