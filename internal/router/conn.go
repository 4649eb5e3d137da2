package router

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/troupelabs/troupe/internal/common/logger"
	"github.com/troupelabs/troupe/pkg/wire"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Ping cadence when the router config carries no heartbeat period
	defaultPingPeriod = 5 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// remote represents a single agent connection to the router. One frame per
// websocket message; the write pump serializes access to the socket.
type remote struct {
	conn   *websocket.Conn
	router *Router
	send   chan []byte
	logger *logger.Logger

	// pings must outpace the liveness sweep, or idle agents get reaped
	pingPeriod time.Duration
	pongWait   time.Duration

	mu      sync.Mutex
	agentID string // set once the register frame arrives
	closed  bool
}

func newRemote(conn *websocket.Conn, r *Router, log *logger.Logger) *remote {
	ping := r.cfg.HeartbeatPeriod()
	if ping <= 0 {
		ping = defaultPingPeriod
	}
	wait := r.liveWindow() + ping
	if wait <= ping {
		wait = 2 * ping
	}
	return &remote{
		conn:       conn,
		router:     r,
		send:       make(chan []byte, 256),
		logger:     log,
		pingPeriod: ping,
		pongWait:   wait,
	}
}

func (c *remote) setAgentID(id string) {
	c.mu.Lock()
	c.agentID = id
	c.mu.Unlock()
}

func (c *remote) AgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

// sendFrame queues a frame for delivery. Returns false when the connection
// buffer is full or the connection is closed.
func (c *remote) sendFrame(f *wire.Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		c.logger.Error("Failed to marshal frame", zap.Error(err))
		return false
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("Connection send buffer full", zap.String("agent_id", c.AgentID()))
		return false
	}
}

func (c *remote) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.send)
}

// readPump pumps frames from the connection to the router
func (c *remote) readPump() {
	defer func() {
		c.router.disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		c.router.touch(c.AgentID())
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

		var frame wire.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.logger.Error("Failed to parse frame", zap.Error(err))
			continue
		}

		c.router.handleFrame(c, &frame)
	}
}

// writePump pumps queued frames to the connection
func (c *remote) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Router closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
