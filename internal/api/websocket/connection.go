package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/flowmesh/flowmesh/pkg/auth"
	"github.com/flowmesh/flowmesh/pkg/observability"
)

const (
	sendBufferSize = 256
	writeTimeout   = 10 * time.Second
)

// Connection is one authenticated editor socket. Outbound frames flow through
// the buffered send channel so a single writer goroutine preserves per-peer
// ordering.
type Connection struct {
	ID     string
	claims *auth.Claims

	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	logger  observability.Logger
	metrics observability.MetricsClient

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(id string, conn *websocket.Conn, claims *auth.Claims, messageRate float64, logger observability.Logger, metrics observability.MetricsClient) *Connection {
	return &Connection{
		ID:      id,
		claims:  claims,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		limiter: rate.NewLimiter(rate.Limit(messageRate), int(messageRate*2)),
		logger:  logger,
		metrics: metrics,
		closed:  make(chan struct{}),
	}
}

// UserID returns the authenticated user's ID
func (c *Connection) UserID() string { return c.claims.UserID }

// UserName returns the authenticated user's display name
func (c *Connection) UserName() string { return c.claims.UserName }

// SendEvent queues one outbound frame. A full send buffer means the peer has
// stopped draining; the connection is closed rather than blocking the room.
func (c *Connection) SendEvent(event string, data interface{}) {
	frame, err := encodeEvent(event, data)
	if err != nil {
		c.logger.Error("Failed to encode outbound frame", map[string]interface{}{
			"connection_id": c.ID,
			"event":         event,
			"error":         err.Error(),
		})
		return
	}

	select {
	case <-c.closed:
	case c.send <- frame:
	default:
		c.logger.Warn("Send buffer full, dropping connection", map[string]interface{}{
			"connection_id": c.ID,
			"user_id":       c.UserID(),
			"event":         event,
		})
		c.metrics.IncrementCounter("ws_send_buffer_overflows", 1)
		c.Close(websocket.StatusPolicyViolation, "send buffer overflow")
	}
}

// Close shuts the socket down once; subsequent calls are no-ops
func (c *Connection) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close(code, reason)
	})
}

// writePump drains the send channel onto the socket and keeps the peer alive
// with pings. Runs as the connection's single writer.
func (c *Connection) writePump(ctx context.Context, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case frame := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
			c.metrics.IncrementCounter("ws_messages_sent", 1)
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.Close(websocket.StatusAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

// allowMessage applies the per-connection rate limit
func (c *Connection) allowMessage() bool {
	if c.limiter.Allow() {
		return true
	}
	c.metrics.IncrementCounter("ws_messages_rate_limited", 1)
	return false
}
