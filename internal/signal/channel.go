package signal

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Channel is the outbound half of a signaling connection. Delivery is
// ordered, reliable and at-most-once per connection; that ordering is a
// contract callers may rely on, not an accident of the socket.
type Channel interface {
	Send(msg Message) error
	Close() error
}

// WSChannel adapts a gorilla WebSocket connection into a Channel. Writes are
// serialized through a mutex because the session core and peer-connection
// callbacks send from different goroutines.
type WSChannel struct {
	conn *websocket.Conn

	mu           sync.Mutex
	writeTimeout time.Duration
}

// NewWSChannel wraps conn. writeTimeout bounds every write; zero disables
// the deadline.
func NewWSChannel(conn *websocket.Conn, writeTimeout time.Duration) *WSChannel {
	return &WSChannel{
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// Send marshals msg and writes it as a single text frame.
func (c *WSChannel) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteJSON(msg)
}

// Ping sends a control-frame liveness probe.
func (c *WSChannel) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(5 * time.Second)
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline)
}

// Close tears down the underlying connection. Safe to call more than once.
func (c *WSChannel) Close() error {
	return c.conn.Close()
}
