package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrSendBufferFull indicates a connection's outbound queue overflowed.
var ErrSendBufferFull = errors.New("connection send buffer full")

// Connection is one websocket session. It binds to a user on the first
// envelope it sends and keeps that binding for its lifetime; outbound
// frames go through a bounded ordered queue drained by the write pump.
type Connection struct {
	ID string

	ws   *websocket.Conn
	send chan []byte

	mu            sync.RWMutex
	userID        string
	lastHeartbeat time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConnection wraps an upgraded websocket with a send queue of the given
// capacity.
func NewConnection(id string, ws *websocket.Conn, sendBuffer int) *Connection {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Connection{
		ID:            id,
		ws:            ws,
		send:          make(chan []byte, sendBuffer),
		lastHeartbeat: time.Now(),
		closed:        make(chan struct{}),
	}
}

// UserID returns the bound user, or empty before the first envelope.
func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// bindUser records the connection's owner. Only the registry calls this.
func (c *Connection) bindUser(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// Touch records heartbeat activity.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// LastHeartbeat returns the most recent heartbeat time.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

// Enqueue queues a frame for the write pump without blocking. A full
// buffer returns ErrSendBufferFull; the caller decides whether that is
// fatal for the connection.
func (c *Connection) Enqueue(frame []byte) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close tears the connection down once; repeated calls are no-ops.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

// Done is closed when the connection has been torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}
