package connection

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/crm-realtime/internal/model"
)

// conn is one authenticated connection. The transport is owned exclusively
// by this value; only the write pump writes data frames to it.
type conn struct {
	id          string
	identity    model.Identity
	connectedAt time.Time

	transport Transport
	queue     *sendQueue

	lastHeartbeat atomic.Int64 // unix nanos

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(id string, identity model.Identity, t Transport, cfg Config, now time.Time) *conn {
	c := &conn{
		id:          id,
		identity:    identity,
		connectedAt: now,
		transport:   t,
		queue:       newSendQueue(cfg.SendQueueSize, cfg.MaxSendQueue),
		done:        make(chan struct{}),
	}
	c.touch(now)
	return c
}

func (c *conn) touch(t time.Time) {
	c.lastHeartbeat.Store(t.UnixNano())
}

func (c *conn) heartbeatAt() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// close stops the write pump and closes the transport with code.
// Returns false if the connection was already closed.
func (c *conn) close(code int, reason string, writeTimeout time.Duration) bool {
	closed := false
	c.closeOnce.Do(func() {
		closed = true
		close(c.done)
		c.queue.close()
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.transport.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		_ = c.transport.Close()
	})
	return closed
}

func (c *conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
