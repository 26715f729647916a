package signal

import (
	"errors"
	"sync"
	"time"

	"github.com/dkeye/collab-harness/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

const (
	writeWait  = 5 * time.Second
	closeGrace = time.Second
)

// WsSignalConn is the server side of one websocket. It implements
// core.SignalConnection: frames are queued on send and written by a single
// writePump goroutine, so each recipient sees frames in enqueue order.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu       sync.RWMutex
	closed   bool
	released sync.Once
}

func NewWsSignalConn(ws *websocket.Conn, queue int) *WsSignalConn {
	if queue <= 0 {
		queue = 256
	}
	return &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, queue),
	}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnectionClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

// Close stops accepting frames and sends a close frame. The peer's close
// reply ends the read loop; if it never comes the socket is released after
// a short grace period.
func (c *WsSignalConn) Close(code int, reason string) {
	if !c.markClosed() {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		log.Debug().Err(err).Str("module", "signal").Int("code", code).Msg("close frame not sent")
		c.Release()
		return
	}
	time.AfterFunc(closeGrace, c.Release)
}

// Release closes the underlying socket immediately.
func (c *WsSignalConn) Release() {
	c.markClosed()
	c.released.Do(func() {
		_ = c.conn.Close()
	})
}

func (c *WsSignalConn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	return true
}
