package signal

import (
	"context"
	"time"

	"github.com/dkeye/collab-harness/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

// readPump feeds frames to the hub one at a time, which keeps a session's
// messages in order. On exit the hub tears the session down.
func (ctl *SignalWSController) readPump(ctx context.Context, sid domain.SessionID, c *WsSignalConn) {
	defer func() {
		ctl.Hub.Disconnect(sid)
		c.Release()
	}()

	if ctl.ReadLimit > 0 {
		c.conn.SetReadLimit(ctl.ReadLimit)
	}
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				ctl.Hub.ConnectionError(sid, err)
			}
			return
		}
		ctl.Hub.Dispatch(ctx, sid, data)
	}
}

// drain reads until the peer answers a close frame, then releases the socket.
func drain(c *WsSignalConn) {
	defer c.Release()
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}
