package signal

import (
	"context"
	"net/http"

	"github.com/dkeye/collab-harness/internal/core"
	"github.com/dkeye/collab-harness/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Hub is the server-side session lifecycle the controller drives.
type Hub interface {
	// Admit decides whether a connection for room may become a session.
	// roomErr is the result of parsing the connection path.
	Admit(room domain.RoomID, roomErr error) (code int, reason string, ok bool)
	// Connect registers the session and announces it to the room.
	Connect(ctx context.Context, conn core.SignalConnection, room domain.RoomID) *core.Session
	Dispatch(ctx context.Context, sid domain.SessionID, data []byte)
	ConnectionError(sid domain.SessionID, err error)
	// Disconnect tears the session down. It must tolerate repeated calls.
	Disconnect(sid domain.SessionID)
}

type SignalWSController struct {
	Hub       Hub
	ReadLimit int64
	SendQueue int
}

func NewSignalWSController(hub Hub, readLimit int64, sendQueue int) *SignalWSController {
	return &SignalWSController{Hub: hub, ReadLimit: readLimit, SendQueue: sendQueue}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and, when admitted, runs the session
// pumps until the connection ends. Rejections are reported to the peer as a
// close frame rather than an HTTP error.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	room, roomErr := domain.ParseRoomPath(c.Param("path"))

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	conn := NewWsSignalConn(ws, ctl.SendQueue)

	if code, reason, ok := ctl.Hub.Admit(room, roomErr); !ok {
		log.Info().Str("module", "signal").Str("path", c.Request.URL.Path).Int("code", code).Str("reason", reason).Msg("connection rejected")
		conn.Close(code, reason)
		go drain(conn)
		return
	}

	sess := ctl.Hub.Connect(ctx, conn, room)
	log.Info().Str("module", "signal").Str("sid", string(sess.ID)).Int("room", int(room)).Msg("new WS connection")

	go ctl.writePump(sess.Context(), conn)
	go ctl.readPump(ctx, sess.ID, conn)
}
