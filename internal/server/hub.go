package server

import (
	"context"

	"github.com/dkeye/collab-harness/internal/app"
	"github.com/dkeye/collab-harness/internal/core"
	"github.com/dkeye/collab-harness/internal/domain"
	"github.com/rs/zerolog/log"
)

// Admit implements signal.Hub.
func (s *Server) Admit(room domain.RoomID, roomErr error) (int, string, bool) {
	switch {
	case s.State() != StateRunning:
		s.metrics.ConnectionsRejected.WithLabelValues(rejectStopping).Inc()
		return app.CloseGoingAway, app.ReasonShutdown, false
	case roomErr != nil:
		s.metrics.ConnectionsRejected.WithLabelValues(rejectInvalidRoom).Inc()
		return app.ClosePolicyViolation, app.ReasonInvalidRoom, false
	case s.faults.ShouldRejectConnection():
		s.metrics.ConnectionsRejected.WithLabelValues(rejectSimulated).Inc()
		return app.CloseInternalError, app.ReasonSimulatedFailure, false
	}
	return 0, "", true
}

// Connect implements signal.Hub.
func (s *Server) Connect(ctx context.Context, conn core.SignalConnection, room domain.RoomID) *core.Session {
	sess := s.store.Create(ctx, conn, room)
	if ctx.Err() != nil {
		// Stop ran between Admit and Create.
		s.store.Remove(sess.ID)
		conn.Close(app.CloseGoingAway, app.ReasonShutdown)
		return sess
	}

	s.metrics.ConnectionsAccepted.Inc()
	s.metrics.SessionsActive.Set(float64(s.store.Count()))
	s.heartbeat.Watch(sess)
	s.dispatcher.Presence(sess, domain.ActionJoined)

	log.Info().Str("module", "server").Str("sid", string(sess.ID)).Int("room", int(room)).Msg("user connected")
	s.emit(app.Event{Kind: app.EventUserConnected, Session: sess.Member()})
	return sess
}

// Dispatch implements signal.Hub.
func (s *Server) Dispatch(ctx context.Context, sid domain.SessionID, data []byte) {
	s.dispatcher.Dispatch(ctx, sid, data)
}

// ConnectionError implements signal.Hub.
func (s *Server) ConnectionError(sid domain.SessionID, err error) {
	ev := app.Event{Kind: app.EventConnectionError, Err: err}
	if sess, ok := s.store.Get(sid); ok {
		ev.Session = sess.Member()
	} else {
		ev.Session = domain.Member{ID: sid}
	}
	s.emit(ev)
}

// Disconnect implements signal.Hub. Only the first call for a session
// announces the leave.
func (s *Server) Disconnect(sid domain.SessionID) {
	sess, ok := s.store.Remove(sid)
	if !ok {
		return
	}
	s.limiter.Forget(sid)
	s.metrics.SessionsActive.Set(float64(s.store.Count()))
	s.dispatcher.Presence(sess, domain.ActionLeft)

	log.Info().Str("module", "server").Str("sid", string(sid)).Int("room", int(sess.Room)).Msg("user disconnected")
	s.emit(app.Event{Kind: app.EventUserDisconnected, Session: sess.Member()})
}
