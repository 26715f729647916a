package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/collab-harness/internal/domain"
	"github.com/rs/zerolog/log"
)

const deferredQueueSize = 64

// Session is the server-side record of one live connection.
// Identity fields never change after Create.
type Session struct {
	ID       domain.SessionID
	Username string
	Room     domain.RoomID
	Conn     SignalConnection

	ctx    context.Context
	cancel context.CancelFunc
	// lane bounds the deferred lane; it outlives the session.
	lane context.Context

	lastActivity atomic.Int64
	typing       atomic.Bool

	deferMu     sync.Mutex
	laneStarted bool
	laneClosed  bool
	deferred    chan deferredTask
}

type deferredTask struct {
	due time.Time
	run func()
}

func newSession(parent context.Context, conn SignalConnection, room domain.RoomID) *Session {
	ctx, cancel := context.WithCancel(parent)
	id := domain.NewSessionID()
	s := &Session{
		ID:       id,
		Username: id.DisplayName(),
		Room:     room,
		Conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		lane:     parent,
		deferred: make(chan deferredTask, deferredQueueSize),
	}
	s.touch(time.Now())
	return s
}

// Context is cancelled exactly once, when the session is removed.
func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) touch(now time.Time) { s.lastActivity.Store(now.UnixNano()) }

func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastActivity.Load()) }

// IdleFor reports how long the session has been silent as of now.
func (s *Session) IdleFor(now time.Time) time.Duration { return now.Sub(s.LastActivity()) }

func (s *Session) SetTyping(v bool) { s.typing.Store(v) }

func (s *Session) IsTyping() bool { return s.typing.Load() }

func (s *Session) Member() domain.Member {
	return domain.Member{
		ID:           s.ID,
		Username:     s.Username,
		Room:         s.Room,
		IsTyping:     s.IsTyping(),
		LastActivity: s.LastActivity().UnixMilli(),
	}
}

// Defer runs fn no earlier than due on the session's deferred lane.
// Tasks run one at a time in submission order, so two deferred relays from
// the same sender are never reordered. Removing the session does not drop
// queued tasks: the lane drains them and then stops. Pending tasks are
// discarded only when the parent context given to Create ends. Returns false
// when the lane is full or closed.
func (s *Session) Defer(due time.Time, fn func()) bool {
	s.deferMu.Lock()
	defer s.deferMu.Unlock()
	if s.laneClosed || s.lane.Err() != nil {
		return false
	}
	if !s.laneStarted {
		s.laneStarted = true
		go s.runDeferred()
	}
	select {
	case s.deferred <- deferredTask{due: due, run: fn}:
		return true
	default:
		log.Warn().Str("module", "core.session").Str("sid", string(s.ID)).Msg("deferred lane full")
		return false
	}
}

func (s *Session) runDeferred() {
	for {
		select {
		case <-s.lane.Done():
			s.closeLane()
			return
		case task := <-s.deferred:
			if !s.runTask(task) {
				s.closeLane()
				return
			}
		case <-s.ctx.Done():
			s.drainDeferred()
			return
		}
	}
}

// drainDeferred runs what is still queued after removal, then closes the
// lane so later Defer calls fail instead of stranding a task.
func (s *Session) drainDeferred() {
	for {
		s.deferMu.Lock()
		select {
		case task := <-s.deferred:
			s.deferMu.Unlock()
			if !s.runTask(task) {
				s.closeLane()
				return
			}
		default:
			s.laneClosed = true
			s.deferMu.Unlock()
			return
		}
	}
}

func (s *Session) runTask(task deferredTask) bool {
	if wait := time.Until(task.due); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-s.lane.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
	if s.lane.Err() != nil {
		return false
	}
	task.run()
	return true
}

func (s *Session) closeLane() {
	s.deferMu.Lock()
	s.laneClosed = true
	s.deferMu.Unlock()
}
