package core

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/collab-harness/internal/domain"
	"github.com/rs/zerolog/log"
)

// Store exclusively owns the session records and the room index.
// Create and Remove update both under one lock, so a session is never
// visible in one structure without the other.
type Store struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*Session
	rooms    *RoomIndex
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[domain.SessionID]*Session),
		rooms:    NewRoomIndex(),
	}
}

// Create registers a new session for conn in room. The session context is
// derived from parent and cancelled by Remove or Clear.
func (st *Store) Create(parent context.Context, conn SignalConnection, room domain.RoomID) *Session {
	s := newSession(parent, conn, room)
	st.mu.Lock()
	st.sessions[s.ID] = s
	st.rooms.Add(room, s.ID)
	st.mu.Unlock()
	log.Info().Str("module", "core.store").Str("sid", string(s.ID)).Int("room", int(room)).Msg("session created")
	return s
}

func (st *Store) Get(sid domain.SessionID) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[sid]
	return s, ok
}

// Touch records inbound activity. Missing sessions are ignored.
func (st *Store) Touch(sid domain.SessionID) {
	if s, ok := st.Get(sid); ok {
		s.touch(time.Now())
	}
}

// Remove deletes the session from both structures. Only the call that
// actually removed it returns true; later calls are no-ops.
func (st *Store) Remove(sid domain.SessionID) (*Session, bool) {
	st.mu.Lock()
	s, ok := st.sessions[sid]
	if ok {
		delete(st.sessions, sid)
		st.rooms.Remove(s.Room, sid)
	}
	st.mu.Unlock()
	if !ok {
		return nil, false
	}
	s.cancel()
	log.Info().Str("module", "core.store").Str("sid", string(sid)).Int("room", int(s.Room)).Msg("session removed")
	return s, true
}

// Clear removes every session and returns them so the caller can close
// their transports.
func (st *Store) Clear() []*Session {
	st.mu.Lock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	st.sessions = make(map[domain.SessionID]*Session)
	st.rooms.Reset()
	st.mu.Unlock()
	for _, s := range out {
		s.cancel()
	}
	return out
}

// Members returns a snapshot of the sessions joined to room.
func (st *Store) Members(room domain.RoomID) []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := st.rooms.Members(room)
	out := make([]*Session, 0, len(ids))
	for _, sid := range ids {
		if s, ok := st.sessions[sid]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (st *Store) All() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

func (st *Store) RoomCount(room domain.RoomID) int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.rooms.Len(room)
}

func (st *Store) RoomCounts() map[domain.RoomID]int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.rooms.Counts()
}

// Fanout offers frame to every member of room except exclude. Sends never
// block; members whose queue is full are reported in Dropped.
func (st *Store) Fanout(room domain.RoomID, exclude domain.SessionID, frame Frame) PublishResult {
	res := PublishResult{}
	for _, s := range st.Members(room) {
		if s.ID == exclude {
			continue
		}
		if err := s.Conn.TrySend(frame); err != nil {
			res.Dropped = append(res.Dropped, s)
			continue
		}
		res.SentTo++
	}
	log.Debug().Str("module", "core.store").Int("room", int(room)).Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}
