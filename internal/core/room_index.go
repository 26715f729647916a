package core

import "github.com/dkeye/collab-harness/internal/domain"

// RoomIndex maps a room to the ids of the sessions joined to it.
// It holds identifiers only and is guarded by the owning Store.
type RoomIndex struct {
	rooms map[domain.RoomID]map[domain.SessionID]struct{}
}

func NewRoomIndex() *RoomIndex {
	return &RoomIndex{rooms: make(map[domain.RoomID]map[domain.SessionID]struct{})}
}

func (ri *RoomIndex) Add(room domain.RoomID, sid domain.SessionID) {
	members, ok := ri.rooms[room]
	if !ok {
		members = make(map[domain.SessionID]struct{})
		ri.rooms[room] = members
	}
	members[sid] = struct{}{}
}

// Remove drops sid from room and prunes the room once it is empty.
func (ri *RoomIndex) Remove(room domain.RoomID, sid domain.SessionID) {
	members, ok := ri.rooms[room]
	if !ok {
		return
	}
	delete(members, sid)
	if len(members) == 0 {
		delete(ri.rooms, room)
	}
}

func (ri *RoomIndex) Members(room domain.RoomID) []domain.SessionID {
	members := ri.rooms[room]
	out := make([]domain.SessionID, 0, len(members))
	for sid := range members {
		out = append(out, sid)
	}
	return out
}

func (ri *RoomIndex) Len(room domain.RoomID) int { return len(ri.rooms[room]) }

func (ri *RoomIndex) Has(room domain.RoomID) bool {
	_, ok := ri.rooms[room]
	return ok
}

func (ri *RoomIndex) Counts() map[domain.RoomID]int {
	out := make(map[domain.RoomID]int, len(ri.rooms))
	for room, members := range ri.rooms {
		out[room] = len(members)
	}
	return out
}

func (ri *RoomIndex) Reset() {
	ri.rooms = make(map[domain.RoomID]map[domain.SessionID]struct{})
}
