package domain

// Stats is a point-in-time view of a server.
type Stats struct {
	ActiveConnections int            `json:"activeConnections"`
	RoomSessions      map[RoomID]int `json:"roomSessions"`
}
