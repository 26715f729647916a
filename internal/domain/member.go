package domain

// Member is a read-only view of one session for stats and APIs.
// No transport or lifecycle logic here.
type Member struct {
	ID           SessionID `json:"id"`
	Username     string    `json:"username"`
	Room         RoomID    `json:"feedbackId"`
	IsTyping     bool      `json:"isTyping"`
	LastActivity int64     `json:"lastActivity"`
}
