package domain

import (
	"errors"
	"strconv"
	"strings"
)

var ErrInvalidRoomID = errors.New("invalid feedback id")

// RoomID mirrors a feedback thread id in the product.
type RoomID int

// ParseRoomPath extracts the room id from the trailing segment of a
// connection path such as "/ws/chat/42/". Zero is not a valid room.
func ParseRoomPath(path string) (RoomID, error) {
	trimmed := strings.TrimRight(path, "/")
	if i := strings.LastIndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil || n <= 0 {
		return 0, ErrInvalidRoomID
	}
	return RoomID(n), nil
}
