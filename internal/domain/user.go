// Package domain contains entity without logic, just meta-data
package domain

import (
	"strings"

	"github.com/google/uuid"
)

// SystemUserID marks frames synthesized by the server itself.
const SystemUserID = "system"

type SessionID string

// NewSessionID returns a fresh server-generated session identity.
func NewSessionID() SessionID {
	return SessionID("session_" + strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// DisplayName derives the username shown to peers from the session id.
func (id SessionID) DisplayName() string {
	s := string(id)
	if len(s) > 4 {
		s = s[len(s)-4:]
	}
	return "TestUser_" + s
}
