package domain

import "time"

type Kind string

const (
	KindChat           Kind = "chat_message"
	KindPresence       Kind = "user_presence"
	KindTyping         Kind = "typing_indicator"
	KindFeedbackUpdate Kind = "feedback_update"
	KindConnectionTest Kind = "connection_test"
)

// Metadata keys shared between server and clients.
const (
	MetaIsTyping          = "isTyping"
	MetaAction            = "action"
	MetaType              = "type"
	MetaSequence          = "sequence"
	MetaProcessed         = "processed"
	MetaProcessedAt       = "processedAt"
	MetaOriginalTimestamp = "originalTimestamp"
	MetaError             = "error"
	MetaCommentID         = "commentId"
	MetaField             = "field"
)

const (
	ActionJoined = "joined"
	ActionLeft   = "left"

	PingType = "ping"
	PongType = "pong"
)

// Message is the wire envelope exchanged with clients.
type Message struct {
	Type       Kind           `json:"type"`
	FeedbackID RoomID         `json:"feedbackId"`
	UserID     string         `json:"userId"`
	Username   string         `json:"username,omitempty"`
	Message    string         `json:"message,omitempty"`
	Timestamp  int64          `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Envelope wraps every frame the server emits.
type Envelope struct {
	Result Message `json:"result"`
}

// NowMillis is the timestamp unit used on the wire.
func NowMillis() int64 { return time.Now().UnixMilli() }

// Meta returns a metadata value, nil when absent.
func (m Message) Meta(key string) any {
	if m.Metadata == nil {
		return nil
	}
	return m.Metadata[key]
}

// MetaString returns a string metadata value or "".
func (m Message) MetaString(key string) string {
	s, _ := m.Meta(key).(string)
	return s
}

// MetaBool returns a bool metadata value or false.
func (m Message) MetaBool(key string) bool {
	b, _ := m.Meta(key).(bool)
	return b
}

// MetaInt64 returns a numeric metadata value. JSON numbers decode as
// float64, so both are accepted.
func (m Message) MetaInt64(key string) (int64, bool) {
	switch v := m.Meta(key).(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

// CloneMeta returns a shallow copy so relayed messages never share maps.
func (m Message) CloneMeta() map[string]any {
	out := make(map[string]any, len(m.Metadata)+2)
	for k, v := range m.Metadata {
		out[k] = v
	}
	return out
}
