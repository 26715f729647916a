package core

import "errors"

// ErrConnectionClosed is returned by TrySend after Close.
var ErrConnectionClosed = errors.New("connection closed")

// Frame is one serialized outbound websocket message.
type Frame []byte

// SignalConnection abstracts the messaging transport of one session.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend enqueues without blocking; it fails on backpressure or after close.
	TrySend(Frame) error
	// Close sends a close frame with the given code and reason, then
	// releases the transport. Safe to call more than once.
	Close(code int, reason string)
}

// PublishResult reports delivery stats/backpressure to the dispatcher.
type PublishResult struct {
	SentTo  int
	Dropped []*Session
}
