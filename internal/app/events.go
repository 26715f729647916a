package app

import "github.com/dkeye/collab-harness/internal/domain"

type EventKind string

const (
	EventUserConnected    EventKind = "user_connected"
	EventUserDisconnected EventKind = "user_disconnected"
	EventMessageReceived  EventKind = "message_received"
	EventConnectionError  EventKind = "connection_error"
)

// Event is published to observers of a server. Message is set for
// EventMessageReceived, Err for EventConnectionError.
type Event struct {
	Kind    EventKind
	Session domain.Member
	Message *domain.Message
	Err     error
}

// EventHook observes server events. It runs on the goroutine that produced
// the event and must not block.
type EventHook func(Event)

func (h EventHook) emit(e Event) {
	if h != nil {
		h(e)
	}
}
