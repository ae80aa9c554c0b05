package udp

import (
	"net/netip"

	"github.com/postalsys/udpactor/internal/bus"
)

// EventKind identifies the type of an Event.
type EventKind uint8

const (
	// EventData carries a datagram read from the socket.
	EventData EventKind = iota + 1
	// EventClose signals that the socket actor terminated.
	EventClose
)

// String returns a human-readable name for the kind.
func (k EventKind) String() string {
	switch k {
	case EventData:
		return "DATA"
	case EventClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// Event is published on the event bus by a socket actor.
type Event struct {
	Kind     EventKind
	Datagram Datagram       // set for EventData
	Local    netip.AddrPort // address of the socket that produced the event
	Err      error          // termination cause for EventClose, nil on Close()
}

// EventBus is the broadcast channel socket actors publish into.
type EventBus = bus.Bus[Event]

// EventSubscription is one subscriber's view of an EventBus.
type EventSubscription = bus.Subscription[Event]

// NewEventBus creates an event bus that can be shared between sockets with
// OpenSharing.
func NewEventBus(capacity int) *EventBus {
	return bus.New[Event](capacity)
}
