package udp

// SocketState represents the lifecycle state of a socket actor.
type SocketState int

const (
	// StateBinding means the socket is being created and bound.
	StateBinding SocketState = iota
	// StateOpen means the actor loop is running.
	StateOpen
	// StateClosed means the actor has terminated, or never started.
	StateClosed
)

// String returns a human-readable name for the state.
func (s SocketState) String() string {
	switch s {
	case StateBinding:
		return "BINDING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
