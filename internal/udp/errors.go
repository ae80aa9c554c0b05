package udp

import (
	"errors"
	"fmt"
	"net/netip"
)

// ErrClosed is returned by send operations once the socket actor has
// terminated or is shutting down.
var ErrClosed = errors.New("socket closed")

// BindError reports a failure to create, configure or bind the socket.
// A Socket whose bind failed is inert: Err returns the BindError and all
// sends fail with ErrClosed.
type BindError struct {
	Address string
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind socket using address %s: %v", e.Address, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// IOError is a transport-level failure on the read path.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("udp %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// SendError reports a failed write. A SendError terminates the actor.
type SendError struct {
	Addr netip.AddrPort // zero for connected sends
	Err  error
}

func (e *SendError) Error() string {
	if e.Addr.IsValid() {
		return fmt.Sprintf("failed to send datagram to %s: %v", e.Addr, e.Err)
	}
	return fmt.Sprintf("failed to send datagram: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// CommandError reports that the actor rejected or abandoned a request.
// errors.Is(err, ErrClosed) is true for every CommandError.
type CommandError struct {
	Reason string
}

func (e *CommandError) Error() string {
	return "failed to execute command: " + e.Reason
}

func (e *CommandError) Is(target error) bool {
	return target == ErrClosed
}

// ResolveError reports an address that could not be resolved to a UDP
// endpoint.
type ResolveError struct {
	Address string
	Err     error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("unable to resolve socket address %q: %v", e.Address, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }
