// Package udp wraps a single UDP socket in an actor.
//
// A Socket owns one bound UDP socket and exposes two asynchronous interfaces:
// an outbound send queue (Send, SendSync, SendJSON) and an inbound event
// stream (Subscribe) carrying Data and Close events through an event bus.
// The socket itself is only touched by goroutines the Socket starts:
//   - the actor loop, which owns the socket and the send path
//   - the receive loop, which reads datagrams and forwards them to the actor
//
// # Lifecycle
//
//  1. Open or OpenSharing returns immediately; binding happens in the background
//  2. Ready is closed once the socket is bound, or Done if binding failed
//  3. The actor loop multiplexes inbound datagrams and outbound send requests
//  4. A send failure, a read failure or Close terminates the actor
//  5. A final Close event is published and Done is closed
//
// There is no reconnection: a terminated Socket stays terminated and every
// later send fails with ErrClosed. Callers that want a replacement open a new
// Socket.
//
// A Group aggregates several sockets behind one shared event bus.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package udp
