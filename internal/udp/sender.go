package udp

import (
	"context"

	"golang.org/x/time/rate"
)

// sender owns the write side of the socket.
type sender struct {
	conn    packetConn
	limiter *rate.Limiter
}

// newSender creates a send path. A positive perSecond paces sends with a
// token bucket of the given burst.
func newSender(conn packetConn, perSecond float64, burst int) *sender {
	s := &sender{conn: conn}
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return s
}

// send writes one datagram. Addressed datagrams use WriteTo; datagrams without
// a peer use the connected send. It returns the number of bytes accepted by
// the transport.
func (s *sender) send(ctx context.Context, d Datagram) (int, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return 0, &SendError{Addr: d.Peer, Err: err}
		}
	}

	var (
		n   int
		err error
	)
	if d.Peer.IsValid() {
		n, err = s.conn.WriteToUDPAddrPort(d.Payload, d.Peer)
	} else {
		n, err = s.conn.Write(d.Payload)
	}
	if err != nil {
		return n, &SendError{Addr: d.Peer, Err: err}
	}
	return n, nil
}
