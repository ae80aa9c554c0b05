package udp

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// packetConn is the subset of *net.UDPConn used by the actor. Reads and
// writes may run concurrently from different goroutines.
type packetConn interface {
	ReadMsgUDPAddrPort(b, oob []byte) (n, oobn, flags int, addr netip.AddrPort, err error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	Write(b []byte) (int, error)
	LocalAddr() net.Addr
	Close() error
}

// listenFunc creates the socket for an actor.
type listenFunc func(ctx context.Context, cfg Config) (packetConn, error)

// listenUDP creates a non-blocking UDP socket with address and port reuse
// enabled and binds it to cfg.Address. The address family follows the local
// address. Every failure is reported as a *BindError.
func listenUDP(ctx context.Context, cfg Config) (packetConn, error) {
	local, err := ResolveAddr(cfg.Address)
	if err != nil {
		return nil, &BindError{Address: cfg.Address, Err: err}
	}

	network := networkFor(local.Addr())
	bindErr := func(err error) error {
		return &BindError{Address: local.String(), Err: err}
	}

	if err := cfg.Validate(); err != nil {
		return nil, bindErr(err)
	}

	var conn *net.UDPConn
	if cfg.Remote != "" {
		remote, err := ResolveAddr(cfg.Remote)
		if err != nil {
			return nil, bindErr(err)
		}
		d := net.Dialer{
			LocalAddr: net.UDPAddrFromAddrPort(local),
			Control:   setSocketOptions,
		}
		c, err := d.DialContext(ctx, network, remote.String())
		if err != nil {
			return nil, bindErr(err)
		}
		conn = c.(*net.UDPConn)
	} else {
		lc := net.ListenConfig{Control: setSocketOptions}
		pc, err := lc.ListenPacket(ctx, network, local.String())
		if err != nil {
			return nil, bindErr(err)
		}
		conn = pc.(*net.UDPConn)
	}

	if cfg.Multicast.Enabled() {
		if err := joinMulticast(conn, cfg.Multicast); err != nil {
			conn.Close()
			return nil, bindErr(fmt.Errorf("join multicast group: %w", err))
		}
	}

	return conn, nil
}

func networkFor(addr netip.Addr) string {
	if addr.Is4() || addr.Is4In6() {
		return "udp4"
	}
	return "udp6"
}
