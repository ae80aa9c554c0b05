package udp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Datagram is one UDP payload plus an optional peer address. The peer is the
// destination when sending and the source when received. A zero Peer means
// "no address" and is only valid for sends on a connected socket.
//
// A Socket takes ownership of Payload once the datagram is passed to Send;
// callers must not modify it afterwards.
type Datagram struct {
	Payload []byte
	Peer    netip.AddrPort
}

// NewDatagram builds a datagram for an already resolved peer.
func NewDatagram(payload []byte, peer netip.AddrPort) Datagram {
	return Datagram{Payload: payload, Peer: normalizeAddrPort(peer)}
}

// ResolveDatagram builds a datagram whose destination is resolved from a
// "host:port" string.
func ResolveDatagram(payload []byte, address string) (Datagram, error) {
	peer, err := ResolveAddr(address)
	if err != nil {
		return Datagram{}, err
	}
	return Datagram{Payload: payload, Peer: peer}, nil
}

// EncodeJSON marshals v as JSON text and addresses it to dest.
func EncodeJSON(v any, dest string) (Datagram, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Datagram{}, fmt.Errorf("encode json datagram: %w", err)
	}
	return ResolveDatagram(data, dest)
}

// DecodeJSON unmarshals the payload into v.
func (d Datagram) DecodeJSON(v any) error {
	if err := json.Unmarshal(d.Payload, v); err != nil {
		return fmt.Errorf("decode json datagram: %w", err)
	}
	return nil
}

// HasPeer reports whether the datagram carries an address.
func (d Datagram) HasPeer() bool {
	return d.Peer.IsValid()
}

// Len returns the payload size in bytes.
func (d Datagram) Len() int {
	return len(d.Payload)
}

// String renders the payload as text, replacing invalid UTF-8.
func (d Datagram) String() string {
	return strings.ToValidUTF8(string(d.Payload), "�")
}

// ResolveAddr resolves "host:port" to a UDP endpoint. Literal addresses are
// parsed without a lookup; hostnames go through the system resolver and the
// first result is used.
func ResolveAddr(address string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(address); err == nil {
		return normalizeAddrPort(ap), nil
	}

	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return netip.AddrPort{}, &ResolveError{Address: address, Err: err}
	}

	ap := udpAddr.AddrPort()
	if !ap.IsValid() {
		return netip.AddrPort{}, &ResolveError{Address: address, Err: errors.New("no usable address")}
	}
	return normalizeAddrPort(ap), nil
}

func normalizeAddrPort(ap netip.AddrPort) netip.AddrPort {
	if !ap.IsValid() {
		return ap
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// addrPortOf converts a net.Addr reported by a socket into a netip.AddrPort.
func addrPortOf(addr net.Addr) netip.AddrPort {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return normalizeAddrPort(a.AddrPort())
	case nil:
		return netip.AddrPort{}
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}
		}
		return normalizeAddrPort(ap)
	}
}
