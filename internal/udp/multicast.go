package udp

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// joinMulticast adds conn to the configured multicast group.
func joinMulticast(conn *net.UDPConn, mc MulticastConfig) error {
	group, err := netip.ParseAddr(mc.Group)
	if err != nil {
		return fmt.Errorf("parse group: %w", err)
	}
	if !group.IsMulticast() {
		return fmt.Errorf("%s is not a multicast address", group)
	}

	var ifi *net.Interface
	if mc.Interface != "" {
		ifi, err = net.InterfaceByName(mc.Interface)
		if err != nil {
			return fmt.Errorf("interface %s: %w", mc.Interface, err)
		}
	}

	groupAddr := &net.UDPAddr{IP: group.AsSlice()}

	if group.Is4() {
		p := ipv4.NewPacketConn(conn)
		if err := p.JoinGroup(ifi, groupAddr); err != nil {
			return err
		}
		return p.SetMulticastLoopback(mc.Loopback)
	}

	p := ipv6.NewPacketConn(conn)
	if err := p.JoinGroup(ifi, groupAddr); err != nil {
		return err
	}
	return p.SetMulticastLoopback(mc.Loopback)
}
