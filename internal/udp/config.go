package udp

import (
	"fmt"
	"net/netip"

	"github.com/postalsys/udpactor/internal/metrics"
)

// Config holds configuration for a single socket actor.
type Config struct {
	// Address is the local "host:port" to bind. Port 0 picks an ephemeral port.
	Address string

	// Remote, when set, connects the socket to a single fixed peer so that
	// datagrams without a Peer can be sent.
	Remote string

	// QueueSize is the capacity of the outbound send queue.
	// Senders block once the queue is full.
	QueueSize int

	// BusCapacity is the ring size of the event bus created by Open.
	// Ignored by OpenSharing.
	BusCapacity int

	// ReadBufferSize is the largest datagram the receive loop can read.
	// Longer datagrams are truncated by the kernel; truncation is logged and
	// counted where the platform reports it.
	ReadBufferSize int

	// SendRate limits outbound datagrams per second. 0 means unlimited.
	SendRate float64

	// SendBurst is the number of datagrams allowed above SendRate at once.
	SendBurst int

	// Multicast optionally joins a multicast group after binding.
	Multicast MulticastConfig

	// Metrics receives socket metrics. nil disables metrics.
	Metrics *metrics.Metrics
}

// MulticastConfig describes a multicast group membership.
type MulticastConfig struct {
	// Group is the multicast group address. Empty disables the join.
	Group string

	// Interface is the network interface name used for the join.
	// Empty lets the system choose.
	Interface string

	// Loopback controls whether locally sent multicast datagrams are looped back.
	Loopback bool
}

// Enabled reports whether a group join was requested.
func (m MulticastConfig) Enabled() bool {
	return m.Group != ""
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Address:        "0.0.0.0:0",
		QueueSize:      32,
		BusCapacity:    32,
		ReadBufferSize: 65536,
		SendRate:       0,
		SendBurst:      1,
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Address == "" {
		c.Address = def.Address
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.BusCapacity <= 0 {
		c.BusCapacity = def.BusCapacity
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	if c.SendBurst <= 0 {
		c.SendBurst = def.SendBurst
	}
	return c
}

// Validate checks the configuration for errors that would make binding fail.
func (c Config) Validate() error {
	if c.SendRate < 0 {
		return fmt.Errorf("send rate must not be negative")
	}
	if c.Multicast.Enabled() {
		group, err := netip.ParseAddr(c.Multicast.Group)
		if err != nil {
			return fmt.Errorf("invalid multicast group %q: %w", c.Multicast.Group, err)
		}
		if !group.IsMulticast() {
			return fmt.Errorf("%s is not a multicast address", group)
		}
	}
	return nil
}
