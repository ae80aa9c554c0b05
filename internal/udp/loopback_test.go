package udp

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"runtime"
	"testing"
	"time"
)

func openLoopback(t *testing.T, cfg Config) *Socket {
	t.Helper()

	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	s := Open(cfg, testLogger())
	t.Cleanup(func() { s.Close() })

	waitReady(t, s)
	return s
}

func listenPeer(t *testing.T) *net.UDPConn {
	t.Helper()

	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { peer.Close() })
	return peer
}

func peerAddr(c *net.UDPConn) netip.AddrPort {
	return c.LocalAddr().(*net.UDPAddr).AddrPort()
}

func TestOpen_BindsLoopback(t *testing.T) {
	s := openLoopback(t, Config{})

	local := s.LocalAddr()
	if local.Addr() != netip.MustParseAddr("127.0.0.1") {
		t.Errorf("LocalAddr() = %s, want 127.0.0.1", local)
	}
	if local.Port() == 0 {
		t.Error("LocalAddr() port should be assigned")
	}
	if s.State() != StateOpen {
		t.Errorf("State() = %v, want OPEN", s.State())
	}
}

func TestOpen_RoundTripPreservesBytes(t *testing.T) {
	s := openLoopback(t, Config{})
	peer := listenPeer(t)
	sub := s.Subscribe()

	binary := make([]byte, 256)
	for i := range binary {
		binary[i] = byte(i)
	}
	large := bytes.Repeat([]byte("0123456789"), 120)
	jumbo := bytes.Repeat([]byte("abcdefghij"), 2000)
	maxIPv4 := bytes.Repeat([]byte{0xa5}, 65507)

	payloads := map[string][]byte{
		"empty":   {},
		"text":    []byte("hello"),
		"binary":  binary,
		"1200B":   large,
		"20000B":  jumbo,
		"maxIPv4": maxIPv4,
	}

	ctx := context.Background()
	buf := make([]byte, 65536)

	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			if _, err := s.SendSync(ctx, NewDatagram(payload, peerAddr(peer))); err != nil {
				t.Fatalf("SendSync() error = %v", err)
			}

			peer.SetReadDeadline(time.Now().Add(2 * time.Second))
			n, from, err := peer.ReadFromUDPAddrPort(buf)
			if err != nil {
				t.Fatalf("peer read error: %v", err)
			}
			if !bytes.Equal(buf[:n], payload) {
				t.Errorf("peer received %d bytes, want %d", n, len(payload))
			}
			if normalizeAddrPort(from) != s.LocalAddr() {
				t.Errorf("peer saw source %s, want %s", from, s.LocalAddr())
			}

			if _, err := peer.WriteToUDPAddrPort(payload, s.LocalAddr()); err != nil {
				t.Fatalf("peer write error: %v", err)
			}
			ev := recvEvent(t, sub)
			if ev.Kind != EventData {
				t.Fatalf("event kind = %v, want DATA", ev.Kind)
			}
			if !bytes.Equal(ev.Datagram.Payload, payload) {
				t.Errorf("event payload %d bytes, want %d", len(ev.Datagram.Payload), len(payload))
			}
			if ev.Datagram.Peer != peerAddr(peer) {
				t.Errorf("event peer = %s, want %s", ev.Datagram.Peer, peerAddr(peer))
			}
			if ev.Local != s.LocalAddr() {
				t.Errorf("event local = %s, want %s", ev.Local, s.LocalAddr())
			}
		})
	}
}

func TestOpen_PingPong(t *testing.T) {
	a := openLoopback(t, Config{})
	b := openLoopback(t, Config{})
	subA := a.Subscribe()
	subB := b.Subscribe()

	ctx := context.Background()
	if err := a.Send(ctx, NewDatagram([]byte("ping"), b.LocalAddr())); err != nil {
		t.Fatalf("Send(ping) error = %v", err)
	}

	ev := recvEvent(t, subB)
	if string(ev.Datagram.Payload) != "ping" {
		t.Fatalf("b received %q, want ping", ev.Datagram.Payload)
	}
	if ev.Datagram.Peer != a.LocalAddr() {
		t.Errorf("b saw peer %s, want %s", ev.Datagram.Peer, a.LocalAddr())
	}

	if err := b.Send(ctx, NewDatagram([]byte("pong"), ev.Datagram.Peer)); err != nil {
		t.Fatalf("Send(pong) error = %v", err)
	}

	ev = recvEvent(t, subA)
	if string(ev.Datagram.Payload) != "pong" || ev.Datagram.Peer != b.LocalAddr() {
		t.Errorf("a received %q from %s", ev.Datagram.Payload, ev.Datagram.Peer)
	}
}

func TestOpen_JSONExchange(t *testing.T) {
	type hello struct {
		Name string `json:"name"`
		Seq  int    `json:"seq"`
	}

	a := openLoopback(t, Config{})
	b := openLoopback(t, Config{})
	sub := b.Subscribe()

	if err := a.SendJSON(context.Background(), hello{Name: "a", Seq: 7}, b.LocalAddr().String()); err != nil {
		t.Fatalf("SendJSON() error = %v", err)
	}

	ev := recvEvent(t, sub)
	var got hello
	if err := ev.Datagram.DecodeJSON(&got); err != nil {
		t.Fatalf("DecodeJSON() error = %v", err)
	}
	if got.Name != "a" || got.Seq != 7 {
		t.Errorf("decoded = %+v", got)
	}
}

func TestOpen_ConnectedSend(t *testing.T) {
	peer := listenPeer(t)
	s := openLoopback(t, Config{Remote: peerAddr(peer).String()})

	if _, err := s.SendSync(context.Background(), Datagram{Payload: []byte("connected")}); err != nil {
		t.Fatalf("SendSync() error = %v", err)
	}

	buf := make([]byte, 64)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := peer.Read(buf)
	if err != nil {
		t.Fatalf("peer read error: %v", err)
	}
	if string(buf[:n]) != "connected" {
		t.Errorf("peer received %q", buf[:n])
	}
}

func TestOpen_SendWithoutPeerOnUnconnectedSocketFails(t *testing.T) {
	s := openLoopback(t, Config{})

	_, err := s.SendSync(context.Background(), Datagram{Payload: []byte("nowhere")})
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("SendSync() error = %v, want *SendError", err)
	}

	waitDone(t, s)
	if !errors.As(s.Err(), &sendErr) {
		t.Errorf("Err() = %v, want *SendError", s.Err())
	}
}

func TestOpen_BindConflict(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("bind conflict semantics checked on linux only")
	}

	holder := listenPeer(t)
	addr := peerAddr(holder).String()

	s := Open(Config{Address: addr}, testLogger())
	defer s.Close()
	sub := s.Subscribe()

	waitDone(t, s)

	var bindErr *BindError
	if !errors.As(s.Err(), &bindErr) {
		t.Fatalf("Err() = %v, want *BindError", s.Err())
	}
	if bindErr.Address != addr {
		t.Errorf("BindError.Address = %q, want %q", bindErr.Address, addr)
	}
	if err := s.Send(context.Background(), NewDatagram([]byte("x"), testPeer)); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() = %v, want ErrClosed", err)
	}
	expectBusClosed(t, sub)
}

func TestOpen_ReusePort(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("port reuse checked on linux only")
	}

	first := openLoopback(t, Config{})
	second := openLoopback(t, Config{Address: first.LocalAddr().String()})

	if first.LocalAddr() != second.LocalAddr() {
		t.Errorf("addresses differ: %s vs %s", first.LocalAddr(), second.LocalAddr())
	}
}

func TestOpen_UnresolvableAddress(t *testing.T) {
	s := Open(Config{Address: "127.0.0.1:99999"}, testLogger())
	waitDone(t, s)

	var bindErr *BindError
	if !errors.As(s.Err(), &bindErr) {
		t.Fatalf("Err() = %v, want *BindError", s.Err())
	}
	if bindErr.Address != "127.0.0.1:99999" {
		t.Errorf("BindError.Address = %q", bindErr.Address)
	}
	var resolveErr *ResolveError
	if !errors.As(s.Err(), &resolveErr) {
		t.Errorf("Err() = %v, want wrapped *ResolveError", s.Err())
	}
}

func TestOpen_IPv6Loopback(t *testing.T) {
	probe, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6loopback})
	if err != nil {
		t.Skipf("ipv6 loopback unavailable: %v", err)
	}
	probe.Close()

	a := openLoopback(t, Config{Address: "[::1]:0"})
	b := openLoopback(t, Config{Address: "[::1]:0"})
	sub := b.Subscribe()

	if !a.LocalAddr().Addr().Is6() {
		t.Fatalf("LocalAddr() = %s, want ipv6", a.LocalAddr())
	}
	if err := a.Send(context.Background(), NewDatagram([]byte("v6"), b.LocalAddr())); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if ev := recvEvent(t, sub); string(ev.Datagram.Payload) != "v6" {
		t.Errorf("payload = %q, want v6", ev.Datagram.Payload)
	}
}
