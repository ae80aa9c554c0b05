package udp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/udpactor/internal/bus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type readResult struct {
	payload []byte
	from    netip.AddrPort
	err     error
}

type written struct {
	payload []byte
	to      netip.AddrPort
}

// fakeConn is a scripted packetConn. Reads block until a result is pushed or
// the connection is closed.
type fakeConn struct {
	local *net.UDPAddr
	reads chan readResult

	closeOnce sync.Once
	closed    chan struct{}

	// gate, when set, blocks every write until it is closed.
	gate         chan struct{}
	writeStarted chan struct{}

	mu       sync.Mutex
	writes   []written
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		local:        &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000},
		reads:        make(chan readResult, 16),
		closed:       make(chan struct{}),
		writeStarted: make(chan struct{}, 64),
	}
}

func (c *fakeConn) ReadMsgUDPAddrPort(b, oob []byte) (int, int, int, netip.AddrPort, error) {
	select {
	case r := <-c.reads:
		if r.err != nil {
			return 0, 0, 0, netip.AddrPort{}, r.err
		}
		n := copy(b, r.payload)
		flags := 0
		if n < len(r.payload) {
			flags = msgTrunc
		}
		return n, 0, flags, r.from, nil
	case <-c.closed:
		return 0, 0, 0, netip.AddrPort{}, net.ErrClosed
	}
}

func (c *fakeConn) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	return c.write(b, addr)
}

func (c *fakeConn) Write(b []byte) (int, error) {
	return c.write(b, netip.AddrPort{})
}

func (c *fakeConn) write(b []byte, to netip.AddrPort) (int, error) {
	c.writeStarted <- struct{}{}
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-c.closed:
			return 0, net.ErrClosed
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.writes = append(c.writes, written{payload: append([]byte(nil), b...), to: to})
	return len(b), nil
}

func (c *fakeConn) LocalAddr() net.Addr { return c.local }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sent() []written {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]written(nil), c.writes...)
}

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeErr = err
}

// startFake starts an actor on conn with its own bus and waits for it to bind.
func startFake(t *testing.T, cfg Config, conn *fakeConn) *Socket {
	t.Helper()

	cfg = cfg.withDefaults()
	s := start(cfg, NewEventBus(cfg.BusCapacity), true, testLogger(),
		func(context.Context, Config) (packetConn, error) { return conn, nil })
	t.Cleanup(func() { s.Close() })

	waitReady(t, s)
	return s
}

func waitReady(t *testing.T, s *Socket) {
	t.Helper()

	select {
	case <-s.Ready():
	case <-s.Done():
		t.Fatalf("socket terminated before binding: %v", s.Err())
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for socket to bind")
	}
}

func waitDone(t *testing.T, s *Socket) {
	t.Helper()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for socket to terminate")
	}
}

func recvEvent(t *testing.T, sub *EventSubscription) Event {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ev, err := sub.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	return ev
}

func expectBusClosed(t *testing.T, sub *EventSubscription) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for {
		ev, err := sub.Recv(ctx)
		if err == nil {
			if ev.Kind == EventClose {
				continue
			}
			t.Fatalf("unexpected event after termination: %v", ev.Kind)
		}
		if !errors.Is(err, bus.ErrClosed) {
			t.Fatalf("Recv() error = %v, want bus closed", err)
		}
		return
	}
}
