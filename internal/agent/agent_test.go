package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/udpactor/internal/config"
	"github.com/postalsys/udpactor/internal/udp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(addresses ...string) *config.Config {
	cfg := config.Default()
	cfg.Sockets = nil
	for _, addr := range addresses {
		sc := config.DefaultSocket()
		sc.Address = addr
		cfg.Sockets = append(cfg.Sockets, sc)
	}
	return cfg
}

func newTestAgent(t *testing.T, cfg *config.Config, onEvent func(udp.Event)) *Agent {
	t.Helper()

	a, err := NewWithOptions(cfg, Options{
		Logger:   testLogger(),
		Registry: prometheus.NewRegistry(),
		OnEvent:  onEvent,
	})
	if err != nil {
		t.Fatalf("NewWithOptions() error = %v", err)
	}
	t.Cleanup(func() { a.Stop() })
	return a
}

func openPeer(t *testing.T) *udp.Socket {
	t.Helper()

	p := udp.Open(udp.Config{Address: "127.0.0.1:0"}, testLogger())
	t.Cleanup(func() { p.Close() })

	select {
	case <-p.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("peer did not bind: %v", p.Err())
	}
	return p
}

func waitEvent(t *testing.T, events <-chan udp.Event) udp.Event {
	t.Helper()

	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return udp.Event{}
	}
}

func TestNew(t *testing.T) {
	a, err := New(testConfig("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a.IsRunning() {
		t.Error("New agent should not be running")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("New(nil) should fail")
	}

	cfg := testConfig("127.0.0.1:0")
	cfg.Bus.Capacity = 0
	if _, err := New(cfg); err == nil {
		t.Error("New() should fail for invalid config")
	}
}

func TestAgent_StartStop(t *testing.T) {
	a := newTestAgent(t, testConfig("127.0.0.1:0"), nil)

	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !a.IsRunning() {
		t.Error("Agent should be running after Start()")
	}

	// Double start should fail
	if err := a.Start(); err == nil {
		t.Error("Double Start() should fail")
	}

	s := a.Socket("127.0.0.1:0")
	if s == nil || s.State() != udp.StateOpen {
		t.Fatal("configured socket should be open")
	}

	if err := a.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if a.IsRunning() {
		t.Error("Agent should not be running after Stop()")
	}
	if s.State() != udp.StateClosed {
		t.Errorf("socket state = %v, want CLOSED", s.State())
	}

	// Stop is idempotent
	if err := a.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestAgent_DeliversEvents(t *testing.T) {
	for _, shared := range []bool{true, false} {
		name := "separate"
		if shared {
			name = "shared"
		}
		t.Run(name, func(t *testing.T) {
			events := make(chan udp.Event, 16)
			cfg := testConfig("127.0.0.1:0", "0.0.0.0:0")
			cfg.Bus.Shared = shared

			a := newTestAgent(t, cfg, func(ev udp.Event) { events <- ev })
			if err := a.Start(); err != nil {
				t.Fatalf("Start() error = %v", err)
			}

			peer := openPeer(t)
			target := a.Socket("127.0.0.1:0").LocalAddr()
			if err := peer.Send(context.Background(), udp.NewDatagram([]byte("hello agent"), target)); err != nil {
				t.Fatalf("Send() error = %v", err)
			}

			ev := waitEvent(t, events)
			if ev.Kind != udp.EventData || string(ev.Datagram.Payload) != "hello agent" {
				t.Fatalf("event = %v %q", ev.Kind, ev.Datagram.Payload)
			}
			if ev.Local != target {
				t.Errorf("event local = %s, want %s", ev.Local, target)
			}
			if ev.Datagram.Peer != peer.LocalAddr() {
				t.Errorf("event peer = %s, want %s", ev.Datagram.Peer, peer.LocalAddr())
			}
		})
	}
}

func TestAgent_Send(t *testing.T) {
	a := newTestAgent(t, testConfig("127.0.0.1:0"), nil)
	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	peer := openPeer(t)
	sub := peer.Subscribe()

	if err := a.Send(context.Background(), "127.0.0.1:0", udp.NewDatagram([]byte("out"), peer.LocalAddr())); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := sub.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if string(ev.Datagram.Payload) != "out" {
		t.Errorf("peer received %q, want out", ev.Datagram.Payload)
	}

	err = a.Send(context.Background(), "127.0.0.1:1", udp.NewDatagram([]byte("x"), peer.LocalAddr()))
	if !errors.Is(err, ErrNoSocket) {
		t.Errorf("Send(unknown) error = %v, want ErrNoSocket", err)
	}
}

func TestAgent_StartFailsOnBindError(t *testing.T) {
	// 192.0.2.0/24 is reserved for documentation and never assigned locally.
	a := newTestAgent(t, testConfig("127.0.0.1:0", "192.0.2.1:0"), nil)

	err := a.Start()
	var bindErr *udp.BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("Start() error = %v, want *udp.BindError", err)
	}
	if a.IsRunning() {
		t.Error("Agent should not be running after failed Start()")
	}
	if s := a.Socket("127.0.0.1:0"); s != nil && s.State() != udp.StateClosed {
		t.Errorf("socket opened before the failure should be closed, state = %v", s.State())
	}
}

func TestAgent_Stats(t *testing.T) {
	events := make(chan udp.Event, 4)
	a := newTestAgent(t, testConfig("127.0.0.1:0"), func(ev udp.Event) { events <- ev })
	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	peer := openPeer(t)
	target := a.Socket("127.0.0.1:0").LocalAddr()
	if err := peer.Send(context.Background(), udp.NewDatagram([]byte("x"), target)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	waitEvent(t, events)

	stats := a.Stats()
	if stats.SocketCount != 1 || stats.OpenSockets != 1 {
		t.Errorf("SocketCount = %d, OpenSockets = %d, want 1/1", stats.SocketCount, stats.OpenSockets)
	}
	if stats.EventsPublished < 1 {
		t.Errorf("EventsPublished = %d, want >= 1", stats.EventsPublished)
	}
	if stats.Sockets[0].State != "OPEN" || stats.Sockets[0].LocalAddr != target.String() {
		t.Errorf("Sockets[0] = %+v", stats.Sockets[0])
	}

	if len(stats.Buses) != 1 {
		t.Fatalf("len(Buses) = %d, want 1", len(stats.Buses))
	}
	bs := stats.Buses[0]
	if bs.Capacity != 32 || bs.Subscribers != 1 || bs.Closed {
		t.Errorf("Buses[0] = %+v, want capacity 32, 1 subscriber, open", bs)
	}
	if bs.Backlog != 0 {
		t.Errorf("Buses[0].Backlog = %d, want 0", bs.Backlog)
	}
}

func TestAgent_StatsPerSocketBuses(t *testing.T) {
	cfg := testConfig("127.0.0.1:0", "127.0.0.2:0")
	cfg.Bus.Shared = false
	cfg.Bus.Capacity = 8

	a := newTestAgent(t, cfg, nil)
	if err := a.Start(); err != nil {
		t.Skipf("cannot bind second loopback address: %v", err)
	}

	stats := a.Stats()
	if len(stats.Buses) != 2 {
		t.Fatalf("len(Buses) = %d, want 2", len(stats.Buses))
	}
	for i, bs := range stats.Buses {
		if bs.Capacity != 8 || bs.Subscribers != 1 || bs.Closed {
			t.Errorf("Buses[%d] = %+v, want capacity 8, 1 subscriber, open", i, bs)
		}
	}
}

func TestAgent_HealthServer(t *testing.T) {
	cfg := testConfig("127.0.0.1:0")
	cfg.Health.Enabled = true
	cfg.Health.Address = "127.0.0.1:0"

	a := newTestAgent(t, cfg, nil)
	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	addr := a.HealthAddress()
	if addr == "" {
		t.Fatal("HealthAddress() should be set")
	}

	get := func(path string) (int, string) {
		t.Helper()
		var (
			resp *http.Response
			err  error
		)
		for i := 0; i < 10; i++ {
			resp, err = http.Get("http://" + addr + path)
			if err == nil {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	if code, body := get("/ready"); code != http.StatusOK || body != "READY\n" {
		t.Errorf("/ready = %d %q", code, body)
	}
	if code, body := get("/healthz"); code != http.StatusOK || !strings.Contains(body, `"state":"OPEN"`) {
		t.Errorf("/healthz = %d %s", code, body)
	}
	if _, body := get("/metrics"); !strings.Contains(body, "udpactor_sockets_active 1") {
		t.Errorf("/metrics missing sockets_active:\n%s", body)
	}
}

func TestAgent_StopWithContext(t *testing.T) {
	a := newTestAgent(t, testConfig("127.0.0.1:0"), nil)
	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.StopWithContext(ctx); err != nil {
		t.Errorf("StopWithContext() error = %v", err)
	}
	if a.IsRunning() {
		t.Error("Agent should not be running")
	}
}

func TestPreview(t *testing.T) {
	short := udp.Datagram{Payload: []byte("short")}
	if got := preview(short); got != "short" {
		t.Errorf("preview() = %q, want short", got)
	}

	long := udp.Datagram{Payload: []byte(strings.Repeat("é", 40))}
	got := preview(long)
	if !strings.HasSuffix(got, "...") {
		t.Errorf("preview() = %q, want truncated", got)
	}
	if len(got) > maxLoggedPayload+3 {
		t.Errorf("len(preview()) = %d, want <= %d", len(got), maxLoggedPayload+3)
	}
	if !strings.HasPrefix(long.String(), strings.TrimSuffix(got, "...")) {
		t.Error("preview() should cut on a rune boundary")
	}
}
