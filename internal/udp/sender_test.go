package udp

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewSender_Limiter(t *testing.T) {
	conn := newFakeConn()

	if s := newSender(conn, 0, 5); s.limiter != nil {
		t.Error("zero rate should not create a limiter")
	}

	s := newSender(conn, 100, 0)
	if s.limiter == nil {
		t.Fatal("positive rate should create a limiter")
	}
	if s.limiter.Burst() != 1 {
		t.Errorf("Burst() = %d, want 1", s.limiter.Burst())
	}
}

func TestSender_AddressedAndConnected(t *testing.T) {
	conn := newFakeConn()
	s := newSender(conn, 0, 0)
	ctx := context.Background()

	if _, err := s.send(ctx, NewDatagram([]byte("to"), testPeer)); err != nil {
		t.Fatalf("send(addressed) error = %v", err)
	}
	if _, err := s.send(ctx, Datagram{Payload: []byte("conn")}); err != nil {
		t.Fatalf("send(connected) error = %v", err)
	}

	sent := conn.sent()
	if len(sent) != 2 {
		t.Fatalf("writes = %d, want 2", len(sent))
	}
	if sent[0].to != testPeer {
		t.Errorf("addressed write to = %s", sent[0].to)
	}
	if sent[1].to.IsValid() {
		t.Errorf("connected write to = %s, want none", sent[1].to)
	}
}

func TestSender_WriteError(t *testing.T) {
	conn := newFakeConn()
	cause := errors.New("no route to host")
	conn.setWriteErr(cause)
	s := newSender(conn, 0, 0)

	_, err := s.send(context.Background(), NewDatagram([]byte("x"), testPeer))

	var sendErr *SendError
	if !errors.As(err, &sendErr) || !errors.Is(err, cause) {
		t.Fatalf("send() error = %v, want SendError wrapping cause", err)
	}
	if sendErr.Addr != testPeer {
		t.Errorf("SendError.Addr = %s, want %s", sendErr.Addr, testPeer)
	}
}

func TestSender_RateLimitHonorsContext(t *testing.T) {
	conn := newFakeConn()
	s := newSender(conn, 1, 1)

	if _, err := s.send(context.Background(), NewDatagram([]byte("a"), testPeer)); err != nil {
		t.Fatalf("first send error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := s.send(ctx, NewDatagram([]byte("b"), testPeer)); err == nil {
		t.Fatal("second send should wait past the deadline and fail")
	}
	if len(conn.sent()) != 1 {
		t.Errorf("writes = %d, want 1", len(conn.sent()))
	}
}
