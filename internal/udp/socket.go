package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/udpactor/internal/logging"
	"github.com/postalsys/udpactor/internal/metrics"
	"github.com/postalsys/udpactor/internal/recovery"
)

// Termination reasons reported to metrics.
const (
	reasonClosed       = "closed"
	reasonSendFailed   = "send_failed"
	reasonReadFailed   = "read_failed"
	reasonReceiverGone = "receiver_gone"
	reasonPanic        = "panic"
)

type sendRequest struct {
	datagram Datagram
	result   chan<- sendResult // nil for fire-and-forget sends
}

type sendResult struct {
	n   int
	err error
}

// Socket is a handle to a socket actor.
type Socket struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	outbound chan sendRequest
	events   *EventBus
	ownsBus  bool

	// sendMu is held shared by enqueue and exclusively by stopAccepting, so
	// no request can enter outbound once the actor has stopped accepting.
	sendMu sync.RWMutex

	ctx     context.Context
	cancel  context.CancelFunc
	closing atomic.Bool
	ready   chan struct{}
	done    chan struct{}

	mu    sync.RWMutex
	state SocketState
	local netip.AddrPort
	conn  packetConn
	err   error
}

// Open starts a socket actor bound to cfg.Address with its own event bus.
// It returns immediately; binding happens in the background. The event bus
// is closed when the actor terminates.
func Open(cfg Config, logger *slog.Logger) *Socket {
	cfg = cfg.withDefaults()
	return start(cfg, NewEventBus(cfg.BusCapacity), true, logger, listenUDP)
}

// OpenSharing starts a socket actor that publishes into events, which may be
// shared with other sockets. The caller owns events and is responsible for
// closing it.
func OpenSharing(cfg Config, events *EventBus, logger *slog.Logger) *Socket {
	return start(cfg.withDefaults(), events, false, logger, listenUDP)
}

func start(cfg Config, events *EventBus, ownsBus bool, logger *slog.Logger, listen listenFunc) *Socket {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Socket{
		cfg: cfg,
		logger: logging.OrNop(logger).With(
			slog.String(logging.KeyComponent, "udp"),
			slog.String(logging.KeyAddress, cfg.Address)),
		metrics:  cfg.Metrics,
		outbound: make(chan sendRequest, cfg.QueueSize),
		events:   events,
		ownsBus:  ownsBus,
		ctx:      ctx,
		cancel:   cancel,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		state:    StateBinding,
	}

	go s.run(listen)

	return s
}

// Send enqueues a datagram for transmission. It returns once the datagram is
// accepted into the outbound queue, not once it has been written. Send blocks
// while the queue is full. It fails with ErrClosed if the actor has
// terminated.
func (s *Socket) Send(ctx context.Context, d Datagram) error {
	return s.enqueue(ctx, sendRequest{datagram: d})
}

// SendSync enqueues a datagram and waits for the send path to write it.
// It returns the number of bytes accepted by the transport, or the
// *SendError that terminated the actor.
func (s *Socket) SendSync(ctx context.Context, d Datagram) (int, error) {
	result := make(chan sendResult, 1)
	if err := s.enqueue(ctx, sendRequest{datagram: d, result: result}); err != nil {
		return 0, err
	}

	select {
	case res := <-result:
		return res.n, res.err
	case <-s.done:
		select {
		case res := <-result:
			return res.n, res.err
		default:
		}
		return 0, &CommandError{Reason: "socket terminated before the datagram was sent"}
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// SendJSON encodes v as JSON and sends it to dest. Encoding and resolution
// errors are returned without affecting the actor.
func (s *Socket) SendJSON(ctx context.Context, v any, dest string) error {
	d, err := EncodeJSON(v, dest)
	if err != nil {
		return err
	}
	return s.Send(ctx, d)
}

func (s *Socket) enqueue(ctx context.Context, req sendRequest) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	if s.closing.Load() {
		return ErrClosed
	}

	select {
	case s.outbound <- req:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stopAccepting rejects further sends and waits for enqueues already in
// progress to finish.
func (s *Socket) stopAccepting() {
	s.closing.Store(true)
	s.cancel()
	s.sendMu.Lock()
	s.sendMu.Unlock()
}

// discardQueued empties outbound after stopAccepting. Waiting SendSync
// callers are failed; every discarded datagram is logged and counted.
func (s *Socket) discardQueued(localAddr string) {
	dropped := 0
	for len(s.outbound) > 0 {
		discard(<-s.outbound)
		dropped++
	}

	if dropped > 0 {
		s.metrics.RecordDiscarded(localAddr, dropped)
		s.logger.Warn("discarded queued datagrams", logging.KeyCount, dropped)
	}
}

func discard(req sendRequest) {
	if req.result != nil {
		req.result <- sendResult{err: &CommandError{Reason: "socket terminated before the datagram was sent"}}
	}
}

// Subscribe returns a new independent subscription to the socket's event bus.
// It only observes events published after the call.
func (s *Socket) Subscribe() *EventSubscription {
	return s.events.Subscribe()
}

// Events returns the event bus the socket publishes into.
func (s *Socket) Events() *EventBus {
	return s.events
}

// Ready returns a channel closed once the socket is bound.
// It is never closed if binding fails; use Done to observe that.
func (s *Socket) Ready() <-chan struct{} {
	return s.ready
}

// Done returns a channel closed once the actor has terminated and released
// the socket.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the actor terminated: a *BindError, *SendError,
// *IOError or ErrClosed. It returns nil while the actor is running and after
// a termination requested with Close.
func (s *Socket) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.err
}

// State returns the current lifecycle state.
func (s *Socket) State() SocketState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state
}

// LocalAddr returns the bound address. It is invalid until Ready is closed.
func (s *Socket) LocalAddr() netip.AddrPort {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.local
}

// Address returns the configured local address.
func (s *Socket) Address() string {
	return s.cfg.Address
}

// Close stops the actor without sending any queued datagrams and waits for
// it to release the socket. Closing twice is a no-op.
func (s *Socket) Close() error {
	s.closing.Store(true)
	s.cancel()
	<-s.done
	return nil
}

func (s *Socket) run(listen listenFunc) {
	defer close(s.done)
	defer recovery.RecoverWithCallback(s.logger, "udp socket", func(r any) {
		s.stopAccepting()
		s.mu.RLock()
		conn, wasOpen := s.conn, s.state == StateOpen
		s.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
		s.discardQueued(s.cfg.Address)
		if wasOpen {
			s.metrics.RecordTermination(reasonPanic)
		}
		s.terminate(fmt.Errorf("socket actor panic: %v", r))
		if s.ownsBus {
			s.events.Close()
		}
	})

	conn, err := listen(s.ctx, s.cfg)
	if err != nil {
		if s.ctx.Err() != nil {
			// Closed while binding.
			err = nil
		} else {
			s.logger.Error("failed to bind udp socket", logging.KeyError, err)
			s.metrics.RecordBind(false)
		}
		s.stopAccepting()
		s.discardQueued(s.cfg.Address)
		s.terminate(err)
		if s.ownsBus {
			s.events.Close()
		}
		return
	}

	local := addrPortOf(conn.LocalAddr())
	s.mu.Lock()
	s.state = StateOpen
	s.local = local
	s.conn = conn
	s.mu.Unlock()
	close(s.ready)

	s.metrics.RecordBind(true)
	s.logger.Info("udp socket bound", logging.KeyLocalAddr, local.String())

	recv := startReceiver(conn, s.cfg.ReadBufferSize, s.ctx.Done(), s.logger)
	snd := newSender(conn, s.cfg.SendRate, s.cfg.SendBurst)

	reason, cause := s.loop(recv, snd, local)

	s.stopAccepting()
	if err := conn.Close(); err != nil {
		s.logger.Debug("close udp socket", logging.KeyError, err)
	}
	recv.wait()
	s.discardQueued(local.String())

	s.metrics.RecordTermination(reason)
	s.terminate(cause)

	if cause != nil {
		s.logger.Warn("udp socket terminated", logging.KeyReason, reason, logging.KeyError, cause)
	} else {
		s.logger.Info("udp socket closed")
	}

	s.publish(Event{Kind: EventClose, Local: local, Err: cause})
	if s.ownsBus {
		s.events.Close()
	}
}

// loop multiplexes inbound signals, outbound requests and shutdown. Go's
// select chooses uniformly among ready cases, so neither source starves the
// other. It returns a metrics reason and the termination cause, which is nil
// for Close.
func (s *Socket) loop(recv *receiver, snd *sender, local netip.AddrPort) (string, error) {
	localStr := local.String()

	for {
		select {
		case sig, ok := <-recv.next():
			if !ok {
				s.logger.Error("udp receiver event channel closed")
				return reasonReceiverGone, ErrClosed
			}

			switch sig.kind {
			case signalData:
				s.metrics.RecordReceive(localStr, len(sig.payload))
				if sig.truncated {
					s.metrics.RecordTruncated(localStr)
				}
				s.logger.Debug("datagram received",
					logging.KeyPeerAddr, sig.from.String(),
					logging.KeyBytes, len(sig.payload))
				s.publish(Event{
					Kind:     EventData,
					Datagram: Datagram{Payload: sig.payload, Peer: sig.from},
					Local:    local,
				})
			case signalClosed:
				s.metrics.RecordReadError(localStr)
				return reasonReadFailed, sig.err
			case signalDropped:
				return reasonReceiverGone, ErrClosed
			}

		case req := <-s.outbound:
			if s.ctx.Err() != nil {
				discard(req)
				s.metrics.RecordDiscarded(localStr, 1)
				return reasonClosed, nil
			}

			started := time.Now()
			n, err := snd.send(s.ctx, req.datagram)
			if req.result != nil {
				req.result <- sendResult{n: n, err: err}
			}
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return reasonClosed, nil
				}
				s.metrics.RecordSendError(localStr)
				s.logger.Error("failed to send udp datagram",
					logging.KeyPeerAddr, req.datagram.Peer.String(),
					logging.KeyError, err)
				return reasonSendFailed, err
			}
			s.metrics.RecordSend(localStr, n, time.Since(started).Seconds())
			s.logger.Debug("datagram sent",
				logging.KeyPeerAddr, req.datagram.Peer.String(),
				logging.KeyBytes, n)

		case <-s.ctx.Done():
			return reasonClosed, nil
		}
	}
}

func (s *Socket) publish(ev Event) {
	if err := s.events.Publish(ev); err != nil {
		s.logger.Debug("event bus closed, dropping event", "kind", ev.Kind.String())
		return
	}
	s.metrics.RecordPublish()
}

func (s *Socket) terminate(cause error) {
	s.closing.Store(true)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateClosed
	s.err = cause
}
