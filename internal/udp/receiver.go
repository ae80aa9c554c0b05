package udp

import (
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"syscall"

	"github.com/postalsys/udpactor/internal/logging"
	"github.com/postalsys/udpactor/internal/recovery"
)

// receiverQueueSize bounds datagrams read but not yet handled by the actor.
const receiverQueueSize = 32

type signalKind uint8

const (
	// signalData carries one datagram.
	signalData signalKind = iota
	// signalClosed reports an unrecoverable read error.
	signalClosed
	// signalDropped is the last signal of every receive loop that could
	// still reach the actor.
	signalDropped
)

// signal is passed from the receive loop to the actor only.
type signal struct {
	kind    signalKind
	payload []byte
	from    netip.AddrPort
	err     error
	// truncated is set when the datagram did not fit the read buffer.
	truncated bool
}

// receiver owns the read side of the socket.
type receiver struct {
	signals chan signal
}

// startReceiver starts the receive loop. The loop stops forwarding as soon as
// stop is closed. signals is closed when the loop has exited.
func startReceiver(conn packetConn, bufSize int, stop <-chan struct{}, logger *slog.Logger) *receiver {
	r := &receiver{
		signals: make(chan signal, receiverQueueSize),
	}
	go r.run(conn, bufSize, stop, logger)
	return r
}

// next returns the channel the actor reads signals from.
func (r *receiver) next() <-chan signal {
	return r.signals
}

// wait blocks until the receive loop has exited, discarding pending signals.
func (r *receiver) wait() {
	for range r.signals {
	}
}

func (r *receiver) run(conn packetConn, bufSize int, stop <-chan struct{}, logger *slog.Logger) {
	defer close(r.signals)
	defer recovery.RecoverWithLog(logger, "udp receiver")

	buf := make([]byte, bufSize)

	for {
		n, _, flags, from, err := conn.ReadMsgUDPAddrPort(buf, nil)
		if err != nil {
			if isWouldBlock(err) {
				continue
			}
			if !isStopped(stop) {
				if errors.Is(err, net.ErrClosed) {
					logger.Debug("udp receiver stopped", logging.KeyError, err)
				} else {
					logger.Error("socket receive failed", logging.KeyError, err)
				}
			}
			if !r.forward(signal{kind: signalClosed, err: &IOError{Op: "read", Err: err}}, stop) {
				return
			}
			break
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		sig := signal{kind: signalData, payload: payload, from: normalizeAddrPort(from)}
		if flags&msgTrunc != 0 {
			sig.truncated = true
			logger.Warn("datagram truncated to read buffer size",
				logging.KeyPeerAddr, sig.from.String(),
				logging.KeyBytes, n)
		}

		if !r.forward(sig, stop) {
			return
		}
	}

	r.forward(signal{kind: signalDropped}, stop)
}

// forward hands s to the actor. It returns false once the actor has stopped
// listening.
func (r *receiver) forward(s signal, stop <-chan struct{}) bool {
	if isStopped(stop) {
		return false
	}
	select {
	case r.signals <- s:
		return true
	case <-stop:
		return false
	}
}

func isStopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// isWouldBlock reports a spurious wakeup rather than a socket failure.
func isWouldBlock(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, os.ErrDeadlineExceeded)
}
