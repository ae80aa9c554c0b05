package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/postalsys/udpactor/internal/logging"
)

var (
	// ErrNoSocket is returned when a Group has no socket for an address.
	ErrNoSocket = errors.New("no socket for address")

	// ErrGroupClosed is returned by Add after Close.
	ErrGroupClosed = errors.New("socket group closed")
)

// Group runs several socket actors that publish into one shared event bus,
// so callers can consume all of them as a single event stream. Sockets that
// terminate are removed from the group automatically.
type Group struct {
	mu      sync.RWMutex
	sockets map[string]*Socket // by configured address
	closed  bool

	events *EventBus
	base   *slog.Logger
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGroup creates an empty group whose shared bus retains busCapacity events.
func NewGroup(busCapacity int, logger *slog.Logger) *Group {
	ctx, cancel := context.WithCancel(context.Background())
	logger = logging.OrNop(logger)

	return &Group{
		sockets: make(map[string]*Socket),
		events:  NewEventBus(busCapacity),
		base:    logger,
		logger:  logger.With(slog.String(logging.KeyComponent, "udp-group")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add opens a socket for cfg that publishes into the group's bus.
// Only one socket per configured address is allowed.
func (g *Group) Add(cfg Config) (*Socket, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrGroupClosed
	}
	if _, exists := g.sockets[cfg.Address]; exists {
		return nil, fmt.Errorf("socket for %s already exists", cfg.Address)
	}

	s := OpenSharing(cfg, g.events, g.base)
	g.sockets[cfg.Address] = s

	g.wg.Add(1)
	go g.watch(cfg.Address, s)

	return s, nil
}

// Get returns the socket for a configured address, or nil.
func (g *Group) Get(address string) *Socket {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.sockets[address]
}

// Sockets returns a snapshot of the group's sockets.
func (g *Group) Sockets() []*Socket {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Socket, 0, len(g.sockets))
	for _, s := range g.sockets {
		out = append(out, s)
	}
	return out
}

// ActiveCount returns the number of sockets in the group.
func (g *Group) ActiveCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return len(g.sockets)
}

// Send enqueues d on the socket configured for address.
func (g *Group) Send(ctx context.Context, address string, d Datagram) error {
	s := g.Get(address)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNoSocket, address)
	}
	return s.Send(ctx, d)
}

// Subscribe returns a subscription to the merged event stream of all sockets.
func (g *Group) Subscribe() *EventSubscription {
	return g.events.Subscribe()
}

// Events returns the shared event bus.
func (g *Group) Events() *EventBus {
	return g.events
}

// Close shuts down all sockets and then the shared bus.
func (g *Group) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	sockets := make([]*Socket, 0, len(g.sockets))
	for _, s := range g.sockets {
		sockets = append(sockets, s)
	}
	g.sockets = make(map[string]*Socket)
	g.mu.Unlock()

	g.cancel()
	for _, s := range sockets {
		s.Close()
	}

	g.wg.Wait()
	g.events.Close()

	return nil
}

// watch removes a socket from the group once its actor terminates.
func (g *Group) watch(address string, s *Socket) {
	defer g.wg.Done()

	select {
	case <-s.Done():
	case <-g.ctx.Done():
		return
	}

	g.mu.Lock()
	if g.sockets[address] == s {
		delete(g.sockets, address)
	}
	g.mu.Unlock()

	if err := s.Err(); err != nil {
		g.logger.Warn("socket left group", logging.KeyAddress, address, logging.KeyError, err)
	} else {
		g.logger.Debug("socket left group", logging.KeyAddress, address)
	}
}
