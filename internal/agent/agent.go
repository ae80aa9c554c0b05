// Package agent runs the UDP sockets described by a configuration file and
// logs every event they publish.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/udpactor/internal/bus"
	"github.com/postalsys/udpactor/internal/config"
	"github.com/postalsys/udpactor/internal/health"
	"github.com/postalsys/udpactor/internal/logging"
	"github.com/postalsys/udpactor/internal/metrics"
	"github.com/postalsys/udpactor/internal/recovery"
	"github.com/postalsys/udpactor/internal/udp"
)

// maxLoggedPayload caps the payload text included in event logs.
const maxLoggedPayload = 64

// ErrNoSocket is returned by Send for an address the agent does not manage.
var ErrNoSocket = udp.ErrNoSocket

// Options customizes an agent.
type Options struct {
	// Logger overrides the logger built from the log section.
	Logger *slog.Logger

	// Registry receives the agent's metrics and backs /metrics. Nil uses the
	// default Prometheus registry.
	Registry *prometheus.Registry

	// OnEvent is called for every event after it has been logged.
	OnEvent func(udp.Event)
}

// managedSocket is a configured socket and the bus it publishes into.
type managedSocket struct {
	socket *udp.Socket
	events *udp.EventBus
}

// Agent owns a set of socket actors.
type Agent struct {
	cfg     *config.Config
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	group        *udp.Group // shared bus mode only
	mu           sync.RWMutex
	sockets      []managedSocket
	byAddr       map[string]*udp.Socket
	consumers    map[*udp.EventBus]*udp.EventSubscription
	healthServer *health.Server

	// State
	running  atomic.Bool
	started  atomic.Bool
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates an agent with the given configuration.
func New(cfg *config.Config) (*Agent, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates an agent with the given configuration and options.
func NewWithOptions(cfg *config.Config, opts Options) (*Agent, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	}

	var m *metrics.Metrics
	if opts.Registry != nil {
		m = metrics.NewMetricsWithRegistry(opts.Registry)
	} else {
		m = metrics.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &Agent{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		metrics: m,
		byAddr:    make(map[string]*udp.Socket),
		consumers: make(map[*udp.EventBus]*udp.EventSubscription),
		ctx:       ctx,
		cancel:  cancel,
	}

	if cfg.Health.Enabled {
		healthCfg := health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
		}
		if opts.Registry != nil {
			healthCfg.Gatherer = opts.Registry
		}
		a.healthServer = health.NewServer(healthCfg, a)
	}

	return a, nil
}

// Start opens every configured socket and waits for each to bind. If any
// socket fails to bind, everything opened so far is closed and the bind error
// is returned.
func (a *Agent) Start() error {
	if !a.started.CompareAndSwap(false, true) {
		return fmt.Errorf("agent already started")
	}

	a.running.Store(true)
	a.logger.Info("starting agent",
		logging.KeyComponent, "agent",
		logging.KeyCount, len(a.cfg.Sockets),
		"shared_bus", a.cfg.Bus.Shared)

	if a.cfg.Bus.Shared {
		a.group = udp.NewGroup(a.cfg.Bus.Capacity, a.logger)
		a.consume(a.group.Events())
	}

	for _, sc := range a.cfg.Sockets {
		if err := a.openSocket(sc); err != nil {
			a.logger.Error("failed to start socket",
				logging.KeyAddress, sc.Address,
				logging.KeyError, err)
			a.Stop()
			return fmt.Errorf("start socket %s: %w", sc.Address, err)
		}
	}

	if a.healthServer != nil {
		if err := a.healthServer.Start(); err != nil {
			a.logger.Error("failed to start health server",
				logging.KeyAddress, a.cfg.Health.Address,
				logging.KeyError, err)
			a.Stop()
			return fmt.Errorf("start health server: %w", err)
		}
		a.logger.Info("health server started",
			logging.KeyAddress, a.healthServer.Address().String())
	}

	a.logger.Info("agent started", logging.KeyCount, len(a.cfg.Sockets))
	return nil
}

func (a *Agent) openSocket(sc config.SocketConfig) error {
	ucfg, err := sc.ToUDPConfig()
	if err != nil {
		return err
	}
	ucfg.BusCapacity = a.cfg.Bus.Capacity
	ucfg.Metrics = a.metrics

	var ms managedSocket
	if a.group != nil {
		s, err := a.group.Add(ucfg)
		if err != nil {
			return err
		}
		ms = managedSocket{socket: s, events: a.group.Events()}
	} else {
		events := udp.NewEventBus(ucfg.BusCapacity)
		a.consume(events)
		ms = managedSocket{socket: udp.OpenSharing(ucfg, events, a.logger), events: events}
	}

	a.mu.Lock()
	a.sockets = append(a.sockets, ms)
	a.byAddr[sc.Address] = ms.socket
	a.mu.Unlock()

	select {
	case <-ms.socket.Ready():
		return nil
	case <-ms.socket.Done():
		if err := ms.socket.Err(); err != nil {
			return err
		}
		return udp.ErrClosed
	}
}

// consume subscribes to events and logs every event until the bus is closed.
func (a *Agent) consume(events *udp.EventBus) {
	sub := events.Subscribe()
	a.mu.Lock()
	a.consumers[events] = sub
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer sub.Close()
		defer recovery.RecoverWithLog(a.logger, "agent event consumer")

		for {
			ev, err := sub.Recv(a.ctx)
			if err != nil {
				var lagged *bus.LaggedError
				if errors.As(err, &lagged) {
					a.metrics.RecordLagged(lagged.Missed)
					a.logger.Warn("event consumer lagged", logging.KeyMissed, lagged.Missed)
					continue
				}
				return
			}

			a.logEvent(ev)
			if a.opts.OnEvent != nil {
				a.opts.OnEvent(ev)
			}
		}
	}()
}

func (a *Agent) logEvent(ev udp.Event) {
	switch ev.Kind {
	case udp.EventData:
		a.logger.Info("datagram",
			logging.KeyLocalAddr, ev.Local.String(),
			logging.KeyPeerAddr, ev.Datagram.Peer.String(),
			logging.KeyBytes, ev.Datagram.Len(),
			"payload", preview(ev.Datagram))
	case udp.EventClose:
		if ev.Err != nil {
			a.logger.Warn("socket closed",
				logging.KeyLocalAddr, ev.Local.String(),
				logging.KeyError, ev.Err)
		} else {
			a.logger.Info("socket closed", logging.KeyLocalAddr, ev.Local.String())
		}
	}
}

// preview renders at most maxLoggedPayload bytes of the payload as text.
func preview(d udp.Datagram) string {
	s := d.String()
	if len(s) <= maxLoggedPayload {
		return s
	}
	cut := maxLoggedPayload
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// Send enqueues d on the socket configured for address.
func (a *Agent) Send(ctx context.Context, address string, d udp.Datagram) error {
	s := a.Socket(address)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNoSocket, address)
	}
	return s.Send(ctx, d)
}

// Socket returns the socket configured for address, or nil.
func (a *Agent) Socket(address string) *udp.Socket {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.byAddr[address]
}

// Stop closes every socket and waits for event consumers to drain.
func (a *Agent) Stop() error {
	a.stopOnce.Do(func() {
		a.logger.Info("stopping agent")
		a.running.Store(false)

		if a.healthServer != nil {
			a.healthServer.Stop()
		}

		a.mu.RLock()
		sockets := a.sockets
		a.mu.RUnlock()

		if a.group != nil {
			a.group.Close()
		} else {
			for _, ms := range sockets {
				ms.socket.Close()
				ms.events.Close()
			}
		}

		a.wg.Wait()
		a.cancel()

		a.logger.Info("agent stopped")
	})

	return nil
}

// StopWithContext stops with a timeout.
func (a *Agent) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- a.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		a.cancel()
		return ctx.Err()
	}
}

// IsRunning returns true if the agent is running.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// HealthAddress returns the health server's listen address, or "" when the
// health server is disabled or not started.
func (a *Agent) HealthAddress() string {
	if a.healthServer == nil || a.healthServer.Address() == nil {
		return ""
	}
	return a.healthServer.Address().String()
}

// Stats returns per-socket state. It implements health.StatsProvider.
func (a *Agent) Stats() health.Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var stats health.Stats

	seen := make(map[*udp.EventBus]bool)
	for _, ms := range a.sockets {
		s := ms.socket
		entry := health.SocketStats{
			Address: s.Address(),
			State:   s.State().String(),
		}
		if local := s.LocalAddr(); local.IsValid() {
			entry.LocalAddr = local.String()
		}
		if err := s.Err(); err != nil {
			entry.Error = err.Error()
		}
		if s.State() == udp.StateOpen {
			stats.OpenSockets++
		}
		stats.Sockets = append(stats.Sockets, entry)

		if !seen[ms.events] {
			seen[ms.events] = true
			stats.EventsPublished += ms.events.Published()
			stats.Buses = append(stats.Buses, a.busStats(ms.events))
		}
	}
	stats.SocketCount = len(stats.Sockets)

	return stats
}

// busStats must be called with a.mu held.
func (a *Agent) busStats(events *udp.EventBus) health.BusStats {
	bs := health.BusStats{
		Capacity:    events.Capacity(),
		Subscribers: events.SubscriberCount(),
		Published:   events.Published(),
		Closed:      events.IsClosed(),
	}
	if sub := a.consumers[events]; sub != nil {
		bs.Backlog = sub.Pending()
	}
	return bs
}
