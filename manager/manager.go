// Package manager is the service manager: the reactor that owns the registry and
// dispatches every service lookup.
//
// One goroutine, Run, owns all registry state. Everything else talks to it through two
// channels: Post delivers protocol messages, and the admin queries (ListServices,
// ListInstances, ScaleServer) run closures on the reactor between messages. Handlers never
// block: replies leave through Outbound, which only enqueues, and discovery leaves
// through Gateway, which answers later by posting a DiscoverReply.
//
//	transport ──Post──► inbox ──► middleware chain ──► handle (type switch)
//	admin ─────query──► queries ─┘                        │
//	                                                      ├─► registry
//	                                                      ├─► Outbound.Send
//	                                                      ├─► Gateway.Discover
//	                                                      └─► metrics
package manager

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"svcmgr/loadbalance"
	"svcmgr/message"
	"svcmgr/metrics"
	"svcmgr/middleware"
	"svcmgr/registry"
)

// Outbound delivers a message to a process. Send must not block.
type Outbound interface {
	Send(to message.ProcessHandle, msg message.Message)
}

// Gateway resolves services in other domains. Discover must not block; the answer comes
// back as a DiscoverReply posted to the manager.
type Gateway interface {
	Discover(req message.DiscoverRequest)
}

// Spawner changes the number of running instances of a server.
type Spawner interface {
	Scale(ctx context.Context, alias string, instances int) error
}

// MetricsSink receives call-completion events on the reactor goroutine.
type MetricsSink interface {
	Add(e metrics.Event)
	Flush()
}

type Config struct {
	// Domain names this service manager in discovery replies.
	Domain string
	// Process is the handle remote domains reply to.
	Process message.ProcessHandle

	InboxSize     int
	FlushInterval time.Duration // idle time after which buffered metrics are flushed
	SlowHandler   time.Duration // handlers slower than this are logged

	// CheckInvariants validates the whole registry after every message. Costly, for tests.
	CheckInvariants bool
}

// Deps are the collaborators of a Manager. Outbound is required; a nil Gateway means
// unknown services are absent, a nil Spawner rejects scaling.
type Deps struct {
	Outbound Outbound
	Gateway  Gateway
	Spawner  Spawner
	Metrics  MetricsSink
	Routes   loadbalance.RouteBalancer
	Clock    Clock
	Logger   *zap.Logger
}

type Manager struct {
	cfg     Config
	reg     *registry.Registry
	out     Outbound
	gateway Gateway
	spawner Spawner
	metrics MetricsSink
	routes  loadbalance.RouteBalancer
	clock   Clock
	logger  *zap.Logger

	handler middleware.HandlerFunc

	// lookups parked while the gateway resolves their service, by discovery correlation
	discovering  map[string]parked
	discoverySeq uint64

	inbox   chan message.Message
	queries chan func()
	done    chan struct{}
	running atomic.Bool
	active  bool // a message was handled since the last flush tick
}

type parked struct {
	pending *registry.Pending
	noBlock bool
}

type nopMetrics struct{}

func (nopMetrics) Add(metrics.Event) {}
func (nopMetrics) Flush()            {}

func New(cfg Config, deps Deps) *Manager {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.SlowHandler <= 0 {
		cfg.SlowHandler = 10 * time.Millisecond
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Routes == nil {
		deps.Routes = &loadbalance.RoundRobinBalancer{}
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	m := &Manager{
		cfg:         cfg,
		reg:         registry.New(),
		out:         deps.Outbound,
		gateway:     deps.Gateway,
		spawner:     deps.Spawner,
		metrics:     deps.Metrics,
		routes:      deps.Routes,
		clock:       deps.Clock,
		logger:      deps.Logger.With(zap.String("component", "manager")),
		discovering: make(map[string]parked),
		inbox:       make(chan message.Message, cfg.InboxSize),
		queries:     make(chan func()),
		done:        make(chan struct{}),
	}
	m.handler = middleware.Chain(
		middleware.LoggingMiddleware(m.logger),
		middleware.SlowMiddleware(cfg.SlowHandler, m.logger),
		middleware.RecoverMiddleware(func(msg message.Message, v any) error {
			return invariantError("panic handling "+msg.Type().String(), fmt.Errorf("%v", v))
		}),
	)(m.handle)
	return m
}

// Post hands msg to the reactor. It blocks while the inbox is full.
func (m *Manager) Post(ctx context.Context, msg message.Message) error {
	select {
	case <-m.done:
		return ErrStopped
	default:
	}
	select {
	case m.inbox <- msg:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run returns.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Run is the reactor loop. It returns nil when ctx ends and an invariant error when the
// registry is found inconsistent; a Manager cannot be restarted.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("manager already running")
	}
	defer close(m.done)
	defer m.metrics.Flush()

	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	m.logger.Info("reactor started", zap.String("domain", m.cfg.Domain))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("reactor stopped")
			return nil
		case msg := <-m.inbox:
			m.active = true
			if err := m.handler(ctx, msg); err != nil {
				m.logger.Error("reactor halted", zap.Error(err))
				return err
			}
		case q := <-m.queries:
			q()
		case <-ticker.C:
			if !m.active {
				m.metrics.Flush()
			}
			m.active = false
		}
	}
}

func (m *Manager) nextDiscoveryCorrelation() string {
	m.discoverySeq++
	return m.cfg.Domain + "/discover/" + strconv.FormatUint(m.discoverySeq, 10)
}
