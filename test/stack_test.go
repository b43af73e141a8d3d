package test

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"svcmgr/client"
	"svcmgr/codec"
	"svcmgr/manager"
	"svcmgr/message"
	"svcmgr/server"
)

// stack is one service manager reachable over TCP.
type stack struct {
	mgr  *manager.Manager
	svr  *server.Server
	addr string
}

type stackOptions struct {
	domain  string
	codec   codec.CodecType
	gateway func(poster server.Poster) manager.Gateway
	metrics manager.MetricsSink
	spawner manager.Spawner
	check   bool
}

func startStack(tb testing.TB, opts stackOptions) *stack {
	tb.Helper()
	if opts.domain == "" {
		opts.domain = "home"
	}
	s := &stack{}
	poster := server.PosterFunc(func(ctx context.Context, msg message.Message) error {
		return s.mgr.Post(ctx, msg)
	})
	s.svr = server.NewServer(poster, opts.codec, zap.NewNop())

	deps := manager.Deps{Outbound: s.svr, Metrics: opts.metrics, Spawner: opts.spawner}
	if opts.gateway != nil {
		deps.Gateway = opts.gateway(poster)
	}
	s.mgr = manager.New(manager.Config{
		Domain:          opts.domain,
		Process:         message.ProcessHandle{PID: 1, IPC: "svcmgr-" + opts.domain},
		CheckInvariants: opts.check,
	}, deps)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.mgr.Run(ctx) }()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatal(err)
	}
	go s.svr.ServeListener(listener)
	s.addr = s.svr.Addr().String()

	tb.Cleanup(func() {
		s.svr.Shutdown(3 * time.Second)
		cancel()
		if err := <-runErr; err != nil {
			tb.Errorf("reactor failed: %v", err)
		}
	})
	return s
}

func (s *stack) dial(tb testing.TB, pid int) *client.Client {
	tb.Helper()
	c, err := client.Dial(s.addr, pid, client.Options{Codec: codec.CodecTypeJSON})
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() { c.Close() })
	return c
}

// waitFor polls the service list until cond accepts the report of service.
func (s *stack) waitFor(tb testing.TB, service string, cond func(manager.ServiceReport) bool) {
	tb.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		reports, err := s.mgr.ListServices(context.Background())
		if err == nil {
			for _, r := range reports {
				if r.Name == service && cond(r) {
					return
				}
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatalf("service %s never reached the expected state", service)
}

// serve runs a server process that acknowledges every call it is told about.
type serverProcess struct {
	c     *client.Client
	calls chan string
	done  chan struct{}
}

func startServerProcess(tb testing.TB, s *stack, pid int, alias string, services ...string) *serverProcess {
	tb.Helper()
	p := &serverProcess{c: s.dial(tb, pid), calls: make(chan string, 64), done: make(chan struct{})}
	infos := make([]message.ServiceInfo, 0, len(services))
	for _, name := range services {
		infos = append(infos, message.ServiceInfo{Name: name})
	}
	if err := p.c.Advertise(alias, infos, message.ModeAdd); err != nil {
		tb.Fatal(err)
	}
	for _, name := range services {
		s.waitFor(tb, name, func(r manager.ServiceReport) bool { return r.Instances > 0 })
	}
	go func() {
		defer close(p.done)
		for service := range p.calls {
			start := time.Now()
			if err := p.c.ACK(service, time.Since(start)); err != nil {
				return
			}
		}
	}()
	tb.Cleanup(func() {
		close(p.calls)
		<-p.done
	})
	return p
}

// call looks service up and has the reserved server process run it.
func call(ctx context.Context, caller *client.Client, servers map[int]*serverProcess, service string) (*message.LookupReply, error) {
	reply, err := caller.Lookup(ctx, service, false)
	if err != nil {
		return reply, err
	}
	if p, ok := servers[reply.Process.PID]; ok {
		p.calls <- service
	}
	return reply, nil
}
