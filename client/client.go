// Package client is the process-side API of the service manager: servers advertise their
// services and acknowledge finished calls, callers look services up.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"svcmgr/codec"
	"svcmgr/message"
	"svcmgr/transport"
)

var (
	// ErrClosed is returned once the connection to the service manager is gone.
	ErrClosed = transport.ErrClosed

	ErrServiceAbsent = errors.New("service absent")
	ErrServiceBusy   = errors.New("service busy")
)

type Options struct {
	Codec codec.CodecType
	// DiscardTimeout bounds the wait for the discard reply once a lookup is abandoned.
	DiscardTimeout time.Duration
	// OnMessage receives messages that answer no request of this client, such as a
	// DiscoverRequest sent to a gateway process.
	OnMessage func(message.Message)
	Logger    *zap.Logger
}

// Client is one process's connection to the service manager. It is safe for concurrent use.
type Client struct {
	t              *transport.ClientTransport
	self           message.ProcessHandle
	discardTimeout time.Duration
	onMessage      func(message.Message)
	logger         *zap.Logger
}

// Dial connects to the service manager at addr as process pid. The IPC id is generated;
// replies for this process are routed to the connection by it.
func Dial(addr string, pid int, opts Options) (*Client, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("invalid pid %d", pid)
	}
	if opts.DiscardTimeout <= 0 {
		opts.DiscardTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	c := &Client{
		self:           message.ProcessHandle{PID: pid, IPC: uuid.NewString()},
		discardTimeout: opts.DiscardTimeout,
		onMessage:      opts.OnMessage,
		logger:         opts.Logger.With(zap.Int("pid", pid)),
	}
	c.t = transport.NewClientTransport(conn, opts.Codec, c.unsolicited)
	return c, nil
}

// Self returns the handle this client speaks as.
func (c *Client) Self() message.ProcessHandle {
	return c.self
}

func (c *Client) Close() error {
	return c.t.Close()
}

func (c *Client) unsolicited(msg message.Message) {
	switch m := msg.(type) {
	case *message.DiscardReply:
		// The lookup was answered before the discard arrived.
		c.logger.Debug("late discard reply", zap.String("correlation", m.Correlation))
		return
	case *message.LookupReply:
		c.logger.Warn("lookup reply nobody waits for",
			zap.String("correlation", m.Correlation), zap.Stringer("state", m.State))
		return
	}
	if c.onMessage != nil {
		c.onMessage(msg)
		return
	}
	c.logger.Debug("unhandled message", zap.Stringer("type", msg.Type()))
}

// Advertise registers services offered by this process.
func (c *Client) Advertise(alias string, services []message.ServiceInfo, mode message.Mode) error {
	return c.t.Send(&message.Advertise{Process: c.self, Alias: alias, Services: services, Mode: mode})
}

func (c *Client) Unadvertise(services ...string) error {
	return c.t.Send(&message.Unadvertise{Process: c.self, Services: services})
}

// AdvertiseRoute registers this process as a gateway route to services of domain.
func (c *Client) AdvertiseRoute(domain string, hops int, services ...string) error {
	return c.t.Send(&message.ConcurrentAdvertise{
		Route:    message.Route{Process: c.self, Domain: domain, Hops: hops},
		Services: services,
	})
}

func (c *Client) UnadvertiseRoute(services ...string) error {
	return c.t.Send(&message.ConcurrentUnadvertise{Process: c.self, Services: services})
}

// ACK tells the service manager this process finished a call of service and is idle again.
func (c *Client) ACK(service string, took time.Duration) error {
	return c.t.Send(&message.CallACK{Process: c.self, Service: service, Duration: took})
}

// Send writes any message on the connection, for replies such as a DiscoverReply.
func (c *Client) Send(msg message.Message) error {
	return c.t.Send(msg)
}

// Lookup asks for an instance of service and waits until one is reserved.
//
// An absent or busy service returns the reply with ErrServiceAbsent or ErrServiceBusy. When
// ctx ends first the lookup is discarded. If the service manager had already dispatched it,
// the reply is returned together with ctx.Err() and the caller owns the reserved instance.
func (c *Client) Lookup(ctx context.Context, service string, noBlock bool) (*message.LookupReply, error) {
	p, err := c.StartLookup(service, noBlock)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// PendingLookup is a lookup sent and not yet answered.
type PendingLookup struct {
	c           *Client
	correlation string
	service     string
	ch          <-chan transport.Result
}

// StartLookup sends a lookup without waiting for the reply.
func (c *Client) StartLookup(service string, noBlock bool) (*PendingLookup, error) {
	correlation := uuid.NewString()
	ch, err := c.t.Request(correlation, &message.LookupRequest{
		Correlation: correlation,
		Service:     service,
		Requester:   c.self,
		Context:     message.ContextRegular,
		NoBlock:     noBlock,
	})
	if err != nil {
		return nil, err
	}
	return &PendingLookup{c: c, correlation: correlation, service: service, ch: ch}, nil
}

func (p *PendingLookup) Correlation() string {
	return p.correlation
}

// Wait blocks until the reply arrives or ctx ends; see Lookup.
func (p *PendingLookup) Wait(ctx context.Context) (*message.LookupReply, error) {
	select {
	case res := <-p.ch:
		return lookupResult(res)
	case <-ctx.Done():
	}
	_, reply, err := p.Discard()
	if err != nil && !errors.Is(err, errNoDiscardReply) {
		return nil, err
	}
	return reply, ctx.Err()
}

var errNoDiscardReply = errors.New("no discard reply")

// Discard withdraws the lookup. When the service manager had already answered it, the
// state is DiscardAlreadyDispatched and the answer is returned.
func (p *PendingLookup) Discard() (message.DiscardState, *message.LookupReply, error) {
	c := p.c
	// The DiscardReply shares the lookup's correlation, so whichever answer the service
	// manager sent first arrives on ch.
	err := c.t.Send(&message.DiscardRequest{Correlation: p.correlation, Service: p.service, Requester: c.self})
	if err != nil {
		c.t.Forget(p.correlation)
		return message.DiscardAlreadyDispatched, nil, err
	}

	timer := time.NewTimer(c.discardTimeout)
	defer timer.Stop()
	select {
	case res := <-p.ch:
		if res.Err != nil {
			return message.DiscardAlreadyDispatched, nil, res.Err
		}
		switch m := res.Msg.(type) {
		case *message.LookupReply:
			return message.DiscardAlreadyDispatched, m, nil
		case *message.DiscardReply:
			return m.State, nil, nil
		}
		return message.DiscardAlreadyDispatched, nil, fmt.Errorf("unexpected reply %s", res.Msg.Type())
	case <-timer.C:
		c.t.Forget(p.correlation)
		c.logger.Warn("no discard reply", zap.String("service", p.service), zap.String("correlation", p.correlation))
		return message.DiscardAlreadyDispatched, nil, errNoDiscardReply
	}
}

func lookupResult(res transport.Result) (*message.LookupReply, error) {
	if res.Err != nil {
		return nil, res.Err
	}
	reply, ok := res.Msg.(*message.LookupReply)
	if !ok {
		return nil, fmt.Errorf("unexpected reply %s", res.Msg.Type())
	}
	switch reply.State {
	case message.StateAbsent:
		return reply, ErrServiceAbsent
	case message.StateBusy:
		return reply, ErrServiceBusy
	}
	return reply, nil
}
