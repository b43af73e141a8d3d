package domain

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"svcmgr/message"
)

// Poster delivers messages to the service manager. *manager.Manager implements it.
type Poster interface {
	Post(ctx context.Context, msg message.Message) error
}

// Resolver finds the routes serving services in other domains. *Directory implements it.
type Resolver interface {
	Lookup(ctx context.Context, services []string) ([]message.RouteServices, error)
}

// Gateway answers the service manager's discovery requests from the directory.
//
// Discover only queues the request; a worker goroutine resolves it and posts the
// DiscoverReply. Every request gets a reply, empty when the lookup failed or timed out,
// so a parked lookup is never left waiting.
type Gateway struct {
	resolver Resolver
	poster   Poster
	timeout  time.Duration
	logger   *zap.Logger

	requests chan message.DiscoverRequest
	wg       sync.WaitGroup
}

func NewGateway(resolver Resolver, poster Poster, timeout time.Duration, logger *zap.Logger) *Gateway {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Gateway{
		resolver: resolver,
		poster:   poster,
		timeout:  timeout,
		logger:   logger.With(zap.String("component", "gateway")),
		requests: make(chan message.DiscoverRequest, 256),
	}
}

// Discover queues req. When the queue is full the request is answered empty at once.
func (g *Gateway) Discover(req message.DiscoverRequest) {
	select {
	case g.requests <- req:
	default:
		g.logger.Warn("discovery queue full", zap.String("correlation", req.Correlation))
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.reply(context.Background(), req, nil)
		}()
	}
}

// Run resolves queued requests until ctx ends.
func (g *Gateway) Run(ctx context.Context) {
	for {
		select {
		case req := <-g.requests:
			g.resolve(ctx, req)
		case <-ctx.Done():
			g.wg.Wait()
			return
		}
	}
}

func (g *Gateway) resolve(ctx context.Context, req message.DiscoverRequest) {
	lookupCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	routes, err := g.resolver.Lookup(lookupCtx, req.Services)
	if err != nil {
		g.logger.Warn("discovery failed", zap.Strings("services", req.Services), zap.Error(err))
		routes = nil
	}
	g.reply(ctx, req, routes)
}

func (g *Gateway) reply(ctx context.Context, req message.DiscoverRequest, routes []message.RouteServices) {
	g.logger.Debug("discovered",
		zap.String("correlation", req.Correlation), zap.Strings("services", req.Services), zap.Int("routes", len(routes)))
	err := g.poster.Post(ctx, &message.DiscoverReply{Correlation: req.Correlation, Routes: routes})
	if err != nil {
		g.logger.Debug("discover reply not delivered", zap.String("correlation", req.Correlation), zap.Error(err))
	}
}

// Prune withdraws routes whose directory entries disappear, until removals closes.
func (g *Gateway) Prune(ctx context.Context, removals <-chan Removal) {
	for r := range removals {
		g.logger.Info("remote service withdrawn",
			zap.String("service", r.Service), zap.String("domain", r.Entry.Domain))
		err := g.poster.Post(ctx, &message.ConcurrentUnadvertise{Process: r.Entry.Process, Services: []string{r.Service}})
		if err != nil {
			return
		}
	}
}
