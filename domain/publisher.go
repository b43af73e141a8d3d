package domain

import (
	"context"
	"time"

	"go.uber.org/zap"

	"svcmgr/manager"
)

// ServiceLister reports the services of the local registry. *manager.Manager implements it.
type ServiceLister interface {
	ListServices(ctx context.Context) ([]manager.ServiceReport, error)
}

// Syncer replaces the published service set. *Directory implements it.
type Syncer interface {
	Sync(ctx context.Context, services []string) error
}

// Publisher keeps the directory in step with the services that have local instances.
// Services reachable only through routes are never published, so domains do not
// re-export each other's services.
type Publisher struct {
	source   ServiceLister
	dir      Syncer
	interval time.Duration
	logger   *zap.Logger
}

func NewPublisher(source ServiceLister, dir Syncer, interval time.Duration, logger *zap.Logger) *Publisher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Publisher{
		source:   source,
		dir:      dir,
		interval: interval,
		logger:   logger.With(zap.String("component", "publisher")),
	}
}

// Run publishes once immediately and then every interval until ctx ends.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := p.Publish(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("publish failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Publish syncs the directory once.
func (p *Publisher) Publish(ctx context.Context) error {
	reports, err := p.source.ListServices(ctx)
	if err != nil {
		return err
	}
	local := make([]string, 0, len(reports))
	for _, r := range reports {
		if r.Instances > 0 {
			local = append(local, r.Name)
		}
	}
	return p.dir.Sync(ctx, local)
}
