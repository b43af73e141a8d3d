// Package domain connects service managers of different domains through etcd.
//
// Every domain publishes the services it runs locally, with a TTL lease so the entries
// disappear when the domain dies:
//
//	Key:   /svcmgr/services/{service}/{domain}
//	Value: JSON-encoded Entry (how callers reach the domain's gateway)
//
// A service manager that cannot find a service locally asks the Gateway, which looks the
// name up in etcd and answers with one route per domain offering it.
package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"svcmgr/message"
)

const rootPrefix = "/svcmgr/"

// Entry is the value stored for one published service.
type Entry struct {
	Domain  string                `json:"domain"`
	Process message.ProcessHandle `json:"process"`
	Hops    int                   `json:"hops"`
}

func serviceKey(service, domain string) string {
	return rootPrefix + "services/" + service + "/" + domain
}

func servicePrefix(service string) string {
	return rootPrefix + "services/" + service + "/"
}

// parseServiceKey splits /svcmgr/services/{service}/{domain}.
func parseServiceKey(key string) (service, domain string, ok bool) {
	rest, found := strings.CutPrefix(key, rootPrefix+"services/")
	if !found {
		return "", "", false
	}
	i := strings.LastIndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

type DirectoryConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	// Domain and Process are published for every local service.
	Domain  string
	Process message.ProcessHandle
	// LeaseTTL is the lifetime of published entries, in seconds, without renewal.
	LeaseTTL int64
}

// Directory publishes local services and resolves remote ones.
type Directory struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	cfg    DirectoryConfig
	logger *zap.Logger

	mu        sync.Mutex
	lease     clientv3.LeaseID
	stopKeep  context.CancelFunc
	published map[string]struct{}
}

// NewDirectory connects to etcd.
func NewDirectory(cfg DirectoryConfig, logger *zap.Logger) (*Directory, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	return &Directory{
		client:    c,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "directory"), zap.String("domain", cfg.Domain)),
		published: make(map[string]struct{}),
	}, nil
}

// Client exposes the etcd client for collaborators sharing the connection.
func (d *Directory) Client() *clientv3.Client {
	return d.client
}

// Sync makes the published set equal to services.
//
// The first publish grants a lease and starts renewing it. If renewal stops (etcd
// unreachable for longer than the TTL) the next Sync starts over with a new lease.
func (d *Directory) Sync(ctx context.Context, services []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	want := make(map[string]struct{}, len(services))
	for _, name := range services {
		want[name] = struct{}{}
	}

	if len(want) > 0 && d.lease == clientv3.NoLease {
		if err := d.grant(ctx); err != nil {
			return err
		}
	}

	val, err := json.Marshal(Entry{Domain: d.cfg.Domain, Process: d.cfg.Process})
	if err != nil {
		return err
	}
	for name := range want {
		if _, ok := d.published[name]; ok {
			continue
		}
		if _, err := d.client.Put(ctx, serviceKey(name, d.cfg.Domain), string(val), clientv3.WithLease(d.lease)); err != nil {
			return fmt.Errorf("publish %s: %w", name, err)
		}
		d.published[name] = struct{}{}
		d.logger.Info("service published", zap.String("service", name))
	}
	for name := range d.published {
		if _, ok := want[name]; ok {
			continue
		}
		if _, err := d.client.Delete(ctx, serviceKey(name, d.cfg.Domain)); err != nil {
			return fmt.Errorf("withdraw %s: %w", name, err)
		}
		delete(d.published, name)
		d.logger.Info("service withdrawn", zap.String("service", name))
	}
	return nil
}

// grant creates the lease and consumes its KeepAlive responses. Called with mu held.
func (d *Directory) grant(ctx context.Context) error {
	lease, err := d.client.Grant(ctx, d.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	keepCtx, cancel := context.WithCancel(context.Background())
	ch, err := d.client.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("keep lease alive: %w", err)
	}
	d.lease = lease.ID
	d.stopKeep = cancel

	go func(id clientv3.LeaseID) {
		for range ch {
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.lease != id {
			return
		}
		// Entries expire with the lease; forget them so Sync republishes.
		d.logger.Warn("lease lost", zap.Int64("lease", int64(id)))
		d.lease = clientv3.NoLease
		d.published = make(map[string]struct{})
	}(lease.ID)
	return nil
}

// Withdraw revokes the lease, deleting every published entry at once.
func (d *Directory) Withdraw(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lease == clientv3.NoLease {
		return nil
	}
	lease := d.lease
	d.lease = clientv3.NoLease
	d.published = make(map[string]struct{})
	d.stopKeep()
	if _, err := d.client.Revoke(ctx, lease); err != nil {
		return fmt.Errorf("revoke lease: %w", err)
	}
	return nil
}

// Lookup returns, for the given services, one route per other domain publishing them.
func (d *Directory) Lookup(ctx context.Context, services []string) ([]message.RouteServices, error) {
	var kvs []*mvccpb.KeyValue
	for _, name := range services {
		resp, err := d.client.Get(ctx, servicePrefix(name), clientv3.WithPrefix())
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", name, err)
		}
		kvs = append(kvs, resp.Kvs...)
	}
	return routesFrom(d.cfg.Domain, kvs, d.logger), nil
}

// routesFrom groups entries by route, in the order domains first appear. Entries of the
// own domain and malformed entries are skipped.
func routesFrom(self string, kvs []*mvccpb.KeyValue, logger *zap.Logger) []message.RouteServices {
	var routes []message.RouteServices
	index := make(map[message.Route]int)
	for _, kv := range kvs {
		service, dom, ok := parseServiceKey(string(kv.Key))
		if !ok || dom == self {
			continue
		}
		var e Entry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			logger.Debug("malformed entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		route := message.Route{Process: e.Process, Domain: dom, Hops: e.Hops + 1}
		i, ok := index[route]
		if !ok {
			i = len(routes)
			index[route] = i
			routes = append(routes, message.RouteServices{Route: route})
		}
		routes[i].Services = append(routes[i].Services, service)
	}
	return routes
}

// Removal is a remote service entry that disappeared.
type Removal struct {
	Service string
	Entry   Entry
}

// Watch reports removed entries of other domains until ctx ends. Deleted keys come with
// their previous value so the route can be named.
func (d *Directory) Watch(ctx context.Context) <-chan Removal {
	ch := make(chan Removal, 16)
	go func() {
		defer close(ch)
		watchChan := d.client.Watch(ctx, rootPrefix+"services/", clientv3.WithPrefix(), clientv3.WithPrevKV())
		for resp := range watchChan {
			for _, ev := range resp.Events {
				if ev.Type != mvccpb.DELETE || ev.PrevKv == nil {
					continue
				}
				service, dom, ok := parseServiceKey(string(ev.Kv.Key))
				if !ok || dom == d.cfg.Domain {
					continue
				}
				var e Entry
				if err := json.Unmarshal(ev.PrevKv.Value, &e); err != nil {
					continue
				}
				select {
				case ch <- Removal{Service: service, Entry: e}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch
}

func (d *Directory) Close() error {
	d.mu.Lock()
	if d.stopKeep != nil {
		d.stopKeep()
	}
	d.mu.Unlock()
	return d.client.Close()
}
