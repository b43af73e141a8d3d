package domain

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"svcmgr/manager"
	"svcmgr/message"
)

func TestParseServiceKey(t *testing.T) {
	cases := []struct {
		key     string
		service string
		domain  string
		ok      bool
	}{
		{"/svcmgr/services/echo/east", "echo", "east", true},
		{"/svcmgr/services/a/b/west", "a/b", "west", true},
		{"/svcmgr/services/echo/", "", "", false},
		{"/svcmgr/services/echo", "", "", false},
		{"/svcmgr/scale/east/srv", "", "", false},
	}
	for _, tc := range cases {
		service, dom, ok := parseServiceKey(tc.key)
		assert.Equal(t, tc.ok, ok, tc.key)
		assert.Equal(t, tc.service, service, tc.key)
		assert.Equal(t, tc.domain, dom, tc.key)
	}
}

func TestRoutesFromGroupsByDomain(t *testing.T) {
	east := `{"domain":"east","process":{"pid":10,"ipc":"gw-east"},"hops":0}`
	west := `{"domain":"west","process":{"pid":20,"ipc":"gw-west"},"hops":1}`
	kvs := []*mvccpb.KeyValue{
		{Key: []byte(serviceKey("a", "east")), Value: []byte(east)},
		{Key: []byte(serviceKey("a", "west")), Value: []byte(west)},
		{Key: []byte(serviceKey("a", "home")), Value: []byte(east)},
		{Key: []byte(serviceKey("b", "east")), Value: []byte(east)},
		{Key: []byte(serviceKey("c", "east")), Value: []byte("{not json")},
	}

	routes := routesFrom("home", kvs, zap.NewNop())
	require.Len(t, routes, 2)
	assert.Equal(t, "east", routes[0].Route.Domain)
	assert.Equal(t, 1, routes[0].Route.Hops)
	assert.Equal(t, []string{"a", "b"}, routes[0].Services)
	assert.Equal(t, "west", routes[1].Route.Domain)
	assert.Equal(t, 2, routes[1].Route.Hops)
	assert.Equal(t, message.ProcessHandle{PID: 20, IPC: "gw-west"}, routes[1].Route.Process)
}

type posterStub struct {
	mu   sync.Mutex
	msgs []message.Message
}

func (p *posterStub) Post(_ context.Context, msg message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *posterStub) posted() []message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]message.Message(nil), p.msgs...)
}

type resolverFunc func(ctx context.Context, services []string) ([]message.RouteServices, error)

func (f resolverFunc) Lookup(ctx context.Context, services []string) ([]message.RouteServices, error) {
	return f(ctx, services)
}

func runGateway(t *testing.T, resolver Resolver, poster Poster, timeout time.Duration) *Gateway {
	t.Helper()
	gw := NewGateway(resolver, poster, timeout, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		gw.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return gw
}

func TestGatewayPostsDiscoveredRoutes(t *testing.T) {
	route := message.Route{Process: message.ProcessHandle{PID: 10, IPC: "gw"}, Domain: "east", Hops: 1}
	resolver := resolverFunc(func(_ context.Context, services []string) ([]message.RouteServices, error) {
		return []message.RouteServices{{Route: route, Services: services}}, nil
	})
	poster := &posterStub{}
	gw := runGateway(t, resolver, poster, time.Second)

	gw.Discover(message.DiscoverRequest{Correlation: "home/discover/1", Services: []string{"a"}})

	require.Eventually(t, func() bool { return len(poster.posted()) == 1 }, 2*time.Second, 5*time.Millisecond)
	reply := poster.posted()[0].(*message.DiscoverReply)
	assert.Equal(t, "home/discover/1", reply.Correlation)
	require.Len(t, reply.Routes, 1)
	assert.Equal(t, route, reply.Routes[0].Route)
	assert.Equal(t, []string{"a"}, reply.Routes[0].Services)
}

func TestGatewayRepliesEmptyOnFailure(t *testing.T) {
	failing := resolverFunc(func(context.Context, []string) ([]message.RouteServices, error) {
		return nil, errors.New("etcd unreachable")
	})
	slow := resolverFunc(func(ctx context.Context, _ []string) ([]message.RouteServices, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	for name, resolver := range map[string]Resolver{"error": failing, "timeout": slow} {
		t.Run(name, func(t *testing.T) {
			poster := &posterStub{}
			gw := runGateway(t, resolver, poster, 20*time.Millisecond)
			gw.Discover(message.DiscoverRequest{Correlation: "c", Services: []string{"a"}})

			require.Eventually(t, func() bool { return len(poster.posted()) == 1 }, 2*time.Second, 5*time.Millisecond)
			reply := poster.posted()[0].(*message.DiscoverReply)
			assert.Equal(t, "c", reply.Correlation)
			assert.Empty(t, reply.Routes)
		})
	}
}

func TestGatewayPrunePostsUnadvertise(t *testing.T) {
	poster := &posterStub{}
	gw := NewGateway(nil, poster, time.Second, zap.NewNop())

	removals := make(chan Removal, 2)
	gw10 := message.ProcessHandle{PID: 10, IPC: "gw"}
	removals <- Removal{Service: "a", Entry: Entry{Domain: "east", Process: gw10}}
	close(removals)
	gw.Prune(context.Background(), removals)

	msgs := poster.posted()
	require.Len(t, msgs, 1)
	assert.Equal(t, &message.ConcurrentUnadvertise{Process: gw10, Services: []string{"a"}}, msgs[0])
}

type listerStub []manager.ServiceReport

func (l listerStub) ListServices(context.Context) ([]manager.ServiceReport, error) {
	return l, nil
}

type syncerStub struct{ got []string }

func (s *syncerStub) Sync(_ context.Context, services []string) error {
	s.got = services
	return nil
}

func TestPublisherPublishesLocalServicesOnly(t *testing.T) {
	lister := listerStub{
		{Name: "local", Instances: 2},
		{Name: "routed", Routes: 1},
		{Name: "idle", Instances: 1, Routes: 1},
	}
	syncer := &syncerStub{}
	p := NewPublisher(lister, syncer, time.Second, zap.NewNop())

	require.NoError(t, p.Publish(context.Background()))
	assert.Equal(t, []string{"local", "idle"}, syncer.got)
}

// kvStub keeps values in a map; the embedded interface panics on anything else.
type kvStub struct {
	clientv3.KV
	values map[string]string
}

func (kv *kvStub) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	kv.values[key] = val
	return &clientv3.PutResponse{}, nil
}

func (kv *kvStub) Get(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	resp := &clientv3.GetResponse{}
	if v, ok := kv.values[key]; ok {
		resp.Kvs = []*mvccpb.KeyValue{{Key: []byte(key), Value: []byte(v)}}
	}
	return resp, nil
}

func TestScaleForwarder(t *testing.T) {
	kv := &kvStub{values: make(map[string]string)}
	f := NewScaleForwarder(kv, "home")

	_, ok, err := f.Wanted(context.Background(), "srv")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.Scale(context.Background(), "srv", 4))
	assert.Equal(t, "4", kv.values["/svcmgr/scale/home/srv"])

	n, ok, err := f.Wanted(context.Background(), "srv")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4, n)
}

// TestDirectoryWithEtcd needs a running etcd, e.g. SVCMGR_TEST_ETCD=127.0.0.1:2379.
func TestDirectoryWithEtcd(t *testing.T) {
	endpoints := os.Getenv("SVCMGR_TEST_ETCD")
	if endpoints == "" {
		t.Skip("SVCMGR_TEST_ETCD not set")
	}
	ctx := context.Background()
	open := func(dom string, pid int) *Directory {
		d, err := NewDirectory(DirectoryConfig{
			Endpoints: strings.Split(endpoints, ","),
			Domain:    dom + "-" + t.Name(),
			Process:   message.ProcessHandle{PID: pid, IPC: dom},
			LeaseTTL:  5,
		}, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { d.Close() })
		return d
	}
	east := open("east", 10)
	home := open("home", 1)
	service := "echo-" + t.Name()

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	removals := home.Watch(watchCtx)

	require.NoError(t, east.Sync(ctx, []string{service}))
	routes, err := home.Lookup(ctx, []string{service})
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, message.ProcessHandle{PID: 10, IPC: "east"}, routes[0].Route.Process)
	assert.Equal(t, []string{service}, routes[0].Services)

	// A domain never resolves its own entries.
	routes, err = east.Lookup(ctx, []string{service})
	require.NoError(t, err)
	assert.Empty(t, routes)

	require.NoError(t, east.Withdraw(ctx))
	select {
	case r := <-removals:
		assert.Equal(t, service, r.Service)
		assert.Equal(t, 10, r.Entry.Process.PID)
	case <-time.After(5 * time.Second):
		t.Fatal("removal not watched")
	}
	routes, err = home.Lookup(ctx, []string{service})
	require.NoError(t, err)
	assert.Empty(t, routes)
}
