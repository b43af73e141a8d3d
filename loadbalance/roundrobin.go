package loadbalance

import (
	"sync/atomic"

	"svcmgr/message"
)

// RoundRobinBalancer cycles through the routes in order.
// Uses an atomic counter so one balancer can be shared by several managers.
type RoundRobinBalancer struct {
	counter uint64
}

func (b *RoundRobinBalancer) Pick(routes []message.Route, _ string) (message.Route, error) {
	if len(routes) == 0 {
		return message.Route{}, ErrNoRoute
	}
	index := (atomic.AddUint64(&b.counter, 1) - 1) % uint64(len(routes))
	return routes[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "roundrobin"
}

// FewestHopsBalancer prefers the routes to the nearest domains and cycles among them.
type FewestHopsBalancer struct {
	rr RoundRobinBalancer
}

func (b *FewestHopsBalancer) Pick(routes []message.Route, key string) (message.Route, error) {
	if len(routes) == 0 {
		return message.Route{}, ErrNoRoute
	}
	least := routes[0].Hops
	for _, r := range routes[1:] {
		if r.Hops < least {
			least = r.Hops
		}
	}
	nearest := make([]message.Route, 0, len(routes))
	for _, r := range routes {
		if r.Hops == least {
			nearest = append(nearest, r)
		}
	}
	return b.rr.Pick(nearest, key)
}

func (b *FewestHopsBalancer) Name() string {
	return "fewest_hops"
}
