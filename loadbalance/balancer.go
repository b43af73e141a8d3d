// Package loadbalance provides the selection policies the dispatch engine uses to pick a
// target for a lookup.
//
// Local instances are always chosen least-recently-used: an instance serves one call at a
// time, so spreading work by idle time keeps every server warm and lets long-idle ones
// be reclaimed predictably.
//
// Concurrent routes are capacity-unbounded, so the policy for them is a plain strategy:
//   - RoundRobin:     equal gateways, default
//   - FewestHops:     prefer the nearest domain, round-robin among equals
//   - WeightedRandom: spread by distance, weight 1/hops
//   - ConsistentHash: one requester keeps hitting the same gateway
package loadbalance

import (
	"errors"
	"fmt"

	"svcmgr/message"
)

var ErrNoRoute = errors.New("no route available")

// RouteBalancer picks one route among the concurrent routes of a service.
// key identifies the requester; only key-based strategies look at it.
type RouteBalancer interface {
	Pick(routes []message.Route, key string) (message.Route, error)

	// Name returns the strategy name, as accepted by New.
	Name() string
}

// New returns the route strategy called name. An empty name selects round-robin.
func New(name string) (RouteBalancer, error) {
	switch name {
	case "", "roundrobin":
		return &RoundRobinBalancer{}, nil
	case "fewest_hops":
		return &FewestHopsBalancer{}, nil
	case "weighted":
		return NewWeightedRandomBalancer(), nil
	case "hash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, fmt.Errorf("unknown route policy %q", name)
	}
}
