package loadbalance

import (
	"math/rand"
	"sync"
	"time"

	"svcmgr/message"
)

// weightScale turns 1/(hops+1) into integer weights: a direct route weighs 12, one hop 6,
// two hops 4 and so on.
const weightScale = 12

// WeightedRandomBalancer picks a route at random, weighted by how close its domain is.
type WeightedRandomBalancer struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewWeightedRandomBalancer() *WeightedRandomBalancer {
	return &WeightedRandomBalancer{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func routeWeight(r message.Route) int {
	hops := r.Hops
	if hops < 0 {
		hops = 0
	}
	w := weightScale / (hops + 1)
	if w < 1 {
		w = 1
	}
	return w
}

func (b *WeightedRandomBalancer) Pick(routes []message.Route, _ string) (message.Route, error) {
	if len(routes) == 0 {
		return message.Route{}, ErrNoRoute
	}

	total := 0
	for _, r := range routes {
		total += routeWeight(r)
	}

	b.mu.Lock()
	n := b.rnd.Intn(total)
	b.mu.Unlock()

	for _, r := range routes {
		n -= routeWeight(r)
		if n < 0 {
			return r, nil
		}
	}
	return routes[len(routes)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "weighted"
}
