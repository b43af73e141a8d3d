package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strconv"
	"strings"
	"sync"

	"svcmgr/message"
)

// ConsistentHashBalancer maps requesters to routes on a hash ring, so the calls of one
// requester keep going through the same gateway until the route set changes. Adding or
// removing a gateway only moves the requesters that hashed next to it.
//
// Each route owns replicas virtual nodes hashed from "{pid}#{i}". The ring is rebuilt
// when the set of routes passed to Pick differs from the last one.
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	sig   string
	ring  []uint32       // sorted hash values
	nodes map[uint32]int // hash value -> route pid
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per route.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

func signature(routes []message.Route) string {
	pids := make([]int, len(routes))
	for i, r := range routes {
		pids[i] = r.Process.PID
	}
	sort.Ints(pids)
	var sb strings.Builder
	for _, pid := range pids {
		sb.WriteString(strconv.Itoa(pid))
		sb.WriteByte(',')
	}
	return sb.String()
}

func (b *ConsistentHashBalancer) rebuild(routes []message.Route) {
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]int, len(routes)*b.replicas)
	for _, r := range routes {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%d#%d", r.Process.PID, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = r.Process.PID
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Pick hashes key and walks clockwise to the first virtual node, wrapping past the end.
func (b *ConsistentHashBalancer) Pick(routes []message.Route, key string) (message.Route, error) {
	if len(routes) == 0 {
		return message.Route{}, ErrNoRoute
	}

	b.mu.Lock()
	if sig := signature(routes); sig != b.sig {
		b.rebuild(routes)
		b.sig = sig
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= hash })
	if idx == len(b.ring) {
		idx = 0
	}
	pid := b.nodes[b.ring[idx]]
	b.mu.Unlock()

	for _, r := range routes {
		if r.Process.PID == pid {
			return r, nil
		}
	}
	return routes[0], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "hash"
}
