package loadbalance

import (
	"fmt"
	"testing"
	"time"

	"svcmgr/message"
	"svcmgr/registry"
)

var testRoutes = []message.Route{
	{Process: message.ProcessHandle{PID: 101}, Domain: "east", Hops: 0},
	{Process: message.ProcessHandle{PID: 102}, Domain: "west", Hops: 1},
	{Process: message.ProcessHandle{PID: 103}, Domain: "north", Hops: 0},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all routes
	results := make([]int, 3)
	for i := 0; i < 3; i++ {
		r, err := b.Pick(testRoutes, "")
		if err != nil {
			t.Fatal(err)
		}
		results[i] = r.Process.PID
	}
	if results[0] != 101 || results[1] != 102 || results[2] != 103 {
		t.Fatalf("expect routes in order, got %v", results)
	}

	// Pick again, should wrap around to first
	r, _ := b.Pick(testRoutes, "")
	if r.Process.PID != results[0] {
		t.Fatalf("expect wrap around to %d, got %d", results[0], r.Process.PID)
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	b := &RoundRobinBalancer{}
	if _, err := b.Pick(nil, ""); err != ErrNoRoute {
		t.Fatalf("expect ErrNoRoute, got %v", err)
	}
}

func TestFewestHops(t *testing.T) {
	b := &FewestHopsBalancer{}
	seen := map[int]int{}
	for i := 0; i < 10; i++ {
		r, err := b.Pick(testRoutes, "")
		if err != nil {
			t.Fatal(err)
		}
		seen[r.Process.PID]++
	}
	if seen[102] != 0 {
		t.Fatalf("route with more hops should never be picked, got %v", seen)
	}
	if seen[101] != 5 || seen[103] != 5 {
		t.Fatalf("expect even split between nearest routes, got %v", seen)
	}
}

func TestWeightedRandom(t *testing.T) {
	b := NewWeightedRandomBalancer()

	counts := map[int]int{}
	n := 10000
	for i := 0; i < n; i++ {
		r, err := b.Pick(testRoutes, "")
		if err != nil {
			t.Fatal(err)
		}
		counts[r.Process.PID]++
	}

	// Weights are 12:6:12, so 101 should be ~2x of 102
	ratio := float64(counts[101]) / float64(counts[102])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio 101/102 = %.2f, expect ~2.0", ratio)
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()

	// Same key should always map to the same route
	r1, _ := b.Pick(testRoutes, "requester-123")
	r2, _ := b.Pick(testRoutes, "requester-123")
	if r1.Process.PID != r2.Process.PID {
		t.Fatalf("same key mapped to different routes: %d vs %d", r1.Process.PID, r2.Process.PID)
	}

	seen := map[int]bool{}
	for i := 0; i < 100; i++ {
		r, _ := b.Pick(testRoutes, fmt.Sprintf("key-%d", i))
		seen[r.Process.PID] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different routes, got %d", len(seen))
	}

	// Dropping a route only moves keys that were on it
	reduced := []message.Route{testRoutes[0], testRoutes[2]}
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%d", i)
		before, _ := b.Pick(testRoutes, key)
		after, _ := b.Pick(reduced, key)
		if before.Process.PID != 102 && before.Process.PID != after.Process.PID {
			t.Fatalf("key %s moved from %d to %d", key, before.Process.PID, after.Process.PID)
		}
	}
}

func TestNew(t *testing.T) {
	for _, name := range []string{"", "roundrobin", "fewest_hops", "weighted", "hash"} {
		b, err := New(name)
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		if name != "" && b.Name() != name {
			t.Fatalf("New(%q).Name() = %q", name, b.Name())
		}
	}
	if _, err := New("random"); err == nil {
		t.Fatal("expect error for unknown policy")
	}
}

func TestLeastRecentlyUsed(t *testing.T) {
	tbl := registry.NewInstances()
	a, _ := tbl.FindOrCreate(message.ProcessHandle{PID: 1})
	b, _ := tbl.FindOrCreate(message.ProcessHandle{PID: 2})
	c, _ := tbl.FindOrCreate(message.ProcessHandle{PID: 3})

	// Never used: registration order wins
	if got := LeastRecentlyUsed([]*registry.Instance{c, b, a}); got != a {
		t.Fatalf("expect pid 1, got %v", got)
	}

	now := time.Unix(1000, 0)
	tbl.SetBusy(1, now)
	tbl.SetIdle(1, now)
	if got := LeastRecentlyUsed([]*registry.Instance{a, b, c}); got != b {
		t.Fatalf("expect pid 2, got %v", got)
	}

	tbl.SetBusy(2, now)
	tbl.SetBusy(3, now)
	if got := LeastRecentlyUsed([]*registry.Instance{a, b, c}); got != a {
		t.Fatalf("expect the only idle instance, got %v", got)
	}

	tbl.SetBusy(1, now)
	if got := LeastRecentlyUsed([]*registry.Instance{a, b, c}); got != nil {
		t.Fatalf("expect nil with no idle instance, got %v", got)
	}
}
