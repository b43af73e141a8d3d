package loadbalance

import "svcmgr/registry"

// LeastRecentlyUsed returns the idle instance with the oldest LastUsed, or nil when none
// is idle. Registration order breaks ties, so a fresh pool is used in the order its
// instances came up.
func LeastRecentlyUsed(candidates []*registry.Instance) *registry.Instance {
	var best *registry.Instance
	for _, inst := range candidates {
		if inst == nil || !inst.Idle() {
			continue
		}
		if best == nil ||
			inst.LastUsed.Before(best.LastUsed) ||
			(inst.LastUsed.Equal(best.LastUsed) && inst.Order() < best.Order()) {
			best = inst
		}
	}
	return best
}
