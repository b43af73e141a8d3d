// Package registry holds the state of the service manager: the instance table, the
// services and their pending queues.
//
// Nothing here is safe for concurrent use. The registry is owned by exactly one goroutine
// (the manager's reactor), which is what lets every operation below stay lock-free.
//
// Services refer to instances by pid only. Removing a pid from the table and from every
// service it appears in is therefore one walk, and no service can hold a stale pointer.
package registry

import (
	"fmt"
	"sort"

	"svcmgr/message"
)

type Registry struct {
	Instances *Instances

	services     map[string]*Service
	routesByPID  map[int]map[string]struct{} // gateway pid -> services it routes
	pendingSeq   uint64
	pendingLen   int
	pendingIndex map[pendingKey]int // queued requests per key
}

func New() *Registry {
	return &Registry{
		Instances:    NewInstances(),
		services:     make(map[string]*Service),
		routesByPID:  make(map[int]map[string]struct{}),
		pendingIndex: make(map[pendingKey]int),
	}
}

// Find returns the service called name.
func (r *Registry) Find(name string) (*Service, bool) {
	svc, ok := r.services[name]
	return svc, ok
}

// Services returns every known service, sorted by name.
func (r *Registry) Services() []*Service {
	all := make([]*Service, 0, len(r.services))
	for _, svc := range r.services {
		all = append(all, svc)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name() < all[j].Name() })
	return all
}

// Advertise adds process as an instance of services. Re-advertising a held service
// changes nothing. With message.ModeReplace the process is first removed from every
// service that is not in services, so its footprint matches this advertisement exactly.
//
// orphaned lists services left without capacity but with queued requests; the caller
// must drain them.
func (r *Registry) Advertise(process message.ProcessHandle, alias string, services []message.ServiceInfo, mode message.Mode) (inst *Instance, orphaned []string) {
	inst, _ = r.Instances.FindOrCreate(process)
	if alias != "" {
		inst.Alias = alias
	}

	if mode == message.ModeReplace {
		keep := make(map[string]struct{}, len(services))
		for _, info := range services {
			keep[info.Name] = struct{}{}
		}
		for _, name := range inst.Services() {
			if _, ok := keep[name]; ok {
				continue
			}
			if r.detach(inst, name) {
				orphaned = append(orphaned, name)
			}
		}
	}

	for _, info := range services {
		svc, ok := r.services[info.Name]
		if !ok {
			svc = newService(info.Name)
			r.services[info.Name] = svc
		}
		if !svc.hasInfo {
			svc.Info = info
			svc.hasInfo = true
		}
		svc.addInstance(inst.Process.PID)
		inst.services[info.Name] = struct{}{}
	}
	return inst, orphaned
}

// Unadvertise removes process from services. An instance left owning nothing is removed
// from the table. Unknown processes and services are ignored.
func (r *Registry) Unadvertise(pid int, services []string) (orphaned []string) {
	inst, ok := r.Instances.Get(pid)
	if !ok {
		return nil
	}
	for _, name := range services {
		if !inst.Has(name) {
			continue
		}
		if r.detach(inst, name) {
			orphaned = append(orphaned, name)
		}
	}
	if len(inst.services) == 0 {
		r.Instances.Remove(pid)
	}
	return orphaned
}

// detach removes inst from service name. It reports whether the service is left without
// capacity and with queued requests.
func (r *Registry) detach(inst *Instance, name string) bool {
	delete(inst.services, name)
	svc, ok := r.services[name]
	if !ok {
		return false
	}
	svc.removeInstance(inst.Process.PID)
	return r.orphanedOrCollected(svc)
}

func (r *Registry) orphanedOrCollected(svc *Service) bool {
	if svc.HasCapacity() {
		return false
	}
	if len(svc.pending) > 0 {
		return true
	}
	delete(r.services, svc.Name())
	return false
}

// AdvertiseConcurrent adds route as a way to reach services. added lists the services
// that gained the route now, as opposed to refreshing it.
func (r *Registry) AdvertiseConcurrent(route message.Route, services []string) (added []string) {
	owned, ok := r.routesByPID[route.Process.PID]
	if !ok {
		owned = make(map[string]struct{})
		r.routesByPID[route.Process.PID] = owned
	}
	for _, name := range services {
		svc, ok := r.services[name]
		if !ok {
			svc = newService(name)
			r.services[name] = svc
		}
		if svc.addRoute(route) {
			added = append(added, name)
		}
		owned[name] = struct{}{}
	}
	return added
}

// UnadvertiseConcurrent removes the route owned by pid from services.
func (r *Registry) UnadvertiseConcurrent(pid int, services []string) (orphaned []string) {
	owned, ok := r.routesByPID[pid]
	if !ok {
		return nil
	}
	for _, name := range services {
		if _, ok := owned[name]; !ok {
			continue
		}
		delete(owned, name)
		if svc, ok := r.services[name]; ok {
			svc.removeRoute(pid)
			if r.orphanedOrCollected(svc) {
				orphaned = append(orphaned, name)
			}
		}
	}
	if len(owned) == 0 {
		delete(r.routesByPID, pid)
	}
	return orphaned
}

// RemoveProcess purges pid everywhere: from the instance table, from every service it
// serves locally and from every service it routes to. Removing an unknown pid is a no-op.
func (r *Registry) RemoveProcess(pid int) (orphaned []string) {
	if inst, ok := r.Instances.Remove(pid); ok {
		for _, name := range inst.Services() {
			if r.detach(inst, name) {
				orphaned = append(orphaned, name)
			}
		}
	}
	if owned, ok := r.routesByPID[pid]; ok {
		names := make([]string, 0, len(owned))
		for name := range owned {
			names = append(names, name)
		}
		sort.Strings(names)
		orphaned = append(orphaned, r.UnadvertiseConcurrent(pid, names)...)
	}
	return orphaned
}

// Configure replaces the metadata of an existing service. The name cannot change.
func (r *Registry) Configure(info message.ServiceInfo) bool {
	svc, ok := r.services[info.Name]
	if !ok {
		return false
	}
	svc.Info = info
	svc.hasInfo = true
	return true
}

// collect deletes service name if nothing keeps it alive.
func (r *Registry) collect(name string) {
	if svc, ok := r.services[name]; ok && svc.empty() {
		delete(r.services, name)
	}
}

// Check verifies the cross-references between services, instances and the pending index.
// A failure means the registry miscounts capacity and is a programming error.
func (r *Registry) Check() error {
	counted := make(map[pendingKey]int, len(r.pendingIndex))
	queued := 0
	for name, svc := range r.services {
		if svc.empty() {
			return fmt.Errorf("service %q has no instance, route or pending request", name)
		}
		for _, pid := range svc.instances {
			inst, ok := r.Instances.Get(pid)
			if !ok {
				return fmt.Errorf("service %q references unknown instance %d", name, pid)
			}
			if !inst.Has(name) {
				return fmt.Errorf("instance %d is listed by %q but does not advertise it", pid, name)
			}
		}
		for _, route := range svc.routes {
			if _, ok := r.routesByPID[route.Process.PID][name]; !ok {
				return fmt.Errorf("service %q has unindexed route %d", name, route.Process.PID)
			}
		}
		for _, p := range svc.pending {
			if p.Service != name {
				return fmt.Errorf("pending %q of %q is queued under %q", p.Correlation, p.Service, name)
			}
			counted[p.key()]++
			queued++
		}
	}
	for _, inst := range r.Instances.byPID {
		for name := range inst.services {
			svc, ok := r.services[name]
			if !ok || !svc.hasInstance(inst.Process.PID) {
				return fmt.Errorf("instance %d advertises %q but is not listed", inst.Process.PID, name)
			}
		}
	}
	for pid, owned := range r.routesByPID {
		for name := range owned {
			svc, ok := r.services[name]
			if !ok || svc.routeIndex(pid) < 0 {
				return fmt.Errorf("route %d indexed for %q but missing", pid, name)
			}
		}
	}
	if queued != r.pendingLen {
		return fmt.Errorf("%d requests queued but %d counted", queued, r.pendingLen)
	}
	if len(counted) != len(r.pendingIndex) {
		return fmt.Errorf("%d pending keys queued but %d indexed", len(counted), len(r.pendingIndex))
	}
	for k, n := range counted {
		if r.pendingIndex[k] != n {
			return fmt.Errorf("pending %q of %q by %d: %d queued, %d indexed", k.correlation, k.service, k.requester, n, r.pendingIndex[k])
		}
	}
	return nil
}
