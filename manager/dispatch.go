package manager

import (
	"time"

	"go.uber.org/zap"

	"svcmgr/loadbalance"
	"svcmgr/message"
	"svcmgr/metrics"
	"svcmgr/registry"
)

func pendingFrom(msg *message.LookupRequest, now time.Time) *registry.Pending {
	return &registry.Pending{
		Service:     msg.Service,
		Correlation: msg.Correlation,
		Requester:   msg.Requester,
		Context:     msg.Context,
		EnqueuedAt:  now,
	}
}

// lookup serves one request:
//
//	unknown service   -> discover through the gateway, or absent
//	idle instance     -> reserve the least recently used one
//	concurrent route  -> dispatch through the route
//	otherwise         -> queue (or busy, for noBlock)
func (m *Manager) lookup(p *registry.Pending, noBlock bool) error {
	svc, ok := m.reg.Find(p.Service)
	if !ok || !svc.HasCapacity() {
		if p.Context == message.ContextRegular && m.gateway != nil {
			m.discover(p, noBlock)
			return nil
		}
		m.replyAbsent(p, message.ServiceInfo{Name: p.Service}, CodeNoEntry)
		return nil
	}

	if inst := m.idleInstance(svc); inst != nil {
		return m.dispatchLocal(svc, inst, p)
	}
	if len(svc.Routes()) > 0 {
		m.dispatchRoute(svc, p)
		return nil
	}

	if noBlock {
		m.out.Send(p.Requester, &message.LookupReply{
			Correlation: p.Correlation,
			Service:     svc.Info,
			State:       message.StateBusy,
		})
		return nil
	}
	m.reg.Enqueue(p)
	return nil
}

func (m *Manager) idleInstance(svc *registry.Service) *registry.Instance {
	pids := svc.Instances()
	candidates := make([]*registry.Instance, 0, len(pids))
	for _, pid := range pids {
		if inst, ok := m.reg.Instances.Get(pid); ok {
			candidates = append(candidates, inst)
		}
	}
	return loadbalance.LeastRecentlyUsed(candidates)
}

// dispatchLocal reserves inst for p and tells the requester where to call.
func (m *Manager) dispatchLocal(svc *registry.Service, inst *registry.Instance, p *registry.Pending) error {
	if !inst.Idle() {
		return invariantError("dispatch to busy instance "+inst.Process.String(), nil)
	}
	now := m.clock.Now()
	m.reg.Instances.SetBusy(inst.Process.PID, now)
	svc.Lookedup++
	if p.Seq() != 0 {
		svc.Metric.AddPending(now.Sub(p.EnqueuedAt))
	}

	process := inst.Process
	m.out.Send(p.Requester, &message.LookupReply{
		Correlation: p.Correlation,
		Service:     svc.Info,
		State:       message.StateIdle,
		Process:     &process,
	})
	return nil
}

// dispatchRoute sends p through one of the service's routes. Routes are never reserved.
func (m *Manager) dispatchRoute(svc *registry.Service, p *registry.Pending) {
	route, err := m.routes.Pick(svc.Routes(), p.Requester.String())
	if err != nil {
		m.replyAbsent(p, svc.Info, CodeNoEntry)
		return
	}
	svc.Lookedup++
	if p.Seq() != 0 {
		svc.Metric.AddPending(m.clock.Now().Sub(p.EnqueuedAt))
	}

	process := route.Process
	m.out.Send(p.Requester, &message.LookupReply{
		Correlation: p.Correlation,
		Service:     svc.Info,
		State:       message.StateIdle,
		Process:     &process,
		Domain:      route.Domain,
	})
}

func (m *Manager) replyAbsent(p *registry.Pending, info message.ServiceInfo, code string) {
	m.out.Send(p.Requester, &message.LookupReply{
		Correlation: p.Correlation,
		Service:     info,
		State:       message.StateAbsent,
		Code:        code,
	})
}

// dispatchNext gives an idle instance the oldest request queued for any of its services.
func (m *Manager) dispatchNext(inst *registry.Instance) error {
	if !inst.Idle() {
		return nil
	}
	p, ok := m.reg.NextPending(inst)
	if !ok {
		return nil
	}
	svc, ok := m.reg.Find(p.Service)
	if !ok {
		return invariantError("pending request for unknown service "+p.Service, nil)
	}
	return m.dispatchLocal(svc, inst, p)
}

// drain answers every request queued for the orphaned services with absent.
func (m *Manager) drain(orphaned []string) {
	for _, name := range orphaned {
		info := message.ServiceInfo{Name: name}
		if svc, ok := m.reg.Find(name); ok {
			info = svc.Info
		}
		drained := m.reg.Drain(name)
		if len(drained) > 0 {
			m.logger.Info("service lost its last instance",
				zap.String("service", name), zap.Int("pending", len(drained)))
		}
		for _, p := range drained {
			m.replyAbsent(p, info, CodeNoEntry)
		}
	}
}

func (m *Manager) advertise(msg *message.Advertise) error {
	inst, orphaned := m.reg.Advertise(msg.Process, msg.Alias, msg.Services, msg.Mode)
	m.drain(orphaned)
	return m.dispatchNext(inst)
}

// advertiseConcurrent adds a route. Services that gain their first route flush their
// whole queue through it, since a route has no capacity limit.
func (m *Manager) advertiseConcurrent(route message.Route, services []string) {
	for _, name := range m.reg.AdvertiseConcurrent(route, services) {
		svc, ok := m.reg.Find(name)
		if !ok {
			continue
		}
		for {
			p, ok := m.reg.Dequeue(name)
			if !ok {
				break
			}
			m.dispatchRoute(svc, p)
		}
	}
}

func (m *Manager) ack(msg *message.CallACK) error {
	inst, ok := m.reg.Instances.Get(msg.Process.PID)
	if !ok {
		return staleError("ack from unknown process %s", msg.Process)
	}
	now := m.clock.Now()
	m.reg.Instances.SetIdle(inst.Process.PID, now)

	if svc, ok := m.reg.Find(msg.Service); ok {
		svc.Metric.AddCall(msg.Duration, now)
	}
	m.metrics.Add(metrics.Event{
		Service:  msg.Service,
		PID:      inst.Process.PID,
		Duration: msg.Duration,
		At:       now,
	})
	return m.dispatchNext(inst)
}

// discard withdraws a queued or discovering lookup. The lookup itself is never answered
// afterwards; the DiscardReply tells the requester whether it was in time. Only the
// requester's own lookup of the named service matches.
func (m *Manager) discard(msg *message.DiscardRequest) {
	state := message.DiscardAlreadyDispatched
	if _, ok := m.reg.Discard(msg.Requester.PID, msg.Service, msg.Correlation); ok {
		state = message.DiscardDiscarded
	} else if m.dropDiscovering(msg.Requester.PID, msg.Service, msg.Correlation) {
		state = message.DiscardDiscarded
	}
	m.out.Send(msg.Requester, &message.DiscardReply{Correlation: msg.Correlation, State: state})
}

func (m *Manager) dropDiscovering(requester int, service, correlation string) bool {
	for key, lookup := range m.discovering {
		p := lookup.pending
		if p.Requester.PID == requester && p.Service == service && p.Correlation == correlation {
			delete(m.discovering, key)
			return true
		}
	}
	return false
}

// processExit purges pid from every service. Lookups the process itself had queued are
// dropped unanswered: dispatching them would reserve an instance nobody will call.
func (m *Manager) processExit(pid int) {
	m.drain(m.reg.RemoveProcess(pid))

	if dropped := m.reg.DropRequester(pid); len(dropped) > 0 {
		m.logger.Debug("dropped lookups of exited requester", zap.Int("pid", pid), zap.Int("count", len(dropped)))
	}
	for key, lookup := range m.discovering {
		if lookup.pending.Requester.PID == pid {
			delete(m.discovering, key)
		}
	}
}

// discover parks p and asks the gateway about its service.
func (m *Manager) discover(p *registry.Pending, noBlock bool) {
	correlation := m.nextDiscoveryCorrelation()
	m.discovering[correlation] = parked{pending: p, noBlock: noBlock}
	m.gateway.Discover(message.DiscoverRequest{
		Correlation: correlation,
		Services:    []string{p.Service},
		ReplyTo:     m.cfg.Process,
	})
}

// discovered applies the routes found by the gateway and retries the parked lookup once.
func (m *Manager) discovered(msg *message.DiscoverReply) error {
	lookup, ok := m.discovering[msg.Correlation]
	if !ok {
		return staleError("discover reply %q matches no lookup", msg.Correlation)
	}
	delete(m.discovering, msg.Correlation)

	for _, rs := range msg.Routes {
		m.advertiseConcurrent(rs.Route, rs.Services)
	}
	lookup.pending.Context = message.ContextDiscoveryRetry
	return m.lookup(lookup.pending, lookup.noBlock)
}

// answerDiscover tells a remote domain which of the requested services run here. Routes
// are left out so two domains never advertise each other's services back and forth.
func (m *Manager) answerDiscover(msg *message.DiscoverRequest) {
	var found []string
	for _, name := range msg.Services {
		if svc, ok := m.reg.Find(name); ok && len(svc.Instances()) > 0 {
			found = append(found, name)
		}
	}
	reply := &message.DiscoverReply{Correlation: msg.Correlation, Domain: m.cfg.Domain}
	if len(found) > 0 {
		reply.Routes = []message.RouteServices{{
			Route:    message.Route{Process: m.cfg.Process, Domain: m.cfg.Domain},
			Services: found,
		}}
	}
	m.out.Send(msg.ReplyTo, reply)
}
