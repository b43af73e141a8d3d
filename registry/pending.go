package registry

import (
	"time"

	"svcmgr/message"
)

// Pending is a lookup that could not be served when it arrived. It names only the
// service; the instance is chosen when it is dispatched.
type Pending struct {
	Service     string
	Correlation string
	Requester   message.ProcessHandle
	Context     message.Context
	EnqueuedAt  time.Time

	seq uint64 // registry-wide enqueue order
}

// Seq returns the registry-wide enqueue order. Lower was queued earlier.
func (p *Pending) Seq() uint64 {
	return p.seq
}

// pendingKey identifies a queued request. Correlations are chosen by callers, so two
// requesters may well use the same one.
type pendingKey struct {
	requester   int
	service     string
	correlation string
}

func (p *Pending) key() pendingKey {
	return pendingKey{requester: p.Requester.PID, service: p.Service, correlation: p.Correlation}
}

func (r *Registry) index(p *Pending) {
	r.pendingIndex[p.key()]++
}

func (r *Registry) unindex(p *Pending) {
	k := p.key()
	if r.pendingIndex[k] <= 1 {
		delete(r.pendingIndex, k)
		return
	}
	r.pendingIndex[k]--
}

// Enqueue appends p to the queue of its service.
func (r *Registry) Enqueue(p *Pending) {
	svc, ok := r.services[p.Service]
	if !ok {
		svc = newService(p.Service)
		r.services[p.Service] = svc
	}
	r.pendingSeq++
	p.seq = r.pendingSeq
	svc.pending = append(svc.pending, p)
	r.pendingLen++
	r.index(p)
}

// Dequeue pops the oldest pending request of service.
func (r *Registry) Dequeue(service string) (*Pending, bool) {
	svc, ok := r.services[service]
	if !ok || len(svc.pending) == 0 {
		return nil, false
	}
	p := svc.pending[0]
	svc.pending[0] = nil
	svc.pending = svc.pending[1:]
	r.pendingLen--
	r.unindex(p)
	return p, true
}

// NextPending pops the oldest pending request across every service inst advertises.
// Per-service order stays FIFO since each queue is only ever popped at its head.
func (r *Registry) NextPending(inst *Instance) (*Pending, bool) {
	var oldest *Service
	for name := range inst.services {
		svc, ok := r.services[name]
		if !ok || len(svc.pending) == 0 {
			continue
		}
		if oldest == nil || svc.pending[0].seq < oldest.pending[0].seq {
			oldest = svc
		}
	}
	if oldest == nil {
		return nil, false
	}
	return r.Dequeue(oldest.Name())
}

// Discard removes the oldest request requester queued for service under correlation. ok
// is false when no such request is queued.
func (r *Registry) Discard(requester int, service, correlation string) (*Pending, bool) {
	if _, ok := r.pendingIndex[pendingKey{requester: requester, service: service, correlation: correlation}]; !ok {
		return nil, false
	}
	svc := r.services[service]
	for i, p := range svc.pending {
		if p.Requester.PID == requester && p.Correlation == correlation {
			copy(svc.pending[i:], svc.pending[i+1:])
			svc.pending[len(svc.pending)-1] = nil
			svc.pending = svc.pending[:len(svc.pending)-1]
			r.pendingLen--
			r.unindex(p)
			r.collect(service)
			return p, true
		}
	}
	return nil, false
}

// Drain removes and returns every pending request of service, then deletes the service
// if nothing else serves it.
func (r *Registry) Drain(service string) []*Pending {
	svc, ok := r.services[service]
	if !ok {
		return nil
	}
	drained := svc.pending
	svc.pending = nil
	for _, p := range drained {
		r.pendingLen--
		r.unindex(p)
	}
	r.collect(service)
	return drained
}

// PendingLen returns the number of queued requests across all services.
func (r *Registry) PendingLen() int {
	return r.pendingLen
}

// DropRequester removes every queued request made by pid. The requests are not answered;
// the requester is gone.
func (r *Registry) DropRequester(pid int) []*Pending {
	var dropped []*Pending
	for name, svc := range r.services {
		kept := svc.pending[:0]
		for _, p := range svc.pending {
			if p.Requester.PID == pid {
				dropped = append(dropped, p)
				r.pendingLen--
				r.unindex(p)
				continue
			}
			kept = append(kept, p)
		}
		for i := len(kept); i < len(svc.pending); i++ {
			svc.pending[i] = nil
		}
		svc.pending = kept
		r.collect(name)
	}
	return dropped
}
