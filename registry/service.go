package registry

import (
	"time"

	"svcmgr/message"
)

// Metric accumulates call statistics for one service.
type Metric struct {
	Calls    uint64
	Total    time.Duration
	Min      time.Duration
	Max      time.Duration
	LastCall time.Time

	// Requests that had to wait in the pending queue, and for how long in total.
	Pended      uint64
	PendingWait time.Duration
}

// AddCall records one finished call.
func (m *Metric) AddCall(duration time.Duration, at time.Time) {
	if m.Calls == 0 || duration < m.Min {
		m.Min = duration
	}
	if duration > m.Max {
		m.Max = duration
	}
	m.Calls++
	m.Total += duration
	m.LastCall = at
}

// AddPending records the time one request spent queued.
func (m *Metric) AddPending(wait time.Duration) {
	m.Pended++
	m.PendingWait += wait
}

// Service is one service name and everything that can serve it.
type Service struct {
	Info     message.ServiceInfo
	Lookedup uint64
	Metric   Metric

	hasInfo   bool            // Info came from a local advertiser
	instances []int           // local instance pids, in advertise order
	routes    []message.Route // gateway routes, capacity-unbounded
	pending   []*Pending      // FIFO
}

func newService(name string) *Service {
	return &Service{Info: message.ServiceInfo{Name: name}}
}

func (s *Service) Name() string {
	return s.Info.Name
}

// Instances returns the pids of the local instances, in advertise order.
func (s *Service) Instances() []int {
	return append([]int(nil), s.instances...)
}

// Routes returns the concurrent routes.
func (s *Service) Routes() []message.Route {
	return append([]message.Route(nil), s.routes...)
}

// PendingLen returns the number of queued requests.
func (s *Service) PendingLen() int {
	return len(s.pending)
}

// HasCapacity reports whether any local instance or route serves the service.
func (s *Service) HasCapacity() bool {
	return len(s.instances) > 0 || len(s.routes) > 0
}

func (s *Service) hasInstance(pid int) bool {
	for _, p := range s.instances {
		if p == pid {
			return true
		}
	}
	return false
}

func (s *Service) addInstance(pid int) bool {
	if s.hasInstance(pid) {
		return false
	}
	s.instances = append(s.instances, pid)
	return true
}

func (s *Service) removeInstance(pid int) bool {
	for i, p := range s.instances {
		if p == pid {
			s.instances = append(s.instances[:i], s.instances[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Service) routeIndex(pid int) int {
	for i, r := range s.routes {
		if r.Process.PID == pid {
			return i
		}
	}
	return -1
}

// addRoute adds or refreshes the route owned by route.Process.
func (s *Service) addRoute(route message.Route) bool {
	if i := s.routeIndex(route.Process.PID); i >= 0 {
		s.routes[i] = route
		return false
	}
	s.routes = append(s.routes, route)
	return true
}

func (s *Service) removeRoute(pid int) bool {
	if i := s.routeIndex(pid); i >= 0 {
		s.routes = append(s.routes[:i], s.routes[i+1:]...)
		return true
	}
	return false
}

// empty reports whether nothing keeps the service alive.
func (s *Service) empty() bool {
	return !s.HasCapacity() && len(s.pending) == 0
}
