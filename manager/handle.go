package manager

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"svcmgr/message"
)

// handle routes one message to its handler. Argument and stale errors are logged and
// absorbed here; only invariant errors reach the reactor loop.
func (m *Manager) handle(_ context.Context, msg message.Message) error {
	var err error
	switch msg := msg.(type) {
	case *message.Advertise:
		err = m.handleAdvertise(msg)
	case *message.Unadvertise:
		err = m.handleUnadvertise(msg)
	case *message.ConcurrentAdvertise:
		err = m.handleConcurrentAdvertise(msg)
	case *message.ConcurrentUnadvertise:
		err = m.handleConcurrentUnadvertise(msg)
	case *message.LookupRequest:
		err = m.handleLookup(msg)
	case *message.DiscardRequest:
		err = m.handleDiscard(msg)
	case *message.CallACK:
		err = m.handleACK(msg)
	case *message.DiscoverRequest:
		err = m.handleDiscoverRequest(msg)
	case *message.DiscoverReply:
		err = m.handleDiscoverReply(msg)
	case *message.ProcessExit:
		err = m.handleProcessExit(msg)
	default:
		err = argumentError("unexpected message %s", msg.Type())
	}

	if err == nil && m.cfg.CheckInvariants {
		if cerr := m.check(); cerr != nil {
			err = invariantError("registry check after "+msg.Type().String(), cerr)
		}
	}

	switch {
	case err == nil:
		return nil
	case IsArgument(err):
		m.logger.Warn("message rejected", zap.Stringer("type", msg.Type()), zap.Error(err))
		return nil
	case IsStale(err):
		m.logger.Debug("stale message ignored", zap.Stringer("type", msg.Type()), zap.Error(err))
		return nil
	default:
		return err
	}
}

func validServiceNames(names []string) error {
	for _, name := range names {
		if name == "" {
			return fmt.Errorf("empty service name")
		}
	}
	return nil
}

func (m *Manager) handleAdvertise(msg *message.Advertise) error {
	if msg.Process.Zero() {
		return argumentError("advertise without process")
	}
	for _, info := range msg.Services {
		if info.Name == "" {
			return argumentError("advertise from %s: empty service name", msg.Process)
		}
	}
	return m.advertise(msg)
}

func (m *Manager) handleUnadvertise(msg *message.Unadvertise) error {
	if msg.Process.Zero() {
		return argumentError("unadvertise without process")
	}
	if err := validServiceNames(msg.Services); err != nil {
		return argumentError("unadvertise from %s: %v", msg.Process, err)
	}
	if _, ok := m.reg.Instances.Get(msg.Process.PID); !ok {
		return staleError("unadvertise from unknown process %s", msg.Process)
	}
	m.drain(m.reg.Unadvertise(msg.Process.PID, msg.Services))
	return nil
}

func (m *Manager) handleConcurrentAdvertise(msg *message.ConcurrentAdvertise) error {
	if msg.Route.Process.Zero() {
		return argumentError("concurrent advertise without process")
	}
	if err := validServiceNames(msg.Services); err != nil {
		return argumentError("concurrent advertise from %s: %v", msg.Route.Process, err)
	}
	m.advertiseConcurrent(msg.Route, msg.Services)
	return nil
}

func (m *Manager) handleConcurrentUnadvertise(msg *message.ConcurrentUnadvertise) error {
	if msg.Process.Zero() {
		return argumentError("concurrent unadvertise without process")
	}
	if err := validServiceNames(msg.Services); err != nil {
		return argumentError("concurrent unadvertise from %s: %v", msg.Process, err)
	}
	m.drain(m.reg.UnadvertiseConcurrent(msg.Process.PID, msg.Services))
	return nil
}

func (m *Manager) handleLookup(msg *message.LookupRequest) error {
	if msg.Requester.Zero() {
		return argumentError("lookup %q without requester", msg.Service)
	}
	if msg.Service == "" {
		m.out.Send(msg.Requester, &message.LookupReply{
			Correlation: msg.Correlation,
			State:       message.StateAbsent,
			Code:        CodeArgument,
		})
		return argumentError("lookup from %s: empty service name", msg.Requester)
	}
	return m.lookup(pendingFrom(msg, m.clock.Now()), msg.NoBlock)
}

func (m *Manager) handleDiscard(msg *message.DiscardRequest) error {
	if msg.Requester.Zero() {
		return argumentError("discard %q without requester", msg.Correlation)
	}
	m.discard(msg)
	return nil
}

func (m *Manager) handleACK(msg *message.CallACK) error {
	if msg.Process.Zero() {
		return argumentError("ack without process")
	}
	return m.ack(msg)
}

func (m *Manager) handleDiscoverRequest(msg *message.DiscoverRequest) error {
	if msg.ReplyTo.Zero() {
		return argumentError("discover %q without reply address", msg.Correlation)
	}
	m.answerDiscover(msg)
	return nil
}

func (m *Manager) handleDiscoverReply(msg *message.DiscoverReply) error {
	for _, rs := range msg.Routes {
		if rs.Route.Process.Zero() {
			return argumentError("discover reply %q: route without process", msg.Correlation)
		}
		if err := validServiceNames(rs.Services); err != nil {
			return argumentError("discover reply %q: %v", msg.Correlation, err)
		}
	}
	return m.discovered(msg)
}

func (m *Manager) handleProcessExit(msg *message.ProcessExit) error {
	if msg.PID <= 0 {
		return argumentError("process exit with pid %d", msg.PID)
	}
	m.processExit(msg.PID)
	return nil
}

// check validates the registry and the dispatch invariant: no request waits while
// something that could serve it is free.
func (m *Manager) check() error {
	if err := m.reg.Check(); err != nil {
		return err
	}
	for _, svc := range m.reg.Services() {
		if svc.PendingLen() == 0 {
			continue
		}
		if len(svc.Routes()) > 0 {
			return fmt.Errorf("service %q has a route and %d queued requests", svc.Name(), svc.PendingLen())
		}
		if inst := m.idleInstance(svc); inst != nil {
			return fmt.Errorf("service %q has idle instance %s and %d queued requests", svc.Name(), inst.Process, svc.PendingLen())
		}
	}
	return nil
}
