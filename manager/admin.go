package manager

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"svcmgr/message"
	"svcmgr/registry"
)

// ServiceReport is a point-in-time view of one service.
type ServiceReport struct {
	Name        string        `json:"name" yaml:"name"`
	Category    string        `json:"category,omitempty" yaml:"category,omitempty"`
	Transaction string        `json:"transaction" yaml:"transaction"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	Instances   int           `json:"instances" yaml:"instances"`
	Routes      int           `json:"routes" yaml:"routes"`
	Lookedup    uint64        `json:"lookedup" yaml:"lookedup"`
	Calls       uint64        `json:"calls" yaml:"calls"`
	AvgCall     time.Duration `json:"avg_call" yaml:"avg_call"`
	MinCall     time.Duration `json:"min_call" yaml:"min_call"`
	MaxCall     time.Duration `json:"max_call" yaml:"max_call"`
	LastCall    time.Time     `json:"last_call,omitempty" yaml:"last_call,omitempty"`
	Pending     int           `json:"pending" yaml:"pending"`
	Pended      uint64        `json:"pended" yaml:"pended"`
	PendingWait time.Duration `json:"pending_wait" yaml:"pending_wait"`
}

// InstanceReport is a point-in-time view of one local instance.
type InstanceReport struct {
	PID      int       `json:"pid" yaml:"pid"`
	IPC      string    `json:"ipc" yaml:"ipc"`
	Alias    string    `json:"alias,omitempty" yaml:"alias,omitempty"`
	State    string    `json:"state" yaml:"state"`
	Invoked  uint64    `json:"invoked" yaml:"invoked"`
	LastUsed time.Time `json:"last_used,omitempty" yaml:"last_used,omitempty"`
	Services []string  `json:"services" yaml:"services"`
}

// ScaleResult reports a forwarded scaling request.
type ScaleResult struct {
	Alias     string `json:"alias" yaml:"alias"`
	Running   int    `json:"running" yaml:"running"`
	Requested int    `json:"requested" yaml:"requested"`
}

var (
	ErrNoSpawner = errors.New("no spawner configured")
	ErrNoServer  = errors.New("no server with that alias")
	ErrNoService = errors.New("no such service")
)

// query runs fn on the reactor goroutine and waits for it. When query fails fn may still
// run later, so the caller must not read what fn writes.
func (m *Manager) query(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	q := func() {
		fn()
		close(finished)
	}
	select {
	case m.queries <- q:
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListServices returns every service, sorted by name.
func (m *Manager) ListServices(ctx context.Context) ([]ServiceReport, error) {
	var reports []ServiceReport
	err := m.query(ctx, func() {
		services := m.reg.Services()
		reports = make([]ServiceReport, 0, len(services))
		for _, svc := range services {
			reports = append(reports, reportOf(svc))
		}
	})
	if err != nil {
		return nil, err
	}
	return reports, nil
}

func reportOf(svc *registry.Service) ServiceReport {
	r := ServiceReport{
		Name:        svc.Name(),
		Category:    svc.Info.Category,
		Transaction: svc.Info.Transaction.String(),
		Timeout:     svc.Info.Timeout,
		Instances:   len(svc.Instances()),
		Routes:      len(svc.Routes()),
		Lookedup:    svc.Lookedup,
		Calls:       svc.Metric.Calls,
		MinCall:     svc.Metric.Min,
		MaxCall:     svc.Metric.Max,
		LastCall:    svc.Metric.LastCall,
		Pending:     svc.PendingLen(),
		Pended:      svc.Metric.Pended,
		PendingWait: svc.Metric.PendingWait,
	}
	if svc.Metric.Calls > 0 {
		r.AvgCall = svc.Metric.Total / time.Duration(svc.Metric.Calls)
	}
	return r
}

// ServiceUpdate names the metadata fields to change; nil fields keep their value.
type ServiceUpdate struct {
	Category    *string
	Transaction *message.Transaction
	Timeout     *time.Duration
}

// ConfigureService changes the metadata of a known service. Later advertisers no longer
// overwrite it.
func (m *Manager) ConfigureService(ctx context.Context, name string, u ServiceUpdate) (ServiceReport, error) {
	if name == "" {
		return ServiceReport{}, argumentError("configure service without name")
	}
	if u.Timeout != nil && *u.Timeout < 0 {
		return ServiceReport{}, argumentError("configure %q: negative timeout %s", name, *u.Timeout)
	}

	var (
		report ServiceReport
		found  bool
	)
	err := m.query(ctx, func() {
		svc, ok := m.reg.Find(name)
		if !ok {
			return
		}
		info := svc.Info
		if u.Category != nil {
			info.Category = *u.Category
		}
		if u.Transaction != nil {
			info.Transaction = *u.Transaction
		}
		if u.Timeout != nil {
			info.Timeout = *u.Timeout
		}
		found = m.reg.Configure(info)
		report = reportOf(svc)
	})
	if err != nil {
		return ServiceReport{}, err
	}
	if !found {
		return ServiceReport{}, ErrNoService
	}
	m.logger.Info("service configured", zap.String("service", name),
		zap.String("category", report.Category), zap.String("transaction", report.Transaction),
		zap.Duration("timeout", report.Timeout))
	return report, nil
}

// ListInstances returns every local instance in registration order.
func (m *Manager) ListInstances(ctx context.Context) ([]InstanceReport, error) {
	var reports []InstanceReport
	err := m.query(ctx, func() {
		all := m.reg.Instances.All()
		reports = make([]InstanceReport, 0, len(all))
		for _, inst := range all {
			reports = append(reports, InstanceReport{
				PID:      inst.Process.PID,
				IPC:      inst.Process.IPC,
				Alias:    inst.Alias,
				State:    inst.State.String(),
				Invoked:  inst.Invoked,
				LastUsed: inst.LastUsed,
				Services: inst.Services(),
			})
		}
	})
	if err != nil {
		return nil, err
	}
	return reports, nil
}

// ScaleServer asks the spawner to run instances copies of the server alias. The registry
// is not touched; new instances show up when they advertise.
func (m *Manager) ScaleServer(ctx context.Context, alias string, instances int) (ScaleResult, error) {
	if alias == "" || instances < 0 {
		return ScaleResult{}, argumentError("scale %q to %d instances", alias, instances)
	}
	if m.spawner == nil {
		return ScaleResult{}, ErrNoSpawner
	}

	running := 0
	err := m.query(ctx, func() {
		for _, inst := range m.reg.Instances.All() {
			if inst.Alias == alias {
				running++
			}
		}
	})
	if err != nil {
		return ScaleResult{}, err
	}
	if running == 0 && instances == 0 {
		return ScaleResult{}, ErrNoServer
	}

	if err := m.spawner.Scale(ctx, alias, instances); err != nil {
		return ScaleResult{}, err
	}
	m.logger.Info("scale requested",
		zap.String("alias", alias), zap.Int("running", running), zap.Int("requested", instances))
	return ScaleResult{Alias: alias, Running: running, Requested: instances}, nil
}
