package registry

import (
	"sort"
	"time"

	"svcmgr/message"
)

// InstanceState is the busy/idle state of a local instance.
type InstanceState uint8

const (
	Idle InstanceState = 0
	Busy InstanceState = 1
)

func (s InstanceState) String() string {
	if s == Busy {
		return "busy"
	}
	return "idle"
}

// Instance is one local server process. It serves at most one call at a time.
type Instance struct {
	Process  message.ProcessHandle
	Alias    string
	State    InstanceState
	Invoked  uint64
	LastUsed time.Time

	order    uint64 // registration order, breaks LastUsed ties
	services map[string]struct{}
}

// Order returns the registration order of the instance. Lower registered earlier.
func (i *Instance) Order() uint64 {
	return i.order
}

// Idle reports whether the instance can take a call.
func (i *Instance) Idle() bool {
	return i.State == Idle
}

// Has reports whether the instance advertises service.
func (i *Instance) Has(service string) bool {
	_, ok := i.services[service]
	return ok
}

// Services returns the advertised service names, sorted.
func (i *Instance) Services() []string {
	names := make([]string, 0, len(i.services))
	for name := range i.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Instances is the instance table, keyed by pid. It owns every Instance; services only
// hold pids.
type Instances struct {
	byPID map[int]*Instance
	next  uint64
}

func NewInstances() *Instances {
	return &Instances{byPID: make(map[int]*Instance)}
}

// FindOrCreate returns the instance for process, creating an idle one if the pid is
// unknown. created reports whether a new instance was made.
func (t *Instances) FindOrCreate(process message.ProcessHandle) (inst *Instance, created bool) {
	if inst, ok := t.byPID[process.PID]; ok {
		// Same pid, new reply channel: the process reconnected.
		inst.Process.IPC = process.IPC
		return inst, false
	}
	t.next++
	inst = &Instance{
		Process:  process,
		State:    Idle,
		order:    t.next,
		services: make(map[string]struct{}),
	}
	t.byPID[process.PID] = inst
	return inst, true
}

// Get returns the instance for pid.
func (t *Instances) Get(pid int) (*Instance, bool) {
	inst, ok := t.byPID[pid]
	return inst, ok
}

// Remove deletes pid from the table. Removing an unknown pid is a no-op.
func (t *Instances) Remove(pid int) (*Instance, bool) {
	inst, ok := t.byPID[pid]
	if ok {
		delete(t.byPID, pid)
	}
	return inst, ok
}

// SetBusy marks pid busy and counts the call. It returns false for unknown pids.
func (t *Instances) SetBusy(pid int, now time.Time) bool {
	inst, ok := t.byPID[pid]
	if !ok {
		return false
	}
	inst.State = Busy
	inst.Invoked++
	inst.LastUsed = now
	return true
}

// SetIdle marks pid idle. It returns false for unknown pids.
func (t *Instances) SetIdle(pid int, now time.Time) bool {
	inst, ok := t.byPID[pid]
	if !ok {
		return false
	}
	inst.State = Idle
	inst.LastUsed = now
	return true
}

func (t *Instances) Len() int {
	return len(t.byPID)
}

// All returns every instance in registration order.
func (t *Instances) All() []*Instance {
	all := make([]*Instance, 0, len(t.byPID))
	for _, inst := range t.byPID {
		all = append(all, inst)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].order < all[j].order })
	return all
}
