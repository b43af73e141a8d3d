package message

import "time"

// Mode selects how an Advertise combines with what the process already advertises.
type Mode uint8

const (
	ModeAdd     Mode = 0 // add the listed services to the existing set
	ModeReplace Mode = 1 // the listed services become the complete set
)

// Context tells the service manager where a lookup comes from.
type Context uint8

const (
	ContextRegular        Context = 0
	ContextForward        Context = 1
	ContextDiscoveryRetry Context = 2
)

func (c Context) String() string {
	switch c {
	case ContextRegular:
		return "regular"
	case ContextForward:
		return "forward"
	case ContextDiscoveryRetry:
		return "discovery-retry"
	}
	return "unknown"
}

// State is the outcome carried by a LookupReply.
type State uint8

const (
	StateIdle   State = 0 // Process is reserved for the caller
	StateBusy   State = 1 // every instance is busy and the caller asked not to wait
	StateAbsent State = 2 // no such service
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateAbsent:
		return "absent"
	}
	return "unknown"
}

// DiscardState is the outcome carried by a DiscardReply.
type DiscardState uint8

const (
	DiscardDiscarded         DiscardState = 0
	DiscardAlreadyDispatched DiscardState = 1
)

// Transaction is the transaction policy of a service.
type Transaction uint8

const (
	TransactionAuto   Transaction = 0
	TransactionJoin   Transaction = 1
	TransactionAtomic Transaction = 2
	TransactionNone   Transaction = 3
	TransactionBranch Transaction = 4
)

func (t Transaction) String() string {
	switch t {
	case TransactionJoin:
		return "join"
	case TransactionAtomic:
		return "atomic"
	case TransactionNone:
		return "none"
	case TransactionBranch:
		return "branch"
	}
	return "auto"
}

// ParseTransaction is the inverse of Transaction.String.
func ParseTransaction(s string) (Transaction, bool) {
	for t := TransactionAuto; t <= TransactionBranch; t++ {
		if t.String() == s {
			return t, true
		}
	}
	return TransactionAuto, false
}

// ServiceInfo is the metadata an advertiser supplies for one service.
type ServiceInfo struct {
	Name        string        `json:"name"`
	Category    string        `json:"category,omitempty"`
	Transaction Transaction   `json:"transaction"`
	Timeout     time.Duration `json:"timeout"`
}

// Advertise registers the services of a local server process.
type Advertise struct {
	Process  ProcessHandle `json:"process"`
	Alias    string        `json:"alias,omitempty"` // server alias, used by admin scaling
	Services []ServiceInfo `json:"services"`
	Mode     Mode          `json:"mode"`
}

func (*Advertise) Type() Type { return TypeAdvertise }

// Unadvertise removes services from a local server process.
type Unadvertise struct {
	Process  ProcessHandle `json:"process"`
	Services []string      `json:"services"`
}

func (*Unadvertise) Type() Type { return TypeUnadvertise }

// Route is a way to reach services of a remote domain through a gateway process.
type Route struct {
	Process ProcessHandle `json:"process"`
	Domain  string        `json:"domain"`
	Hops    int           `json:"hops"`
}

// ConcurrentAdvertise registers services reachable through a gateway route.
type ConcurrentAdvertise struct {
	Route    Route    `json:"route"`
	Services []string `json:"services"`
}

func (*ConcurrentAdvertise) Type() Type { return TypeConcurrentAdvertise }

// ConcurrentUnadvertise removes services from a gateway route.
type ConcurrentUnadvertise struct {
	Process  ProcessHandle `json:"process"`
	Services []string      `json:"services"`
}

func (*ConcurrentUnadvertise) Type() Type { return TypeConcurrentUnadvertise }

// LookupRequest asks for an instance of a service.
type LookupRequest struct {
	Correlation string        `json:"correlation"`
	Service     string        `json:"service"`
	Requester   ProcessHandle `json:"requester"`
	Context     Context       `json:"context"`
	NoBlock     bool          `json:"no_block,omitempty"`
}

func (*LookupRequest) Type() Type { return TypeLookupRequest }

// LookupReply answers a LookupRequest. Process is set only when State is StateIdle.
type LookupReply struct {
	Correlation string         `json:"correlation"`
	Service     ServiceInfo    `json:"service"`
	State       State          `json:"state"`
	Process     *ProcessHandle `json:"process,omitempty"`
	Domain      string         `json:"domain,omitempty"` // set when Process is a gateway route
	Code        string         `json:"code,omitempty"`
}

func (*LookupReply) Type() Type { return TypeLookupReply }

// DiscardRequest withdraws a queued lookup.
type DiscardRequest struct {
	Correlation string        `json:"correlation"`
	Service     string        `json:"service"`
	Requester   ProcessHandle `json:"requester"`
}

func (*DiscardRequest) Type() Type { return TypeDiscardRequest }

// DiscardReply answers a DiscardRequest.
type DiscardReply struct {
	Correlation string       `json:"correlation"`
	State       DiscardState `json:"state"`
}

func (*DiscardReply) Type() Type { return TypeDiscardReply }

// CallACK is sent by an instance when it has finished a call.
type CallACK struct {
	Process  ProcessHandle `json:"process"`
	Service  string        `json:"service"`
	Duration time.Duration `json:"duration"`
}

func (*CallACK) Type() Type { return TypeCallACK }

// DiscoverRequest asks which of Services can be served. Sent to the gateway for names
// unknown locally, and received from remote domains asking about ours.
type DiscoverRequest struct {
	Correlation string        `json:"correlation"`
	Services    []string      `json:"services"`
	ReplyTo     ProcessHandle `json:"reply_to"`
}

func (*DiscoverRequest) Type() Type { return TypeDiscoverRequest }

// RouteServices is one route and the services found behind it.
type RouteServices struct {
	Route    Route    `json:"route"`
	Services []string `json:"services"`
}

// DiscoverReply answers a DiscoverRequest.
type DiscoverReply struct {
	Correlation string          `json:"correlation"`
	Domain      string          `json:"domain,omitempty"`
	Routes      []RouteServices `json:"routes"`
}

func (*DiscoverReply) Type() Type { return TypeDiscoverReply }

// ProcessExit reports that a process is gone.
type ProcessExit struct {
	PID int `json:"pid"`
}

func (*ProcessExit) Type() Type { return TypeProcessExit }
