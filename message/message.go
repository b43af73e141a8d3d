// Package message defines the messages exchanged between processes and the service manager.
//
// Every message is a plain struct implementing Message. The Type tag is what travels in the
// frame header, so the receiver knows which struct to decode the body into before it looks
// at the body. Handlers switch on the concrete type, never on inheritance.
package message

import (
	"fmt"
	"strconv"
)

// Type is the wire tag of a message kind.
type Type uint16

const (
	TypeHeartbeat             Type = 0 // keep-alive frame, no body
	TypeAdvertise             Type = 1
	TypeUnadvertise           Type = 2
	TypeConcurrentAdvertise   Type = 3
	TypeConcurrentUnadvertise Type = 4
	TypeLookupRequest         Type = 5
	TypeLookupReply           Type = 6
	TypeDiscardRequest        Type = 7
	TypeDiscardReply          Type = 8
	TypeCallACK               Type = 9
	TypeDiscoverRequest       Type = 10
	TypeDiscoverReply         Type = 11
	TypeProcessExit           Type = 12
)

var typeNames = map[Type]string{
	TypeHeartbeat:             "heartbeat",
	TypeAdvertise:             "advertise",
	TypeUnadvertise:           "unadvertise",
	TypeConcurrentAdvertise:   "concurrent.advertise",
	TypeConcurrentUnadvertise: "concurrent.unadvertise",
	TypeLookupRequest:         "lookup.request",
	TypeLookupReply:           "lookup.reply",
	TypeDiscardRequest:        "lookup.discard.request",
	TypeDiscardReply:          "lookup.discard.reply",
	TypeCallACK:               "call.ack",
	TypeDiscoverRequest:       "domain.discover.request",
	TypeDiscoverReply:         "domain.discover.reply",
	TypeProcessExit:           "process.exit",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "type(" + strconv.Itoa(int(t)) + ")"
}

// Message is implemented by every message kind.
type Message interface {
	Type() Type
}

// New returns a zero value of the message kind t, ready to be decoded into.
func New(t Type) (Message, error) {
	switch t {
	case TypeAdvertise:
		return &Advertise{}, nil
	case TypeUnadvertise:
		return &Unadvertise{}, nil
	case TypeConcurrentAdvertise:
		return &ConcurrentAdvertise{}, nil
	case TypeConcurrentUnadvertise:
		return &ConcurrentUnadvertise{}, nil
	case TypeLookupRequest:
		return &LookupRequest{}, nil
	case TypeLookupReply:
		return &LookupReply{}, nil
	case TypeDiscardRequest:
		return &DiscardRequest{}, nil
	case TypeDiscardReply:
		return &DiscardReply{}, nil
	case TypeCallACK:
		return &CallACK{}, nil
	case TypeDiscoverRequest:
		return &DiscoverRequest{}, nil
	case TypeDiscoverReply:
		return &DiscoverReply{}, nil
	case TypeProcessExit:
		return &ProcessExit{}, nil
	}
	return nil, fmt.Errorf("unknown message type: %d", t)
}

// ProcessHandle identifies a process: its pid and the id of the channel replies are sent to.
type ProcessHandle struct {
	PID int    `json:"pid"`
	IPC string `json:"ipc"`
}

// Zero reports whether h carries no identity at all.
func (h ProcessHandle) Zero() bool {
	return h.PID == 0 && h.IPC == ""
}

func (h ProcessHandle) String() string {
	return strconv.Itoa(h.PID) + "@" + h.IPC
}
