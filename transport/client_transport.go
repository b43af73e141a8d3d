// Package transport implements the process side of the connection to the service manager,
// with correlation-based multiplexing and heartbeat.
//
// Lookups and discards from many goroutines share one TCP connection. Each request carries a
// correlation id, and a background goroutine (recvLoop) routes every reply to the caller
// waiting on that id. Messages nobody waits for (a DiscoverRequest arriving at a gateway
// process, for instance) go to the unsolicited handler.
//
//	goroutine-1 ──Request(c1)──┐
//	goroutine-2 ──Request(c2)──┼──→ single TCP conn ──→ service manager
//	goroutine-3 ──Send(ack)────┘
//
//	recvLoop:  ←── LookupReply(c2) → pending[c2] chan → goroutine-2 wakes up
package transport

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"svcmgr/codec"
	"svcmgr/message"
	"svcmgr/protocol"
)

// ErrClosed is delivered to pending callers when the connection breaks.
var ErrClosed = errors.New("transport closed")

// Result is what a pending request receives: a reply, or the error that broke the
// connection.
type Result struct {
	Msg message.Message
	Err error
}

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn        net.Conn
	codec       codec.CodecType
	seq         uint32     // sender-local frame counter (protected by sending)
	pending     sync.Map   // map[string]chan Result, keyed by correlation
	sending     sync.Mutex // whole frames only; concurrent writers would interleave bytes
	closed      atomic.Bool
	done        chan struct{}
	unsolicited func(message.Message)
	err         error // set before done is closed
}

// NewClientTransport creates a transport for the given connection and starts two background goroutines:
//   - recvLoop: reads replies and hands them to the waiting callers
//   - heartbeatLoop: sends periodic heartbeat frames while the connection is idle
//
// unsolicited receives every message that matches no pending request; it may be nil.
func NewClientTransport(conn net.Conn, ct codec.CodecType, unsolicited func(message.Message)) *ClientTransport {
	t := &ClientTransport{
		conn:        conn,
		codec:       ct,
		done:        make(chan struct{}),
		unsolicited: unsolicited,
	}
	go t.recvLoop()
	go t.heartbeatLoop(30 * time.Second)
	return t
}

// Send writes msg as one frame.
func (t *ClientTransport) Send(msg message.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.sending.Lock()
	defer t.sending.Unlock()
	t.seq++
	return protocol.WriteMessage(t.conn, t.codec, t.seq, msg)
}

// Request registers correlation, then sends msg. The returned channel receives exactly
// one Result unless Forget is called first.
func (t *ClientTransport) Request(correlation string, msg message.Message) (<-chan Result, error) {
	// Register BEFORE sending, the reply can beat Send's return.
	ch := make(chan Result, 1)
	t.pending.Store(correlation, ch)
	if err := t.Send(msg); err != nil {
		t.pending.Delete(correlation)
		return nil, err
	}
	if t.closed.Load() {
		// recvLoop may have drained pending before Store.
		if _, ok := t.pending.LoadAndDelete(correlation); ok {
			return nil, ErrClosed
		}
	}
	return ch, nil
}

// Forget stops waiting for correlation. A late reply goes to the unsolicited handler.
func (t *ClientTransport) Forget(correlation string) {
	t.pending.Delete(correlation)
}

func correlationOf(msg message.Message) (string, bool) {
	switch m := msg.(type) {
	case *message.LookupReply:
		return m.Correlation, true
	case *message.DiscardReply:
		return m.Correlation, true
	case *message.DiscoverReply:
		return m.Correlation, true
	}
	return "", false
}

// recvLoop is the only reader of the connection.
func (t *ClientTransport) recvLoop() {
	r := bufio.NewReader(t.conn)
	for {
		header, msg, err := protocol.ReadMessage(r)
		if err != nil {
			if header != nil {
				continue // bad body, framing intact
			}
			t.closeAllPending(err)
			return
		}
		if msg == nil {
			continue // heartbeat
		}

		if correlation, ok := correlationOf(msg); ok {
			if ch, ok := t.pending.LoadAndDelete(correlation); ok {
				ch.(chan Result) <- Result{Msg: msg}
				continue
			}
		}
		if t.unsolicited != nil {
			t.unsolicited(msg)
		}
	}
}

// closeAllPending fails every pending caller so none blocks forever.
func (t *ClientTransport) closeAllPending(err error) {
	if t.closed.CompareAndSwap(false, true) {
		t.err = err
		close(t.done)
	}
	t.pending.Range(func(key, value any) bool {
		value.(chan Result) <- Result{Err: ErrClosed}
		t.pending.Delete(key)
		return true
	})
}

// Done is closed when the connection is gone.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Err returns the error that broke the connection, once Done is closed.
func (t *ClientTransport) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Close closes the connection; pending callers receive ErrClosed.
func (t *ClientTransport) Close() error {
	return t.conn.Close()
}

func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		t.sending.Lock()
		err := protocol.WriteHeartbeat(t.conn)
		t.sending.Unlock()
		if err != nil {
			return
		}
	}
}
