package server

import (
	"sync"

	"svcmgr/message"
)

// outQueue is an unbounded FIFO of messages for one connection. Push never blocks, so
// the reactor can send to a slow process without waiting for it.
type outQueue struct {
	mu     sync.Mutex
	items  []message.Message
	notify chan struct{}
	closed bool
}

func newOutQueue() *outQueue {
	return &outQueue{notify: make(chan struct{}, 1)}
}

// push appends msg. It reports false once the queue is closed.
func (q *outQueue) push(msg message.Message) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// popAll waits for messages and returns everything queued. ok is false when the queue
// is closed and empty.
func (q *outQueue) popAll() (items []message.Message, ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			items, q.items = q.items, nil
			q.mu.Unlock()
			return items, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.notify
	}
}

func (q *outQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}
