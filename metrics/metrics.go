// Package metrics ships call-completion events from the reactor to a collector.
//
// The reactor only appends to an in-memory batch. A full batch, or an idle reactor, hands
// the batch to a sender goroutine without blocking; if the sender is behind, the batch is
// dropped. Delivery is best effort: failures are logged and never retried.
package metrics

import (
	"context"
	"time"
)

// Event is one finished call.
type Event struct {
	Service  string        `json:"service"`
	PID      int           `json:"pid"`
	Duration time.Duration `json:"duration"`
	Pending  time.Duration `json:"pending,omitempty"` // time spent queued before dispatch
	At       time.Time     `json:"at"`
}

// Collector receives event batches.
type Collector interface {
	Collect(ctx context.Context, events []Event) error
}
