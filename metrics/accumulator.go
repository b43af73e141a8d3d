package metrics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Config struct {
	BatchSize int
	Rate      float64 // batches per second sent to the collector
	Burst     int
	Backlog   int // batches waiting for the sender before new ones are dropped
	Timeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.Rate <= 0 {
		c.Rate = 10
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.Backlog <= 0 {
		c.Backlog = 16
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	return c
}

// Accumulator buffers events on the reactor goroutine. Add and Flush must be called from
// a single goroutine; Start runs the sender.
type Accumulator struct {
	cfg       Config
	collector Collector
	limiter   *rate.Limiter
	logger    *zap.Logger

	batch   []Event
	batches chan []Event
	wg      sync.WaitGroup
	once    sync.Once
}

func NewAccumulator(cfg Config, collector Collector, logger *zap.Logger) *Accumulator {
	cfg = cfg.withDefaults()
	return &Accumulator{
		cfg:       cfg,
		collector: collector,
		limiter:   rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		logger:    logger.With(zap.String("component", "metrics")),
		batches:   make(chan []Event, cfg.Backlog),
	}
}

// Add appends e and flushes when the batch is full.
func (a *Accumulator) Add(e Event) {
	a.batch = append(a.batch, e)
	if len(a.batch) >= a.cfg.BatchSize {
		a.Flush()
	}
}

// Len returns the number of buffered events.
func (a *Accumulator) Len() int {
	return len(a.batch)
}

// Flush hands the current batch to the sender. It never blocks.
func (a *Accumulator) Flush() {
	if len(a.batch) == 0 {
		return
	}
	batch := a.batch
	a.batch = make([]Event, 0, a.cfg.BatchSize)
	select {
	case a.batches <- batch:
	default:
		a.logger.Warn("metrics sender behind, batch dropped", zap.Int("events", len(batch)))
	}
}

// Start runs the sender until Stop. The context bounds collector calls.
func (a *Accumulator) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for batch := range a.batches {
			a.send(ctx, batch)
		}
	}()
}

func (a *Accumulator) send(ctx context.Context, batch []Event) {
	if !a.limiter.Allow() {
		a.logger.Warn("metrics rate exceeded, batch dropped", zap.Int("events", len(batch)))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	if err := a.collector.Collect(ctx, batch); err != nil {
		a.logger.Warn("metrics delivery failed", zap.Int("events", len(batch)), zap.Error(err))
	}
}

// Stop flushes what is buffered, closes the hand-off channel and waits for the sender.
// It must be called from the goroutine that calls Add.
func (a *Accumulator) Stop() {
	a.once.Do(func() {
		a.Flush()
		close(a.batches)
	})
	a.wg.Wait()
}
