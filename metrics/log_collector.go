package metrics

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LogCollector writes one summary line per service for every batch. It is used when no
// redis address is configured.
type LogCollector struct {
	logger *zap.Logger
}

func NewLogCollector(logger *zap.Logger) *LogCollector {
	return &LogCollector{logger: logger}
}

func (c *LogCollector) Collect(_ context.Context, events []Event) error {
	type summary struct {
		calls int
		total time.Duration
	}
	byService := make(map[string]*summary)
	var order []string
	for _, e := range events {
		s, ok := byService[e.Service]
		if !ok {
			s = &summary{}
			byService[e.Service] = s
			order = append(order, e.Service)
		}
		s.calls++
		s.total += e.Duration
	}
	for _, name := range order {
		s := byService[name]
		c.logger.Info("calls",
			zap.String("service", name),
			zap.Int("calls", s.calls),
			zap.Duration("avg", s.total/time.Duration(s.calls)))
	}
	return nil
}
