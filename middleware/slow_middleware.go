package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"svcmgr/message"
)

// SlowMiddleware warns when a handler holds the reactor longer than threshold. Handlers
// cannot be interrupted, every other message waits behind a slow one.
func SlowMiddleware(threshold time.Duration, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg message.Message) error {
			start := time.Now()
			err := next(ctx, msg)
			if d := time.Since(start); d > threshold {
				logger.Warn("slow handler",
					zap.Stringer("type", msg.Type()),
					zap.Duration("duration", d),
					zap.Duration("threshold", threshold))
			}
			return err
		}
	}
}
