package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"svcmgr/message"
)

// LoggingMiddleware logs every message at debug level with the time its handler took.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg message.Message) error {
			start := time.Now()
			err := next(ctx, msg)
			if ce := logger.Check(zap.DebugLevel, "handled"); ce != nil {
				ce.Write(zap.Stringer("type", msg.Type()), zap.Duration("duration", time.Since(start)))
			}
			if err != nil {
				logger.Error("handler failed", zap.Stringer("type", msg.Type()), zap.Error(err))
			}
			return err
		}
	}
}
