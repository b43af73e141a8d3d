package middleware

import (
	"context"
	"fmt"

	"svcmgr/message"
)

// RecoverMiddleware turns a panic inside a handler into the error built by onPanic.
// A nil onPanic wraps the panic value with fmt.Errorf.
func RecoverMiddleware(onPanic func(msg message.Message, v any) error) Middleware {
	if onPanic == nil {
		onPanic = func(msg message.Message, v any) error {
			return fmt.Errorf("panic handling %s: %v", msg.Type(), v)
		}
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg message.Message) (err error) {
			defer func() {
				if v := recover(); v != nil {
					err = onPanic(msg, v)
				}
			}()
			return next(ctx, msg)
		}
	}
}
