// Package middleware wraps the reactor's message handlers.
//
// Every inbound message reaches its handler through the same chain, so cross-cutting
// concerns (logging, slow-handler warnings, panic recovery) live here and not in the
// handlers. Middlewares run on the reactor goroutine and must not block.
package middleware

import (
	"context"

	"svcmgr/message"
)

// HandlerFunc handles one inbound message. A returned error is fatal to the reactor.
type HandlerFunc func(ctx context.Context, msg message.Message) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
