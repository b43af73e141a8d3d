package middleware

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"svcmgr/message"
)

// okHandler accepts every message.
func okHandler(ctx context.Context, msg message.Message) error {
	return nil
}

// slowHandler holds the caller for 50ms.
func slowHandler(ctx context.Context, msg message.Message) error {
	time.Sleep(50 * time.Millisecond)
	return nil
}

func panicHandler(ctx context.Context, msg message.Message) error {
	panic("boom")
}

func observed(level zap.AtomicLevel) (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return zap.New(core), logs
}

func TestLogging(t *testing.T) {
	logger, logs := observed(zap.NewAtomicLevelAt(zap.DebugLevel))
	handler := LoggingMiddleware(logger)(okHandler)

	if err := handler(context.Background(), &message.LookupRequest{Service: "A"}); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
	entries := logs.FilterMessage("handled").All()
	if len(entries) != 1 {
		t.Fatalf("expect one debug entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["type"]; got != "lookup.request" {
		t.Fatalf("expect type lookup.request, got %v", got)
	}
}

func TestLoggingError(t *testing.T) {
	logger, logs := observed(zap.NewAtomicLevelAt(zap.InfoLevel))
	want := errors.New("broken")
	handler := LoggingMiddleware(logger)(func(ctx context.Context, msg message.Message) error {
		return want
	})

	if err := handler(context.Background(), &message.CallACK{}); err != want {
		t.Fatalf("expect error passed through, got %v", err)
	}
	if logs.FilterMessage("handled").Len() != 0 {
		t.Fatal("debug entry should be filtered at info level")
	}
	if logs.FilterMessage("handler failed").Len() != 1 {
		t.Fatal("expect one error entry")
	}
}

func TestSlowPass(t *testing.T) {
	logger, logs := observed(zap.NewAtomicLevelAt(zap.DebugLevel))
	handler := SlowMiddleware(500*time.Millisecond, logger)(okHandler)

	if err := handler(context.Background(), &message.CallACK{}); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
	if logs.Len() != 0 {
		t.Fatalf("expect no warning, got %d entries", logs.Len())
	}
}

func TestSlowExceeded(t *testing.T) {
	logger, logs := observed(zap.NewAtomicLevelAt(zap.DebugLevel))
	handler := SlowMiddleware(10*time.Millisecond, logger)(slowHandler)

	if err := handler(context.Background(), &message.CallACK{}); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
	if logs.FilterMessage("slow handler").Len() != 1 {
		t.Fatal("expect slow handler warning")
	}
}

func TestRecover(t *testing.T) {
	handler := RecoverMiddleware(nil)(panicHandler)

	err := handler(context.Background(), &message.ProcessExit{PID: 1})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expect panic converted to error, got %v", err)
	}
}

func TestRecoverCustom(t *testing.T) {
	sentinel := errors.New("invariant")
	handler := RecoverMiddleware(func(msg message.Message, v any) error {
		return sentinel
	})(panicHandler)

	if err := handler(context.Background(), &message.ProcessExit{}); err != sentinel {
		t.Fatalf("expect custom error, got %v", err)
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, msg message.Message) error {
				order = append(order, name)
				return next(ctx, msg)
			}
		}
	}

	handler := Chain(mark("outer"), mark("inner"), RecoverMiddleware(nil))(panicHandler)
	if err := handler(context.Background(), &message.CallACK{}); err == nil {
		t.Fatal("expect recovered error")
	}
	if strings.Join(order, ",") != "outer,inner" {
		t.Fatalf("expect outer,inner, got %v", order)
	}
}
