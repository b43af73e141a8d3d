package metrics

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingCollector struct {
	mu      sync.Mutex
	batches [][]Event
	err     error
}

func (c *recordingCollector) Collect(_ context.Context, events []Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, events)
	return c.err
}

func (c *recordingCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func event(service string) Event {
	return Event{Service: service, PID: 1, Duration: time.Millisecond, At: time.Unix(0, 0)}
}

func TestAccumulatorFlushOnBatchSize(t *testing.T) {
	col := &recordingCollector{}
	acc := NewAccumulator(Config{BatchSize: 2, Rate: 1000, Burst: 10}, col, zap.NewNop())
	acc.Start(context.Background())

	acc.Add(event("A"))
	assert.Equal(t, 1, acc.Len())
	acc.Add(event("B"))
	assert.Equal(t, 0, acc.Len())
	acc.Add(event("C"))
	acc.Stop()

	require.Equal(t, 2, col.count())
	assert.Len(t, col.batches[0], 2)
	assert.Equal(t, "C", col.batches[1][0].Service)
}

func TestAccumulatorDropsWhenSenderBehind(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	col := &recordingCollector{}
	acc := NewAccumulator(Config{BatchSize: 1, Backlog: 1, Rate: 1000, Burst: 10}, col, zap.New(core))

	// Sender not started: the first batch fills the backlog, the second is dropped.
	acc.Add(event("A"))
	acc.Add(event("B"))
	assert.Equal(t, 1, logs.FilterMessage("metrics sender behind, batch dropped").Len())

	acc.Start(context.Background())
	acc.Stop()
	assert.Equal(t, 1, col.count())
}

func TestAccumulatorRateLimit(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	col := &recordingCollector{}
	acc := NewAccumulator(Config{BatchSize: 1, Backlog: 4, Rate: 0.001, Burst: 1}, col, zap.New(core))

	acc.Add(event("A"))
	acc.Add(event("B"))
	acc.Add(event("C"))
	acc.Start(context.Background())
	acc.Stop()

	assert.Equal(t, 1, col.count())
	assert.Equal(t, 2, logs.FilterMessage("metrics rate exceeded, batch dropped").Len())
}

func TestAccumulatorCollectorFailureLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	col := &recordingCollector{err: errors.New("unreachable")}
	acc := NewAccumulator(Config{BatchSize: 10, Rate: 1000, Burst: 10}, col, zap.New(core))
	acc.Start(context.Background())

	acc.Add(event("A"))
	acc.Stop()
	assert.Equal(t, 1, logs.FilterMessage("metrics delivery failed").Len())
}

func TestLogCollector(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	col := NewLogCollector(zap.New(core))

	require.NoError(t, col.Collect(context.Background(), []Event{event("A"), event("B"), event("A")}))
	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "A", entries[0].ContextMap()["service"])
	assert.Equal(t, int64(2), entries[0].ContextMap()["calls"])
}

func TestRedisCollector(t *testing.T) {
	addr := os.Getenv("SVCMGR_TEST_REDIS")
	if addr == "" {
		t.Skip("SVCMGR_TEST_REDIS not set")
	}
	client, err := NewRedisUniversalClient(addr)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := "svcmgr:test:calls"
	client.Del(ctx, key)
	defer client.Del(ctx, key)

	col := NewRedisCollector(client, key, 2)
	require.NoError(t, col.Collect(ctx, []Event{event("A"), event("B"), event("C")}))

	got, err := col.Read(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "B", got[0].Service)
	assert.Equal(t, "C", got[1].Service)
}

func TestNewRedisUniversalClientBadURL(t *testing.T) {
	_, err := NewRedisUniversalClient("not a url")
	assert.Error(t, err)
}
