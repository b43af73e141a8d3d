package metrics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// NewRedisUniversalClient creates a redis client from a redis:// URL.
func NewRedisUniversalClient(redisAddr string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(redisAddr)
	if err != nil {
		return nil, fmt.Errorf("cant parse redis url: %w", err)
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{opts.Addr},
		DB:           opts.DB,
		Username:     opts.Username,
		Password:     opts.Password,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
	}), nil
}

// RedisCollector appends events as JSON to a capped redis list.
type RedisCollector struct {
	client redis.UniversalClient
	key    string
	maxLen int64
}

// NewRedisCollector writes to list key, keeping at most maxLen of the newest events.
// maxLen <= 0 leaves the list uncapped.
func NewRedisCollector(client redis.UniversalClient, key string, maxLen int64) *RedisCollector {
	return &RedisCollector{client: client, key: key, maxLen: maxLen}
}

func (c *RedisCollector) Collect(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(events))
	for _, e := range events {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		values = append(values, b)
	}

	pipe := c.client.TxPipeline()
	pipe.RPush(ctx, c.key, values...)
	if c.maxLen > 0 {
		pipe.LTrim(ctx, c.key, -c.maxLen, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", c.key, err)
	}
	return nil
}

// Read returns the stored events, oldest first.
func (c *RedisCollector) Read(ctx context.Context) ([]Event, error) {
	raw, err := c.client.LRange(ctx, c.key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(raw))
	for _, s := range raw {
		var e Event
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}
