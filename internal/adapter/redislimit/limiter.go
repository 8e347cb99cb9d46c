// Package redislimit implements a fixed-window request limiter shared by all
// service replicas through Redis.
package redislimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "bloomwatch:ratelimit"

// Limiter counts requests per key in fixed windows stored in Redis.
type Limiter struct {
	client *goredis.Client
	limit  int64
	window time.Duration
	clock  clockwork.Clock
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the clock used to pick the current window.
func WithClock(c clockwork.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// Open connects to the Redis server at rawURL (redis://...) and verifies it
// answers a PING.
func Open(ctx context.Context, rawURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewLimiter allows limit requests per key in each window.
func NewLimiter(client *goredis.Client, limit int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		client: client,
		limit:  int64(limit),
		window: window,
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow increments the counter for key in the current window and reports
// whether it is still within the limit.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	k := l.bucketKey(key)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return incr.Val() <= l.limit, nil
}

// CheckReadiness pings Redis.
func (l *Limiter) CheckReadiness(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *Limiter) bucketKey(key string) string {
	bucket := l.clock.Now().UnixNano() / int64(l.window)
	return fmt.Sprintf("%s:%s:%d", keyPrefix, key, bucket)
}
