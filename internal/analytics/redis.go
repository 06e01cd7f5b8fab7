// Package analytics keeps per-job fire counters in Redis, bucketed by hour.
package analytics

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRetention is how long an hourly bucket is kept.
const DefaultRetention = 7 * 24 * time.Hour

const writeTimeout = 2 * time.Second

type RedisSink struct {
	client    redis.Cmdable
	retention time.Duration
}

func NewRedisSink(client redis.Cmdable, retention time.Duration) *RedisSink {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisSink{client: client, retention: retention}
}

// Record counts one fire of the named job. Failures are logged and never
// returned; analytics must not affect dispatch.
func (s *RedisSink) Record(ctx context.Context, name string, firedAt time.Time) {
	if err := s.Write(ctx, name, firedAt); err != nil {
		log.Printf("analytics: job=%q: %v", name, err)
	}
}

func (s *RedisSink) Write(ctx context.Context, name string, firedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	key := BuildKey(name, firedAt)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// count returns the number of fires recorded for the job in the hour containing t.
func (s *RedisSink) count(ctx context.Context, name string, t time.Time) (int64, error) {
	n, err := s.client.Get(ctx, BuildKey(name, t)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// BuildKey returns the counter key for the hour containing t (UTC).
func BuildKey(name string, t time.Time) string {
	return fmt.Sprintf("cronqueue:fires:%s:%s", name, t.UTC().Format("2006010215"))
}
