package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/cronqueue/internal/domain"
)

// LogPublisher only logs the message. It stands in for a real queue.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, msg domain.Message) error {
	params, err := json.Marshal(msg.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	log.Printf("dispatcher: queued job=%q id=%s params=%s", msg.Name, formatID(msg.JobDefinitionID), params)
	return nil
}

func (LogPublisher) Target() string { return "log" }

// DefaultStream is the Redis stream fired jobs are appended to.
const DefaultStream = "scheduled_jobs"

const redisPublishTimeout = 5 * time.Second

// RedisStreamPublisher appends each fired job to a Redis stream with XADD.
type RedisStreamPublisher struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

func NewRedisStreamPublisher(client redis.Cmdable, stream string) *RedisStreamPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStreamPublisher{client: client, stream: stream}
}

// WithMaxLen caps the stream length (approximate trimming). Zero disables trimming.
func (p *RedisStreamPublisher) WithMaxLen(n int64) *RedisStreamPublisher {
	p.maxLen = n
	return p
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, msg domain.Message) error {
	params, err := json.Marshal(msg.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, redisPublishTimeout)
	defer cancel()

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"name":              msg.Name,
			"job_definition_id": formatID(msg.JobDefinitionID),
			"parameters":        string(params),
			"fired_at":          msg.FiredAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

func (p *RedisStreamPublisher) Target() string { return "redis:" + p.stream }

func formatID(id *int64) string {
	if id == nil {
		return ""
	}
	return strconv.FormatInt(*id, 10)
}
