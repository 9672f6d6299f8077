package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const DefaultRedisKey = "promptledger:executions"

type RedisConfig struct {
	URL string
	Key string
	// BlockTimeout bounds one BRPOP; an empty wait returns ErrEmpty.
	BlockTimeout time.Duration
}

// RedisQueue pushes ids onto a list with LPUSH and pops them with BRPOP, so
// the oldest id is served first.
type RedisQueue struct {
	rdb     goredis.Cmdable
	closer  func() error
	key     string
	timeout time.Duration
}

func NewRedisQueue(ctx context.Context, cfg RedisConfig) (*RedisQueue, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis: url required")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	rdb := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	q := NewRedisQueueWithClient(rdb, cfg.Key, cfg.BlockTimeout)
	q.closer = rdb.Close
	return q, nil
}

func NewRedisQueueWithClient(rdb goredis.Cmdable, key string, blockTimeout time.Duration) *RedisQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	if blockTimeout <= 0 {
		blockTimeout = time.Second
	}
	return &RedisQueue{rdb: rdb, key: key, timeout: blockTimeout}
}

func (q *RedisQueue) Publish(ctx context.Context, executionID uuid.UUID) error {
	if err := q.rdb.LPush(ctx, q.key, executionID.String()).Err(); err != nil {
		return fmt.Errorf("redis lpush: %w", err)
	}
	return nil
}

func (q *RedisQueue) Receive(ctx context.Context) (Delivery, error) {
	res, err := q.rdb.BRPop(ctx, q.timeout, q.key).Result()
	if errors.Is(err, goredis.Nil) {
		return Delivery{}, ErrEmpty
	}
	if err != nil {
		if ctx.Err() != nil {
			return Delivery{}, ctx.Err()
		}
		return Delivery{}, fmt.Errorf("redis brpop: %w", err)
	}
	// BRPOP replies with [key, value].
	if len(res) != 2 {
		return Delivery{}, fmt.Errorf("redis brpop: unexpected reply %v", res)
	}
	id, err := uuid.Parse(res[1])
	if err != nil {
		return Delivery{}, fmt.Errorf("redis: bad execution id %q: %w", res[1], err)
	}
	return NewDelivery(id, nil), nil
}

func (q *RedisQueue) Close() error {
	if q.closer == nil {
		return nil
	}
	return q.closer()
}
