package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stepflow-io/stepflow/engine/core"
	"github.com/stepflow-io/stepflow/pkg/logger"
)

// ErrEmpty reports a non-blocking dequeue against an empty ready list.
var ErrEmpty = errors.New("queue is empty")

// Queue is the Redis-backed task delivery channel. Immediate work goes on a
// list, delayed work on a sorted set scored by wake-up time; a promoter moves
// due entries from the set to the list. Delivery is at-least-once: the engine
// tolerates duplicate redelivery by design of its claim semantics.
type Queue struct {
	client redis.UniversalClient
	cfg    Config
}

// NewClient builds and pings a Redis client from the config.
func NewClient(ctx context.Context, cfg Config) (redis.UniversalClient, error) {
	cfg = cfg.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.FromContext(ctx).With("addr", cfg.Addr, "db", cfg.DB).Info("Redis queue connected")
	return client, nil
}

func New(client redis.UniversalClient, cfg Config) *Queue {
	return &Queue{client: client, cfg: cfg.withDefaults()}
}

// Enqueue delivers the task immediately when notBefore has passed, otherwise
// schedules it for promotion at notBefore.
func (q *Queue) Enqueue(ctx context.Context, taskID core.ID, notBefore time.Time) error {
	if !notBefore.After(time.Now()) {
		if err := q.client.LPush(ctx, q.cfg.ReadyKey, taskID.String()).Err(); err != nil {
			return fmt.Errorf("pushing task %s to ready queue: %w", taskID, err)
		}
		return nil
	}
	member := redis.Z{Score: float64(notBefore.UnixMilli()), Member: taskID.String()}
	if err := q.client.ZAdd(ctx, q.cfg.ScheduledKey, member).Err(); err != nil {
		return fmt.Errorf("scheduling task %s: %w", taskID, err)
	}
	return nil
}

// PromoteDue moves tasks whose wake-up time has passed from the scheduled set
// to the ready list. It returns the number of promoted tasks.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, q.cfg.ScheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: int64(q.cfg.PromoteBatch),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("listing due tasks: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range due {
		pipe.LPush(ctx, q.cfg.ReadyKey, id)
		pipe.ZRem(ctx, q.cfg.ScheduledKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("promoting due tasks: %w", err)
	}
	return len(due), nil
}

// Dequeue blocks up to the configured timeout for the next ready task.
// ErrEmpty is returned when the timeout elapses without work.
func (q *Queue) Dequeue(ctx context.Context) (core.ID, error) {
	res, err := q.client.BRPop(ctx, q.cfg.DequeueTimeout, q.cfg.ReadyKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", fmt.Errorf("popping ready queue: %w", err)
	}
	// BRPop returns [key, value]
	if len(res) != 2 {
		return "", fmt.Errorf("unexpected BRPOP reply of length %d", len(res))
	}
	return core.ID(res[1]), nil
}

// TryDequeue pops the next ready task without blocking.
func (q *Queue) TryDequeue(ctx context.Context) (core.ID, error) {
	res, err := q.client.RPop(ctx, q.cfg.ReadyKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", fmt.Errorf("popping ready queue: %w", err)
	}
	return core.ID(res), nil
}

// Depth reports the ready list length and scheduled set size.
func (q *Queue) Depth(ctx context.Context) (ready int64, scheduled int64, err error) {
	ready, err = q.client.LLen(ctx, q.cfg.ReadyKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("reading ready depth: %w", err)
	}
	scheduled, err = q.client.ZCard(ctx, q.cfg.ScheduledKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("reading scheduled depth: %w", err)
	}
	return ready, scheduled, nil
}
