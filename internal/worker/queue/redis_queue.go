package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a FIFO of job IDs on a Redis list: LPUSH to enqueue, BRPOP
// to dequeue.
type RedisQueue struct {
	rdb       *redis.Client
	queueName string
	wait      time.Duration
}

func NewRedisQueue(rdb *redis.Client, queueName string) *RedisQueue {
	return &RedisQueue{rdb: rdb, queueName: queueName, wait: 5 * time.Second}
}

// Push enqueues a job ID.
func (q *RedisQueue) Push(ctx context.Context, jobID string) error {
	return q.rdb.LPush(ctx, q.queueName, jobID).Err()
}

// Pop blocks for up to the queue's wait time and returns "" when nothing
// arrived, so callers can notice cancellation between polls.
func (q *RedisQueue) Pop(ctx context.Context) (string, error) {
	res, err := q.rdb.BRPop(ctx, q.wait, q.queueName).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}

// Len reports the number of queued IDs.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.queueName).Result()
}
