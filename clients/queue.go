package clients

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vodarchive/worker/log"
)

// popTimeout is how long a single blocking pop waits before returning empty,
// which is also how often the loop re-checks for shutdown.
const popTimeout = 5 * time.Second

// Queue is the Redis-backed FIFO of job ids. The API pushes on submit and on
// retry re-enqueue; the worker is the only consumer.
type Queue struct {
	client *redis.Client
	name   string
}

func NewQueue(redisURL, name string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis url: %w", err)
	}
	return &Queue{client: redis.NewClient(opts), name: name}, nil
}

// NewQueueWithClient wraps an existing client; used by tests with miniredis.
func NewQueueWithClient(client *redis.Client, name string) *Queue {
	return &Queue{client: client, name: name}
}

func (q *Queue) Close() error { return q.client.Close() }

// WaitReady blocks until the queue answers a ping, retrying attempts times
// with interval between tries.
func (q *Queue) WaitReady(ctx context.Context, attempts int, interval time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = q.client.Ping(ctx).Err(); err == nil {
			return nil
		}
		log.LogNoJobID("waiting for queue", "attempt", i+1, "attempts", attempts, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("queue not ready after %d attempts: %w", attempts, err)
}

// Pop blocks up to five seconds for the next job id. ok is false when the
// timeout elapsed with nothing queued.
func (q *Queue) Pop(ctx context.Context) (id string, ok bool, err error) {
	res, err := q.client.BLPop(ctx, popTimeout, q.name).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	// BLPOP returns [key, value].
	if len(res) != 2 {
		return "", false, fmt.Errorf("unexpected BLPOP reply of length %d", len(res))
	}
	return res[1], true, nil
}

// Push re-enqueues a job id at the tail of the queue.
func (q *Queue) Push(ctx context.Context, id string) error {
	if err := q.client.RPush(ctx, q.name, id).Err(); err != nil {
		return fmt.Errorf("error enqueueing job %s: %w", id, err)
	}
	return nil
}

// IsConnectionError reports whether the error looks like a transport problem
// worth sleeping and reconnecting over, as opposed to a usage error.
func IsConnectionError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
