package clients

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*miniredis.Miniredis, *Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewQueueWithClient(client, "download_queue")
}

func TestQueuePopReturnsQueuedIDsInOrder(t *testing.T) {
	mr, q := newTestQueue(t)
	_, err := mr.Lpush("download_queue", "job-2")
	require.NoError(t, err)
	_, err = mr.Lpush("download_queue", "job-1")
	require.NoError(t, err)

	ctx := context.Background()
	id, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "job-1", id)

	id, ok, err = q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "job-2", id)
}

func TestQueuePushAppendsToTail(t *testing.T) {
	mr, q := newTestQueue(t)
	_, err := mr.Lpush("download_queue", "job-old")
	require.NoError(t, err)

	require.NoError(t, q.Push(context.Background(), "job-retried"))

	vals, err := mr.List("download_queue")
	require.NoError(t, err)
	require.Equal(t, []string{"job-old", "job-retried"}, vals)
}

func TestIsConnectionError(t *testing.T) {
	mr, q := newTestQueue(t)
	mr.Close()

	err := q.Push(context.Background(), "job-1")
	require.Error(t, err)
	require.True(t, IsConnectionError(err))

	require.False(t, IsConnectionError(nil))
	require.False(t, IsConnectionError(redis.Nil))
}
