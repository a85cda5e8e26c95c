package outbox

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redislib "chargewatch/backend/libs/redis"
)

// Runs against a real server when TEST_REDIS_ADDR is set.
func TestRedisQueueRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client, err := redislib.NewRedisClient(context.Background(), redislib.Options{Addr: addr, DB: 15, ReadTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.FlushDB(ctx).Err())

	q := NewRedisQueue(client, time.Minute, time.Second, nil)
	require.NoError(t, q.Enqueue(ctx, job(1)))
	require.NoError(t, q.Enqueue(ctx, job(1)))
	require.NoError(t, q.Enqueue(ctx, job(2)))

	length, err := client.LLen(ctx, listKey).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 2, length)

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Target.Port)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Target.Port)

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
}
