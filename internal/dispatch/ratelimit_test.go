package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, perSecond, perMinute int) *RedisLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLimiter(client, "sparkpost", perSecond, perMinute)
}

func TestLimiterAdmitsUnderCap(t *testing.T) {
	l := newTestLimiter(t, 10, 100)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		allowed, wait, err := l.Acquire(ctx, 1)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Zero(t, wait)
	}
}

func TestLimiterDeniesOverSecondCap(t *testing.T) {
	l := newTestLimiter(t, 2, 100)
	ctx := context.Background()

	allowed, _, err := l.Acquire(ctx, 2)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, wait, err := l.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, time.Second, wait)
}

func TestLimiterDeniesOverMinuteCap(t *testing.T) {
	l := newTestLimiter(t, 0, 5) // no per-second cap
	ctx := context.Background()

	allowed, _, err := l.Acquire(ctx, 5)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, wait, err := l.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Minute)
}

func TestLimiterBatchLargerThanRemainder(t *testing.T) {
	l := newTestLimiter(t, 100, 10)
	ctx := context.Background()

	allowed, _, err := l.Acquire(ctx, 8)
	require.NoError(t, err)
	require.True(t, allowed)

	// 8 of 10 used; a batch of 5 must be denied without partial admission.
	allowed, _, err = l.Acquire(ctx, 5)
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, _, err = l.Acquire(ctx, 2)
	require.NoError(t, err)
	assert.True(t, allowed, "remaining headroom still admits a fitting batch")
}

func TestLimiterFailsOpenWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l := NewRedisLimiter(client, "sparkpost", 1, 1)
	mr.Close()

	allowed, _, err := l.Acquire(context.Background(), 10)
	require.NoError(t, err)
	assert.True(t, allowed, "metering outage must not stall the queue")
}
