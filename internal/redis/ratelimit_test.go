package redisclient

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, limit int) (*FixedWindowLimiter, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)
	l := NewFixedWindowLimiter(client, limit, time.Minute).WithClock(func() time.Time { return now })
	return l, mr, &now
}

func TestFixedWindowLimiterBlocksAfterLimit(t *testing.T) {
	l, _, _ := newLimiter(t, 3)
	ctx := context.Background()
	patient := uuid.New()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, patient)
		require.NoError(t, err)
		assert.True(t, ok, "attempt %d", i+1)
	}
	ok, err := l.Allow(ctx, patient)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Allow(ctx, uuid.New())
	require.NoError(t, err)
	assert.True(t, ok, "other patients have their own budget")
}

func TestFixedWindowLimiterResetsNextWindow(t *testing.T) {
	l, mr, now := newLimiter(t, 1)
	ctx := context.Background()
	patient := uuid.New()

	ok, err := l.Allow(ctx, patient)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = l.Allow(ctx, patient)
	require.NoError(t, err)
	require.False(t, ok)

	key := l.key(patient)
	assert.True(t, mr.Exists(key))
	assert.Equal(t, time.Minute, mr.TTL(key))

	*now = now.Add(time.Minute)
	ok, err = l.Allow(ctx, patient)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFixedWindowLimiterDisabled(t *testing.T) {
	l, mr, _ := newLimiter(t, 0)
	ok, err := l.Allow(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, mr.Keys())
}

func TestFixedWindowLimiterRedisDown(t *testing.T) {
	l, mr, _ := newLimiter(t, 5)
	mr.Close()
	_, err := l.Allow(context.Background(), uuid.New())
	assert.Error(t, err)
}
