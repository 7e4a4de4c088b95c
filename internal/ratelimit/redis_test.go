package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLimiter(t *testing.T, limit int, window time.Duration) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	l, err := NewRedisLimiter("redis://"+mr.Addr(), limit, window)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	return l, mr
}

func TestNewRedisLimiter_InvalidURL(t *testing.T) {
	_, err := NewRedisLimiter("not-a-valid-url", 100, time.Minute)
	require.Error(t, err)
}

func TestNewRedisLimiter_Unreachable(t *testing.T) {
	_, err := NewRedisLimiter("redis://127.0.0.1:1", 100, time.Minute)
	require.Error(t, err)
}

func TestRedisLimiter_QuotaEnforced(t *testing.T) {
	ctx := context.Background()
	l, _ := newRedisLimiter(t, 5, time.Minute)

	for i := 0; i < 5; i++ {
		d, err := l.Check(ctx, "key-1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 4-i, d.Remaining)
	}

	d, err := l.Check(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.Equal(t, 1, d.Violations)
}

func TestRedisLimiter_ViolationsEscalate(t *testing.T) {
	ctx := context.Background()
	l, _ := newRedisLimiter(t, 1, time.Minute)

	d, err := l.Check(ctx, "abuser")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	first, err := l.Check(ctx, "abuser")
	require.NoError(t, err)
	require.False(t, first.Allowed)

	second, err := l.Check(ctx, "abuser")
	require.NoError(t, err)
	require.False(t, second.Allowed)

	assert.Equal(t, 1, first.Violations)
	assert.Equal(t, 2, second.Violations)
	assert.Greater(t, second.RetryAfter, first.RetryAfter)
}

func TestRedisLimiter_IdentitiesIndependent(t *testing.T) {
	ctx := context.Background()
	l, _ := newRedisLimiter(t, 1, time.Minute)

	d, _ := l.Check(ctx, "a")
	require.True(t, d.Allowed)
	d, _ = l.Check(ctx, "a")
	require.False(t, d.Allowed)

	d, err := l.Check(ctx, "b")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisLimiter_WindowExpires(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedisLimiter(t, 1, time.Second)

	d, _ := l.Check(ctx, "key")
	require.True(t, d.Allowed)
	d, _ = l.Check(ctx, "key")
	require.False(t, d.Allowed)

	// Window entries expire with the key TTL.
	mr.FastForward(3 * time.Second)

	d, err := l.Check(ctx, "key")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
