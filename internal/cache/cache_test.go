package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSetGetRoundtrip(t *testing.T) {
	c := NewLocal(time.Minute)
	ctx := context.Background()

	vec := []float32{0.1, 0.2, 0.3}
	require.NoError(t, c.Set(ctx, "app-1", vec, 0))

	got, ok := c.Get(ctx, "app-1")
	require.True(t, ok)
	assert.Equal(t, vec, got)

	_, ok = c.Get(ctx, "app-2")
	assert.False(t, ok)
}

func TestLocalCopiesStoredVector(t *testing.T) {
	c := NewLocal(time.Minute)
	ctx := context.Background()

	vec := []float32{1, 2, 3}
	require.NoError(t, c.Set(ctx, "app-1", vec, 0))
	vec[0] = 99

	got, ok := c.Get(ctx, "app-1")
	require.True(t, ok)
	assert.Equal(t, float32(1), got[0])
}

func TestLocalTTLExpiry(t *testing.T) {
	c := NewLocal(time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "app-1", []float32{1}, 20*time.Millisecond))

	_, ok := c.Get(ctx, "app-1")
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get(ctx, "app-1")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Zero(t, stats.Size)
}

func TestLocalDeleteAndClear(t *testing.T) {
	c := NewLocal(time.Minute)
	ctx := context.Background()

	c.Set(ctx, "a", []float32{1}, 0)
	c.Set(ctx, "b", []float32{2}, 0)

	require.NoError(t, c.Delete(ctx, "a"))
	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)

	require.NoError(t, c.Clear(ctx))
	assert.Zero(t, c.Stats().Size)
}

func TestLocalBackgroundSweep(t *testing.T) {
	c := NewLocal(time.Minute)
	defer c.StopSweep()
	ctx := context.Background()

	c.Set(ctx, "a", []float32{1}, 10*time.Millisecond)
	c.StartSweep(20 * time.Millisecond)

	assert.Eventually(t, func() bool {
		return c.Stats().Size == 0
	}, time.Second, 10*time.Millisecond)
}
