package coord

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, zerolog.Nop()), mr
}

func TestCheckpointMonotonic(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, ok, err := c.Checkpoint(ctx, "0xvault")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := c.AdvanceCheckpoint(ctx, "0xvault", 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), got)

	// stale writer cannot rewind
	got, err = c.AdvanceCheckpoint(ctx, "0xvault", 90)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), got)

	got, err = c.AdvanceCheckpoint(ctx, "0xvault", 150)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), got)

	v, ok, err := c.Checkpoint(ctx, "0xvault")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(150), v)
}

func TestCheckpointResetRewinds(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.AdvanceCheckpoint(ctx, "0xvault", 200)
	require.NoError(t, err)

	require.NoError(t, c.ResetCheckpoint(ctx, "0xvault", 50))
	v, ok, err := c.Checkpoint(ctx, "0xvault")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(50), v)
}

func TestCheckpointsPerContract(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.AdvanceCheckpoint(ctx, "0xa", 10)
	require.NoError(t, err)
	_, ok, err := c.Checkpoint(ctx, "0xb")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDedupCheckAndMark(t *testing.T) {
	c, mr := newTestCoordinator(t)
	ctx := context.Background()

	key := "0xdeadbeef:3"
	require.NoError(t, c.MarkProcessed(ctx, key, 7*24*time.Hour))

	err := c.MarkProcessed(ctx, key, 7*24*time.Hour)
	assert.ErrorIs(t, err, ErrDedupHit)

	seen, err := c.SeenProcessed(ctx, key)
	require.NoError(t, err)
	assert.True(t, seen)

	// TTL eviction frees the key again
	mr.FastForward(7*24*time.Hour + time.Second)
	require.NoError(t, c.MarkProcessed(ctx, key, 7*24*time.Hour))
}

func TestLeaseExclusive(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	l1, err := c.AcquireLease(ctx, "ingestor", 30*time.Second)
	require.NoError(t, err)

	_, err = c.AcquireLease(ctx, "ingestor", 30*time.Second)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	require.NoError(t, l1.Renew(ctx))
	require.NoError(t, l1.Release(ctx))

	_, err = c.AcquireLease(ctx, "ingestor", 30*time.Second)
	require.NoError(t, err)
}

func TestLeaseFencing(t *testing.T) {
	c, mr := newTestCoordinator(t)
	ctx := context.Background()

	l1, err := c.AcquireLease(ctx, "ingestor", 30*time.Second)
	require.NoError(t, err)

	// lease expires; another instance takes over
	mr.FastForward(31 * time.Second)
	l2, err := c.AcquireLease(ctx, "ingestor", 30*time.Second)
	require.NoError(t, err)

	// the old holder's token must not renew or release the new lease
	assert.ErrorIs(t, l1.Renew(ctx), ErrLeaseLost)
	require.NoError(t, l1.Release(ctx))
	require.NoError(t, l2.Renew(ctx))
}
