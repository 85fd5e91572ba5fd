package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLockMutualExclusion(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	a := New(client, nil, "scheduler", time.Minute)
	b := New(client, nil, "scheduler", time.Minute)

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire a held lock")

	require.NoError(t, a.Release(ctx))

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "lock should be free after release")
}

func TestRedisLockReleaseOnlyOwn(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	a := New(client, nil, "automation", time.Minute)
	b := New(client, nil, "automation", time.Minute)

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// b never held the lock; releasing must not free a's lock.
	require.NoError(t, b.Release(ctx))

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "foreign release must not unlock the holder")
}

func TestDistinctNamesAreIndependent(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	a := New(client, nil, "scheduler", time.Minute)
	b := New(client, nil, "completion", time.Minute)

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "different lock names must not contend")
}
