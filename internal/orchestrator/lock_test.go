package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestWorkspaceLockAcquireExcludesConcurrentHolder(t *testing.T) {
	lock := NewWorkspaceLock(newTestRedis(t), time.Minute)
	ctx := context.Background()

	token, ok, err := lock.Acquire(ctx, "ws1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = lock.Acquire(ctx, "ws1")
	require.NoError(t, err)
	require.False(t, ok, "a second acquire on the same workspace must fail while the first holds the lock")
}

func TestWorkspaceLockReleaseFreesTheKey(t *testing.T) {
	lock := NewWorkspaceLock(newTestRedis(t), time.Minute)
	ctx := context.Background()

	token, ok, err := lock.Acquire(ctx, "ws1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lock.Release(ctx, "ws1", token))

	_, ok, err = lock.Acquire(ctx, "ws1")
	require.NoError(t, err)
	require.True(t, ok, "a released lock must be acquirable again")
}

func TestWorkspaceLockReleaseRejectsWrongToken(t *testing.T) {
	lock := NewWorkspaceLock(newTestRedis(t), time.Minute)
	ctx := context.Background()

	_, ok, err := lock.Acquire(ctx, "ws1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lock.Release(ctx, "ws1", "not-the-real-token"), "a mismatched release is a no-op, not an error")

	_, ok, err = lock.Acquire(ctx, "ws1")
	require.NoError(t, err)
	require.False(t, ok, "the legitimate holder's lock must still be held")
}

func TestWorkspaceLockExtendKeepsTheHold(t *testing.T) {
	lock := NewWorkspaceLock(newTestRedis(t), time.Minute)
	ctx := context.Background()

	token, ok, err := lock.Acquire(ctx, "ws1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lock.Extend(ctx, "ws1", token))

	_, ok, err = lock.Acquire(ctx, "ws1")
	require.NoError(t, err)
	require.False(t, ok, "an extended lock must still be held")
}

func TestWorkspaceLockLocksAreIndependentAcrossWorkspaces(t *testing.T) {
	lock := NewWorkspaceLock(newTestRedis(t), time.Minute)
	ctx := context.Background()

	_, ok, err := lock.Acquire(ctx, "ws1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lock.Acquire(ctx, "ws2")
	require.NoError(t, err)
	require.True(t, ok, "locking one workspace must never block another")
}
