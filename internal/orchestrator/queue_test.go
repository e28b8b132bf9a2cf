package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueuePushPopRoundTrip(t *testing.T) {
	q := NewQueue(newTestRedis(t))
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "run-1"))

	runID, ok, err := q.Pop(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "run-1", runID)
}

func TestQueuePopTimesOutWhenEmpty(t *testing.T) {
	q := NewQueue(newTestRedis(t))
	ctx := context.Background()

	_, ok, err := q.Pop(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestQueuePreservesFIFOOrder(t *testing.T) {
	q := NewQueue(newTestRedis(t))
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "run-a"))
	require.NoError(t, q.Push(ctx, "run-b"))

	first, ok, err := q.Pop(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "run-a", first)

	second, ok, err := q.Pop(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "run-b", second)
}
