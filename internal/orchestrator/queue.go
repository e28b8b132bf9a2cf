package orchestrator

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

func secondsToDuration(s int) time.Duration { return time.Duration(s) * time.Second }

// Queue is the durable dispatch queue mentioned in spec §5: a single Redis
// list holding queued run IDs. Workers block-pop it; a run popped while its
// workspace lock is held is pushed straight back onto the list by
// Engine.attempt and popped again later.
type Queue struct {
	client *redis.Client
	key    string
}

func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client, key: "edgegate:queue:runs"}
}

func (q *Queue) Push(ctx context.Context, runID string) error {
	return q.client.LPush(ctx, q.key, runID).Err()
}

// Pop blocks up to timeout waiting for a run ID, returning ("", false) on
// timeout so the caller's loop can check for shutdown.
func (q *Queue) Pop(ctx context.Context, timeoutSeconds int) (string, bool, error) {
	res, err := q.client.BRPop(ctx, secondsToDuration(timeoutSeconds), q.key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	// BRPop returns [key, value].
	if len(res) < 2 {
		return "", false, nil
	}
	return res[1], true, nil
}
