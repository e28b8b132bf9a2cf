package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// WorkspaceLock is the per-workspace advisory lock spec §4.8/§5 requires:
// at most one run per workspace may execute at a time, and acquiring the
// lock is exactly the queued→preparing edge. Backed by Redis SET NX PX, the
// same primitive the teacher's release-train serializer uses for its
// per-repo lock, generalized here to per-workspace.
type WorkspaceLock struct {
	client *redis.Client
	ttl    time.Duration
}

func NewWorkspaceLock(client *redis.Client, ttl time.Duration) *WorkspaceLock {
	if ttl <= 0 {
		ttl = 45 * time.Minute
	}
	return &WorkspaceLock{client: client, ttl: ttl}
}

func lockKey(workspaceID string) string { return "edgegate:lock:" + workspaceID }

// Acquire returns a token identifying this holder and true if the lock was
// obtained, false if another run already holds it.
func (l *WorkspaceLock) Acquire(ctx context.Context, workspaceID string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, lockKey(workspaceID), token, l.ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release is a compare-and-delete so a holder can never release a lock it
// doesn't own (e.g. after its own TTL already expired and someone else
// acquired it).
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

func (l *WorkspaceLock) Release(ctx context.Context, workspaceID, token string) error {
	return releaseScript.Run(ctx, l.client, []string{lockKey(workspaceID)}, token).Err()
}

// Extend resets the TTL on a lock this holder still owns to the full lock
// TTL, and does nothing if the token no longer matches. The engine does not
// call it; a run holds the lock for at most the TTL set at Acquire.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

func (l *WorkspaceLock) Extend(ctx context.Context, workspaceID, token string) error {
	return extendScript.Run(ctx, l.client, []string{lockKey(workspaceID)}, token, l.ttl.Milliseconds()).Err()
}
