package lock

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock key only while we still own it, so a lock
// that expired and was re-acquired by another process is left alone.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis is a UserLocker backed by a Redis advisory lock (SET NX with TTL),
// for deployments where several processes materialize for the same users.
// A lock held past its TTL is treated as abandoned and expires on its own.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

// NewRedis builds a Redis locker. ttl is the abandoned-lock expiry, maxWait
// bounds how long an acquisition blocks before ErrTimeout.
func NewRedis(client *redis.Client, ttl, maxWait time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	return &Redis{
		client: client,
		ttl:    ttl,
		wait:   maxWait,
		retry:  50 * time.Millisecond,
	}
}

func (r *Redis) WithLock(ctx context.Context, userID uint, fn func() error) error {
	key := lockKey(userID)
	token := uuid.NewString()
	deadline := time.Now().Add(r.wait)

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire generation lock: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: user %d", ErrTimeout, userID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.retry):
		}
	}

	defer func() {
		// Release must run even when the caller's context is already gone.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		released, err := releaseScript.Run(releaseCtx, r.client, []string{key}, token).Int()
		if err != nil {
			log.Printf("release generation lock for user %d: %v", userID, err)
			return
		}
		if released == 0 {
			log.Printf("generation lock for user %d expired before release; treated as abandoned", userID)
		}
	}()

	return fn()
}

func lockKey(userID uint) string {
	return fmt.Sprintf("taskplan:genlock:%d", userID)
}
