package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedis_AcquireRunsAndReleases(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedis(client, time.Minute, time.Second)

	ran := false
	err := locker.WithLock(context.Background(), 9, func() error {
		ran = true
		assert.True(t, mr.Exists(lockKey(9)), "key must be held inside the section")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists(lockKey(9)), "key must be released afterwards")
}

func TestRedis_TimeoutWhenHeldByAnotherProcess(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedis(client, time.Minute, 100*time.Millisecond)

	// Simulate another process holding the lock.
	require.NoError(t, mr.Set(lockKey(5), "someone-else"))

	err := locker.WithLock(context.Background(), 5, func() error {
		t.Fatal("must not enter the critical section")
		return nil
	})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestRedis_WaitsForRelease(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedis(client, time.Minute, 2*time.Second)

	require.NoError(t, mr.Set(lockKey(6), "someone-else"))
	go func() {
		time.Sleep(100 * time.Millisecond)
		mr.Del(lockKey(6))
	}()

	err := locker.WithLock(context.Background(), 6, func() error { return nil })
	require.NoError(t, err)
}

func TestRedis_ExpiredLockNotReleasedTwice(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedis(client, 50*time.Millisecond, time.Second)

	err := locker.WithLock(context.Background(), 2, func() error {
		// Force the abandoned-lock expiry while the section is running,
		// then let a second process take over.
		mr.FastForward(time.Second)
		require.NoError(t, mr.Set(lockKey(2), "new-owner"))
		return nil
	})
	require.NoError(t, err)

	// The new owner's lock must survive our release.
	got, err := mr.Get(lockKey(2))
	require.NoError(t, err)
	assert.Equal(t, "new-owner", got)
}

func TestRedis_ParallelDistinctUsers(t *testing.T) {
	_, client := newTestRedis(t)
	locker := NewRedis(client, time.Minute, time.Second)

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = locker.WithLock(context.Background(), 1, func() error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer close(release)

	done := make(chan error, 1)
	go func() {
		done <- locker.WithLock(context.Background(), 2, func() error { return nil })
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("distinct users must not contend")
	}
}
