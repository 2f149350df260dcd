// Package lock serializes recurring-task generation per user. Two backends
// share one contract: an in-process keyed semaphore table for single-node
// deployments and a Redis advisory lock for multi-process ones.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrTimeout is returned when the generation lock could not be acquired
// within the bounded wait. Callers treat it as transient and retry.
var ErrTimeout = errors.New("generation lock timeout")

// UserLocker runs fn inside a per-user critical section. Requests for
// different users proceed in parallel.
type UserLocker interface {
	WithLock(ctx context.Context, userID uint, fn func() error) error
}

// Keyed is an in-process UserLocker: a table of per-user semaphores,
// lazily created and dropped again once no caller holds or waits on them.
type Keyed struct {
	wait time.Duration

	mu      sync.Mutex
	entries map[uint]*keyedEntry
}

type keyedEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// NewKeyed builds a keyed locker whose acquisitions wait at most maxWait.
func NewKeyed(maxWait time.Duration) *Keyed {
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	return &Keyed{
		wait:    maxWait,
		entries: make(map[uint]*keyedEntry),
	}
}

func (k *Keyed) WithLock(ctx context.Context, userID uint, fn func() error) error {
	e := k.retain(userID)
	defer k.release(userID)

	acquireCtx, cancel := context.WithTimeout(ctx, k.wait)
	defer cancel()
	if err := e.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: user %d", ErrTimeout, userID)
	}
	defer e.sem.Release(1)

	return fn()
}

func (k *Keyed) retain(userID uint) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[userID]
	if !ok {
		e = &keyedEntry{sem: semaphore.NewWeighted(1)}
		k.entries[userID] = e
	}
	e.refs++
	return e
}

func (k *Keyed) release(userID uint) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[userID]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(k.entries, userID)
	}
}
