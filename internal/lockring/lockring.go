// Package lockring is the concurrency coordinator of the settlement engine.
// It hands out per-resource locks in one canonical total order so that any
// two units of work sharing resources always acquire them in the same
// relative order — the deadlock-avoidance invariant. Units of work over
// disjoint resource sets run fully concurrently.
//
// Lock acquisition is bounded-wait: a unit of work that cannot get all its
// locks inside the acquire timeout releases what it holds and fails with
// ErrTimeout, which the settlement processor treats as retryable.
package lockring

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrTimeout is returned when a lock cannot be acquired within the
	// coordinator's wait budget. Retryable.
	ErrTimeout = errors.New("lockring: lock acquisition timed out")

	// ErrNoKeys is returned when WithLocks is called with an empty key set.
	ErrNoKeys = errors.New("lockring: no resource keys")
)

// DefaultAcquireTimeout bounds the wait for a single lock.
const DefaultAcquireTimeout = 2 * time.Second

// OrderKey returns the canonical resource key for an order row.
func OrderKey(orderID string) string {
	return "order:" + orderID
}

// BalanceKey returns the canonical resource key for a (user, asset) balance
// row. Asset is upper-cased so the same row never appears under two keys.
func BalanceKey(userID, asset string) string {
	return "balance:" + userID + ":" + strings.ToUpper(asset)
}

// Coordinator owns one lock per resource key, created on demand and kept for
// the process lifetime (the key space is bounded by live orders and
// user/asset pairs).
type Coordinator struct {
	mu             sync.Mutex
	locks          map[string]chan struct{}
	acquireTimeout time.Duration
}

// New creates a coordinator. acquireTimeout <= 0 selects the default.
func New(acquireTimeout time.Duration) *Coordinator {
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	return &Coordinator{
		locks:          make(map[string]chan struct{}),
		acquireTimeout: acquireTimeout,
	}
}

// CanonicalOrder returns the deduplicated keys in the system-wide canonical
// (lexicographic) acquisition order.
func CanonicalOrder(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	ordered := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)
	return ordered
}

// WithLocks acquires every key in canonical order, runs fn, and releases in
// reverse order on every exit path. A timeout while acquiring releases the
// locks already held and returns ErrTimeout without running fn.
func (c *Coordinator) WithLocks(ctx context.Context, keys []string, fn func() error) error {
	ordered := CanonicalOrder(keys)
	if len(ordered) == 0 {
		return ErrNoKeys
	}

	deadline := time.Now().Add(c.acquireTimeout)
	held := make([]chan struct{}, 0, len(ordered))
	for _, key := range ordered {
		lock := c.lockFor(key)
		if err := acquire(ctx, lock, deadline); err != nil {
			releaseAll(held)
			return err
		}
		held = append(held, lock)
	}
	defer releaseAll(held)

	return fn()
}

// lockFor returns the lock channel for a key, creating it on first use.
func (c *Coordinator) lockFor(key string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[key]
	if !ok {
		lock = make(chan struct{}, 1)
		c.locks[key] = lock
	}
	return lock
}

func acquire(ctx context.Context, lock chan struct{}, deadline time.Time) error {
	wait := time.Until(deadline)
	if wait <= 0 {
		return ErrTimeout
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case lock <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// releaseAll releases held locks in reverse acquisition order.
func releaseAll(held []chan struct{}) {
	for i := len(held) - 1; i >= 0; i-- {
		<-held[i]
	}
}
