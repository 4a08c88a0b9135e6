package lockring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestCanonicalOrder_SortsAndDedupes(t *testing.T) {
	keys := []string{
		BalanceKey("u2", "usdt"),
		OrderKey("b"),
		BalanceKey("u1", "BTC"),
		OrderKey("a"),
		BalanceKey("u2", "USDT"), // duplicate after normalization
	}
	got := CanonicalOrder(keys)
	want := []string{
		"balance:u1:BTC",
		"balance:u2:USDT",
		"order:a",
		"order:b",
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d keys, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestWithLocks_RunsFn(t *testing.T) {
	c := New(time.Second)
	ran := false
	err := c.WithLocks(context.Background(), []string{OrderKey("o1")}, func() error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatal("fn did not run")
	}
}

func TestWithLocks_EmptyKeys(t *testing.T) {
	c := New(time.Second)
	if err := c.WithLocks(context.Background(), nil, func() error { return nil }); !errors.Is(err, ErrNoKeys) {
		t.Fatalf("expected ErrNoKeys, got %v", err)
	}
}

func TestWithLocks_PropagatesFnError(t *testing.T) {
	c := New(time.Second)
	sentinel := errors.New("boom")
	err := c.WithLocks(context.Background(), []string{OrderKey("o1")}, func() error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected fn error, got %v", err)
	}
	// Lock must be released after the failure.
	err = c.WithLocks(context.Background(), []string{OrderKey("o1")}, func() error { return nil })
	if err != nil {
		t.Fatalf("lock not released after fn error: %v", err)
	}
}

func TestWithLocks_TimesOutOnHeldLock(t *testing.T) {
	c := New(50 * time.Millisecond)
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_ = c.WithLocks(context.Background(), []string{OrderKey("o1")}, func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := c.WithLocks(context.Background(), []string{OrderKey("o1")}, func() error { return nil })
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	close(release)
}

func TestWithLocks_ReleasesPartialAcquisitionOnTimeout(t *testing.T) {
	c := New(50 * time.Millisecond)
	release := make(chan struct{})
	started := make(chan struct{})

	// Hold the lexicographically later key so the contender acquires the
	// earlier one first, then times out and must give it back.
	go func() {
		_ = c.WithLocks(context.Background(), []string{OrderKey("b")}, func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := c.WithLocks(context.Background(), []string{OrderKey("a"), OrderKey("b")}, func() error { return nil })
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// order:a must be free again.
	err = c.WithLocks(context.Background(), []string{OrderKey("a")}, func() error { return nil })
	if err != nil {
		t.Fatalf("partially acquired lock was not released: %v", err)
	}
	close(release)
}

func TestWithLocks_NoDeadlockUnderContention(t *testing.T) {
	// Workers repeatedly lock overlapping key pairs presented in opposing
	// orders. Canonical ordering must prevent deadlock regardless.
	c := New(2 * time.Second)
	keysA := []string{OrderKey("x"), OrderKey("y"), BalanceKey("u1", "USDT")}
	keysB := []string{BalanceKey("u1", "USDT"), OrderKey("y"), OrderKey("x")}

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		keys := keysA
		if i%2 == 1 {
			keys = keysB
		}
		wg.Add(1)
		go func(keys []string) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				err := c.WithLocks(context.Background(), keys, func() error {
					counter++ // data race here would be caught by -race
					return nil
				})
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
			}
		}(keys)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("workers deadlocked")
	}

	if counter != 8*50 {
		t.Errorf("expected 400 critical sections, got %d", counter)
	}
}

func TestWithLocks_DisjointKeysRunConcurrently(t *testing.T) {
	c := New(time.Second)
	inFirst := make(chan struct{})
	proceed := make(chan struct{})

	go func() {
		_ = c.WithLocks(context.Background(), []string{OrderKey("left")}, func() error {
			close(inFirst)
			<-proceed
			return nil
		})
	}()
	<-inFirst

	// A disjoint unit of work must not wait for the first one.
	done := make(chan error, 1)
	go func() {
		done <- c.WithLocks(context.Background(), []string{OrderKey("right")}, func() error { return nil })
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("disjoint unit of work blocked")
	}
	close(proceed)
}

func TestWithLocks_ContextCancellation(t *testing.T) {
	c := New(5 * time.Second)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = c.WithLocks(context.Background(), []string{OrderKey("o1")}, func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := c.WithLocks(ctx, []string{OrderKey("o1")}, func() error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	close(release)
}

func TestWithLocks_ManyKeys(t *testing.T) {
	c := New(time.Second)
	var keys []string
	for i := 0; i < 20; i++ {
		keys = append(keys, OrderKey(fmt.Sprintf("o%02d", i)))
	}
	if err := c.WithLocks(context.Background(), keys, func() error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
