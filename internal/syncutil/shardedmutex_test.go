package syncutil

import (
	"sync"
	"testing"
	"time"
)

func TestShardedMutexBasicLockUnlock(t *testing.T) {
	var m ShardedMutex
	unlock := m.Lock("key1")
	unlock()
	unlock = m.Lock("key1")
	unlock()
}

func TestShardedMutexMutualExclusion(t *testing.T) {
	var m ShardedMutex
	var counter int
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock := m.Lock("counter")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != n {
		t.Fatalf("expected %d, got %d", n, counter)
	}
}

func TestShardedMutexIndependentKeys(t *testing.T) {
	var m ShardedMutex
	// Holding one key must not block a key on a different shard.
	held := "held"
	other := ""
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		if m.shard(k) != m.shard(held) {
			other = k
			break
		}
	}
	if other == "" {
		t.Skip("all probe keys collided with held shard")
	}

	unlock := m.Lock(held)
	defer unlock()

	done := make(chan struct{})
	go func() {
		u := m.Lock(other)
		u()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent keys blocked behind held lock")
	}
}

func TestShardedMutexUnlockAllowsNext(t *testing.T) {
	var m ShardedMutex
	unlock := m.Lock("relay")

	acquired := make(chan struct{})
	go func() {
		u := m.Lock("relay")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second goroutine acquired lock before first released")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second goroutine did not acquire lock after first released")
	}
}
