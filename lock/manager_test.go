// ABOUTME: Tests for the per-room lock manager
// ABOUTME: Verifies mutual exclusion, cross-room concurrency, and idle LRU bounds

package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_MutualExclusionPerRoom(t *testing.T) {
	m := NewManager(16)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			section, err := m.Acquire(ctx, "room-1")
			require.NoError(t, err)
			defer section.Release()

			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen, "two sections held at once for the same room")
}

func TestManager_DifferentRoomsRunConcurrently(t *testing.T) {
	m := NewManager(16)
	ctx := context.Background()

	s1, err := m.Acquire(ctx, "room-1")
	require.NoError(t, err)
	defer s1.Release()

	// A second room must not wait on the first.
	done := make(chan struct{})
	go func() {
		s2, err := m.Acquire(ctx, "room-2")
		require.NoError(t, err)
		s2.Release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("acquire for a different room blocked")
	}
}

func TestManager_AcquireHonorsCancellation(t *testing.T) {
	m := NewManager(16)

	section, err := m.Acquire(context.Background(), "room-1")
	require.NoError(t, err)
	defer section.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "room-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManager_ReleaseIsIdempotent(t *testing.T) {
	m := NewManager(16)
	ctx := context.Background()

	section, err := m.Acquire(ctx, "room-1")
	require.NoError(t, err)
	section.Release()
	section.Release()

	// The lock must be reacquirable.
	again, err := m.Acquire(ctx, "room-1")
	require.NoError(t, err)
	again.Release()
}

func TestManager_IdleEvictionNeverTouchesHeldLocks(t *testing.T) {
	m := NewManager(2)
	ctx := context.Background()

	held, err := m.Acquire(ctx, "held-room")
	require.NoError(t, err)

	// Churn far more rooms than the registry holds.
	for i := 0; i < 50; i++ {
		s, err := m.Acquire(ctx, "churn-room")
		require.NoError(t, err)
		s.Release()
		s, err = m.Acquire(ctx, "other-room")
		require.NoError(t, err)
		s.Release()
	}

	// The held section is still the same lock: a waiter must block until
	// release even after all that churn.
	acquired := make(chan struct{})
	go func() {
		s, err := m.Acquire(ctx, "held-room")
		require.NoError(t, err)
		s.Release()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("waiter got the section while it was held")
	case <-time.After(50 * time.Millisecond):
	}

	held.Release()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never got the section after release")
	}
}

func TestManager_StrictOrderingForSameRoom(t *testing.T) {
	m := NewManager(16)
	ctx := context.Background()

	var order []int
	var mu sync.Mutex

	first, err := m.Acquire(ctx, "room-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s, err := m.Acquire(ctx, "room-1")
			require.NoError(t, err)
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			s.Release()
		}(i)
		time.Sleep(10 * time.Millisecond) // stagger arrival
	}

	first.Release()
	wg.Wait()
	assert.Len(t, order, 5)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}
