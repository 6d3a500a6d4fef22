// ABOUTME: Per-room exclusive sections with an LRU-bounded lock registry
// ABOUTME: Idle locks are evicted; a held lock is never evicted

package lock

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultRegistrySize bounds the number of idle room locks kept around.
const DefaultRegistrySize = 1024

// entry is a channel-based mutex for one room. The semaphore channel has
// capacity 1; holding the token means holding the section.
type entry struct {
	sem  chan struct{}
	refs int
}

// Manager hands out per-room exclusive sections. Two concurrent Acquire
// calls for the same room id are strictly ordered; calls for different
// ids proceed independently. Locks with no holder and no waiter move to
// an LRU registry of bounded size; the oldest idle lock is dropped when
// the bound is exceeded. A lock with any holder or waiter lives in the
// active map and is never evicted.
type Manager struct {
	mu     sync.Mutex
	active map[string]*entry
	idle   *lru.Cache[string, *entry]
}

// NewManager creates a lock manager whose idle registry holds at most
// size entries. Sizes below 1 fall back to DefaultRegistrySize.
func NewManager(size int) *Manager {
	if size < 1 {
		size = DefaultRegistrySize
	}
	idle, _ := lru.New[string, *entry](size)
	return &Manager{
		active: make(map[string]*entry),
		idle:   idle,
	}
}

// Section is a held exclusive section. Release is safe to call more than
// once; only the first call releases the lock.
type Section struct {
	m        *Manager
	roomID   string
	e        *entry
	released sync.Once
}

// Acquire blocks until the room's exclusive section is available or ctx
// is cancelled. The acquire itself carries no timeout; callers bound it
// through ctx.
func (m *Manager) Acquire(ctx context.Context, roomID string) (*Section, error) {
	e := m.checkout(roomID)

	select {
	case e.sem <- struct{}{}:
		return &Section{m: m, roomID: roomID, e: e}, nil
	case <-ctx.Done():
		m.checkin(roomID, e)
		return nil, ctx.Err()
	}
}

// checkout finds or creates the room's entry and counts the caller as an
// interested party, promoting idle entries back to the active map.
func (m *Manager) checkout(roomID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.active[roomID]; ok {
		e.refs++
		return e
	}
	if e, ok := m.idle.Get(roomID); ok {
		m.idle.Remove(roomID)
		e.refs = 1
		m.active[roomID] = e
		return e
	}
	e := &entry{sem: make(chan struct{}, 1), refs: 1}
	m.active[roomID] = e
	return e
}

// checkin drops one interested party; the last one out parks the entry in
// the idle registry.
func (m *Manager) checkin(roomID string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.refs--
	if e.refs <= 0 {
		delete(m.active, roomID)
		m.idle.Add(roomID, e)
	}
}

// Release exits the section. Guaranteed release on all paths is the
// caller's job via defer.
func (s *Section) Release() {
	s.released.Do(func() {
		<-s.e.sem
		s.m.checkin(s.roomID, s.e)
	})
}
