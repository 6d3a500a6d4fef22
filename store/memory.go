// ABOUTME: In-memory reference implementation of the Store interface
// ABOUTME: Map-backed, mutex-guarded, returns defensive copies of all entities

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the reference Store implementation. It keeps everything
// in maps guarded by a single RWMutex and returns copies so callers cannot
// mutate stored state behind the store's back.
//
// Index assignment and idempotency enforcement in AddEvent are atomic with
// respect to other store calls; the per-room gap-free guarantee
// additionally requires the caller to hold the room's exclusive section.
type MemoryStore struct {
	mu           sync.RWMutex
	rooms        map[string]*Room
	events       map[string]*RoomEvent
	roomEvents   map[string][]*RoomEvent // roomID -> events ordered by index
	idempotency  map[string]map[string]string // roomID -> key -> eventID
	bindings     map[string]*Binding          // channelID -> binding
	participants map[string]*Participant
	identities   map[string]*Identity
	tasks        map[string]*Task
	observations map[string][]*Observation // roomID -> observations
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:        make(map[string]*Room),
		events:       make(map[string]*RoomEvent),
		roomEvents:   make(map[string][]*RoomEvent),
		idempotency:  make(map[string]map[string]string),
		bindings:     make(map[string]*Binding),
		participants: make(map[string]*Participant),
		identities:   make(map[string]*Identity),
		tasks:        make(map[string]*Task),
		observations: make(map[string][]*Observation),
	}
}

// CreateRoom stores a new room. LatestIndex is normalized to -1 when the
// room has no events yet.
func (s *MemoryStore) CreateRoom(_ context.Context, room *Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[room.ID]; exists {
		return ErrDuplicateRoom
	}
	r := cloneRoom(room)
	if r.EventCount == 0 {
		r.LatestIndex = -1
	}
	s.rooms[room.ID] = r
	return nil
}

func (s *MemoryStore) GetRoom(_ context.Context, id string) (*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRoom(room), nil
}

func (s *MemoryStore) UpdateRoom(_ context.Context, room *Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rooms[room.ID]
	if !ok {
		return ErrNotFound
	}
	updated := cloneRoom(room)
	// Event accounting belongs to AddEvent; keep the stored counters.
	updated.EventCount = existing.EventCount
	updated.LatestIndex = existing.LatestIndex
	s.rooms[room.ID] = updated
	return nil
}

func (s *MemoryStore) DeleteRoom(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[id]; !ok {
		return ErrNotFound
	}
	delete(s.rooms, id)
	for _, ev := range s.roomEvents[id] {
		delete(s.events, ev.ID)
	}
	delete(s.roomEvents, id)
	delete(s.idempotency, id)
	delete(s.observations, id)
	for channelID, b := range s.bindings {
		if b.RoomID == id {
			delete(s.bindings, channelID)
		}
	}
	for pid, p := range s.participants {
		if p.RoomID == id {
			delete(s.participants, pid)
		}
	}
	return nil
}

func (s *MemoryStore) ListRooms(_ context.Context, limit int) ([]*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, cloneRoom(r))
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].CreatedAt.Before(rooms[j].CreatedAt) })
	if limit > 0 && len(rooms) > limit {
		rooms = rooms[:limit]
	}
	return rooms, nil
}

func (s *MemoryStore) FindRoomByChannel(_ context.Context, channelID string) (*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	binding, ok := s.bindings[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	room, ok := s.rooms[binding.RoomID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRoom(room), nil
}

func (s *MemoryStore) FindRoomByParticipant(_ context.Context, channelType, participantID string) (*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, b := range s.bindings {
		if b.ChannelType == channelType && b.ParticipantID == participantID && participantID != "" {
			if room, ok := s.rooms[b.RoomID]; ok {
				return cloneRoom(room), nil
			}
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) FindLatestRoom(_ context.Context) (*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Room
	for _, r := range s.rooms {
		if latest == nil || r.UpdatedAt.After(latest.UpdatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return cloneRoom(latest), nil
}

// AddEvent assigns the next index in the event's room, enforces
// idempotency-key uniqueness, and updates the room's event counters.
func (s *MemoryStore) AddEvent(_ context.Context, event *RoomEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[event.RoomID]
	if !ok {
		return ErrNotFound
	}

	if event.IdempotencyKey != "" {
		keys := s.idempotency[event.RoomID]
		if keys == nil {
			keys = make(map[string]string)
			s.idempotency[event.RoomID] = keys
		}
		if _, dup := keys[event.IdempotencyKey]; dup {
			return ErrDuplicateIdempotencyKey
		}
		keys[event.IdempotencyKey] = event.ID
	}

	event.Index = room.LatestIndex + 1
	stored := cloneEvent(event)
	s.events[stored.ID] = stored
	s.roomEvents[event.RoomID] = append(s.roomEvents[event.RoomID], stored)

	room.LatestIndex = stored.Index
	room.EventCount++
	room.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id string) (*RoomEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEvent(ev), nil
}

// ListEvents returns events with index greater than afterIndex, in index
// order. Pass afterIndex -1 for the full history; limit <= 0 means no
// limit.
func (s *MemoryStore) ListEvents(_ context.Context, roomID string, afterIndex, limit int) ([]*RoomEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.rooms[roomID]; !ok {
		return nil, ErrNotFound
	}
	var out []*RoomEvent
	for _, ev := range s.roomEvents[roomID] {
		if ev.Index <= afterIndex {
			continue
		}
		out = append(out, cloneEvent(ev))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) EventCount(_ context.Context, roomID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return 0, ErrNotFound
	}
	return room.EventCount, nil
}

func (s *MemoryStore) FindEventByIdempotencyKey(_ context.Context, roomID, key string) (*RoomEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys, ok := s.idempotency[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	eventID, ok := keys[key]
	if !ok {
		return nil, ErrNotFound
	}
	ev, ok := s.events[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEvent(ev), nil
}

func (s *MemoryStore) AddBinding(_ context.Context, binding *Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bindings[binding.ChannelID]; exists {
		return ErrDuplicateBinding
	}
	if _, ok := s.rooms[binding.RoomID]; !ok {
		return ErrNotFound
	}
	s.bindings[binding.ChannelID] = cloneBinding(binding)
	return nil
}

func (s *MemoryStore) GetBinding(_ context.Context, channelID string) (*Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bindings[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBinding(b), nil
}

func (s *MemoryStore) UpdateBinding(_ context.Context, binding *Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bindings[binding.ChannelID]; !ok {
		return ErrNotFound
	}
	s.bindings[binding.ChannelID] = cloneBinding(binding)
	return nil
}

func (s *MemoryStore) RemoveBinding(_ context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bindings[channelID]; !ok {
		return ErrNotFound
	}
	delete(s.bindings, channelID)
	return nil
}

func (s *MemoryStore) ListBindings(_ context.Context, roomID string) ([]*Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Binding
	for _, b := range s.bindings {
		if b.RoomID == roomID {
			out = append(out, cloneBinding(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}

func (s *MemoryStore) AddParticipant(_ context.Context, p *Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.participants[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetParticipant(_ context.Context, id string) (*Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) UpdateParticipant(_ context.Context, p *Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	s.participants[p.ID] = &cp
	return nil
}

func (s *MemoryStore) ListParticipants(_ context.Context, roomID string) ([]*Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Participant
	for _, p := range s.participants {
		if p.RoomID == roomID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateIdentity(_ context.Context, identity *Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.identities[identity.ID] = cloneIdentity(identity)
	return nil
}

func (s *MemoryStore) GetIdentity(_ context.Context, id string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identity, ok := s.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneIdentity(identity), nil
}

func (s *MemoryStore) ResolveIdentity(_ context.Context, channelType, address string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, identity := range s.identities {
		for _, addr := range identity.Addresses {
			if addr.ChannelType == channelType && addr.Address == address {
				return cloneIdentity(identity), nil
			}
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) LinkAddress(_ context.Context, identityID string, addr ChannelAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[identityID]
	if !ok {
		return ErrNotFound
	}
	for _, existing := range identity.Addresses {
		if existing == addr {
			return nil
		}
	}
	identity.Addresses = append(identity.Addresses, addr)
	identity.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) AddTask(_ context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *MemoryStore) ListTasksByStatus(_ context.Context, roomID string, status TaskStatus) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Task
	for _, task := range s.tasks {
		if task.RoomID == roomID && (status == "" || task.Status == status) {
			out = append(out, cloneTask(task))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; !ok {
		return ErrNotFound
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *MemoryStore) AddObservation(_ context.Context, obs *Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *obs
	cp.Payload = cloneMap(obs.Payload)
	s.observations[obs.RoomID] = append(s.observations[obs.RoomID], &cp)
	return nil
}

func (s *MemoryStore) ListObservations(_ context.Context, roomID string) ([]*Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Observation
	for _, obs := range s.observations[roomID] {
		cp := *obs
		cp.Payload = cloneMap(obs.Payload)
		out = append(out, &cp)
	}
	return out, nil
}

// MarkRead advances a binding's last-read index. Moving it backwards is a
// no-op.
func (s *MemoryStore) MarkRead(_ context.Context, roomID, channelID string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bindings[channelID]
	if !ok || b.RoomID != roomID {
		return ErrNotFound
	}
	if b.LastReadIndex == nil || *b.LastReadIndex < index {
		idx := index
		b.LastReadIndex = &idx
	}
	return nil
}

func (s *MemoryStore) MarkAllRead(_ context.Context, roomID, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bindings[channelID]
	if !ok || b.RoomID != roomID {
		return ErrNotFound
	}
	room, ok := s.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	idx := room.LatestIndex
	b.LastReadIndex = &idx
	return nil
}

func (s *MemoryStore) UnreadCount(_ context.Context, roomID, channelID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bindings[channelID]
	if !ok || b.RoomID != roomID {
		return 0, ErrNotFound
	}
	room, ok := s.rooms[roomID]
	if !ok {
		return 0, ErrNotFound
	}
	lastRead := -1
	if b.LastReadIndex != nil {
		lastRead = *b.LastReadIndex
	}
	count := room.LatestIndex - lastRead
	if count < 0 {
		count = 0
	}
	return count, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func cloneRoom(r *Room) *Room {
	cp := *r
	cp.Metadata = cloneMap(r.Metadata)
	if r.ClosedAt != nil {
		t := *r.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

func cloneEvent(e *RoomEvent) *RoomEvent {
	cp := *e
	cp.Metadata = cloneMap(e.Metadata)
	return &cp
}

func cloneBinding(b *Binding) *Binding {
	cp := *b
	cp.Metadata = cloneMap(b.Metadata)
	if b.LastReadIndex != nil {
		idx := *b.LastReadIndex
		cp.LastReadIndex = &idx
	}
	if b.RateLimit != nil {
		rl := *b.RateLimit
		cp.RateLimit = &rl
	}
	if b.RetryPolicy != nil {
		rp := *b.RetryPolicy
		cp.RetryPolicy = &rp
	}
	return &cp
}

func cloneIdentity(i *Identity) *Identity {
	cp := *i
	cp.Addresses = append([]ChannelAddress(nil), i.Addresses...)
	return &cp
}

func cloneTask(t *Task) *Task {
	cp := *t
	cp.Payload = cloneMap(t.Payload)
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
