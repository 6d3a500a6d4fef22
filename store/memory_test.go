// ABOUTME: Tests for the in-memory reference store
// ABOUTME: Verifies index assignment, idempotency, bindings, and read tracking

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRoom(t *testing.T, s *MemoryStore) *Room {
	t.Helper()
	room := &Room{
		ID:        "room-1",
		Status:    RoomActive,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, s.CreateRoom(context.Background(), room))
	return room
}

func TestMemoryStore_AddEvent_AssignsGapFreeIndices(t *testing.T) {
	s := NewMemoryStore()
	room := newTestRoom(t, s)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ev := &RoomEvent{
			ID:      fmt.Sprintf("ev-%d", i),
			RoomID:  room.ID,
			Type:    EventMessage,
			Content: TextContent("hello"),
			Status:  StatusDelivered,
		}
		require.NoError(t, s.AddEvent(ctx, ev))
		assert.Equal(t, i, ev.Index)
	}

	events, err := s.ListEvents(ctx, room.ID, -1, 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, i, ev.Index)
	}

	updated, err := s.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, updated.LatestIndex)
	assert.Equal(t, 5, updated.EventCount)
}

func TestMemoryStore_AddEvent_RejectsDuplicateIdempotencyKey(t *testing.T) {
	s := NewMemoryStore()
	room := newTestRoom(t, s)
	ctx := context.Background()

	first := &RoomEvent{ID: "ev-1", RoomID: room.ID, Content: TextContent("a"), IdempotencyKey: "k1"}
	require.NoError(t, s.AddEvent(ctx, first))

	dup := &RoomEvent{ID: "ev-2", RoomID: room.ID, Content: TextContent("b"), IdempotencyKey: "k1"}
	err := s.AddEvent(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey)

	// The prior event is retrievable by its key.
	prior, err := s.FindEventByIdempotencyKey(ctx, room.ID, "k1")
	require.NoError(t, err)
	assert.Equal(t, "ev-1", prior.ID)

	// The same key is fine in a different room.
	other := &Room{ID: "room-2", Status: RoomActive}
	require.NoError(t, s.CreateRoom(ctx, other))
	require.NoError(t, s.AddEvent(ctx, &RoomEvent{ID: "ev-3", RoomID: other.ID, Content: TextContent("c"), IdempotencyKey: "k1"}))
}

func TestMemoryStore_AddEvent_UnknownRoom(t *testing.T) {
	s := NewMemoryStore()
	err := s.AddEvent(context.Background(), &RoomEvent{ID: "ev", RoomID: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListEvents_Window(t *testing.T) {
	s := NewMemoryStore()
	room := newTestRoom(t, s)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.AddEvent(ctx, &RoomEvent{ID: fmt.Sprintf("ev-%d", i), RoomID: room.ID, Content: TextContent("x")}))
	}

	events, err := s.ListEvents(ctx, room.ID, 4, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, 5, events[0].Index)
	assert.Equal(t, 7, events[2].Index)
}

func TestMemoryStore_Bindings(t *testing.T) {
	s := NewMemoryStore()
	room := newTestRoom(t, s)
	ctx := context.Background()

	binding := &Binding{
		ChannelID:   "sms-1",
		RoomID:      room.ID,
		ChannelType: "sms",
		Category:    CategoryTransport,
		Access:      AccessReadWrite,
	}
	require.NoError(t, s.AddBinding(ctx, binding))
	assert.ErrorIs(t, s.AddBinding(ctx, binding), ErrDuplicateBinding)

	got, err := s.GetBinding(ctx, "sms-1")
	require.NoError(t, err)
	assert.Equal(t, room.ID, got.RoomID)

	found, err := s.FindRoomByChannel(ctx, "sms-1")
	require.NoError(t, err)
	assert.Equal(t, room.ID, found.ID)

	require.NoError(t, s.RemoveBinding(ctx, "sms-1"))
	_, err = s.GetBinding(ctx, "sms-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_FindRoomByParticipant(t *testing.T) {
	s := NewMemoryStore()
	room := newTestRoom(t, s)
	ctx := context.Background()

	require.NoError(t, s.AddBinding(ctx, &Binding{
		ChannelID:     "sms-1",
		RoomID:        room.ID,
		ChannelType:   "sms",
		ParticipantID: "alice",
	}))

	found, err := s.FindRoomByParticipant(ctx, "sms", "alice")
	require.NoError(t, err)
	assert.Equal(t, room.ID, found.ID)

	_, err = s.FindRoomByParticipant(ctx, "sms", "bob")
	assert.ErrorIs(t, err, ErrNotFound)

	// Empty participant ids never match anything.
	_, err = s.FindRoomByParticipant(ctx, "sms", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ReadTracking(t *testing.T) {
	s := NewMemoryStore()
	room := newTestRoom(t, s)
	ctx := context.Background()

	require.NoError(t, s.AddBinding(ctx, &Binding{ChannelID: "ws-1", RoomID: room.ID, ChannelType: "websocket"}))
	for i := 0; i < 4; i++ {
		require.NoError(t, s.AddEvent(ctx, &RoomEvent{ID: fmt.Sprintf("ev-%d", i), RoomID: room.ID, Content: TextContent("x")}))
	}

	unread, err := s.UnreadCount(ctx, room.ID, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, 4, unread)

	require.NoError(t, s.MarkRead(ctx, room.ID, "ws-1", 1))
	unread, err = s.UnreadCount(ctx, room.ID, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, 2, unread)

	// MarkRead never moves the cursor backwards.
	require.NoError(t, s.MarkRead(ctx, room.ID, "ws-1", 0))
	unread, _ = s.UnreadCount(ctx, room.ID, "ws-1")
	assert.Equal(t, 2, unread)

	require.NoError(t, s.MarkAllRead(ctx, room.ID, "ws-1"))
	unread, _ = s.UnreadCount(ctx, room.ID, "ws-1")
	assert.Equal(t, 0, unread)
}

func TestMemoryStore_Identities(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	identity := &Identity{
		ID:          "id-1",
		DisplayName: "Alice",
		Addresses:   []ChannelAddress{{ChannelType: "sms", Address: "+15550001111"}},
	}
	require.NoError(t, s.CreateIdentity(ctx, identity))

	resolved, err := s.ResolveIdentity(ctx, "sms", "+15550001111")
	require.NoError(t, err)
	assert.Equal(t, "id-1", resolved.ID)

	require.NoError(t, s.LinkAddress(ctx, "id-1", ChannelAddress{ChannelType: "email", Address: "alice@example.com"}))
	resolved, err = s.ResolveIdentity(ctx, "email", "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "id-1", resolved.ID)

	_, err = s.ResolveIdentity(ctx, "sms", "+15559999999")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	room := newTestRoom(t, s)
	ctx := context.Background()

	got, err := s.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	got.Status = RoomClosed

	again, err := s.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, RoomActive, again.Status)
}

func TestMemoryStore_DeleteRoom_CascadesOwnership(t *testing.T) {
	s := NewMemoryStore()
	room := newTestRoom(t, s)
	ctx := context.Background()

	require.NoError(t, s.AddBinding(ctx, &Binding{ChannelID: "c1", RoomID: room.ID}))
	require.NoError(t, s.AddEvent(ctx, &RoomEvent{ID: "ev-1", RoomID: room.ID, Content: TextContent("x")}))

	require.NoError(t, s.DeleteRoom(ctx, room.ID))
	_, err := s.GetBinding(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetEvent(ctx, "ev-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
