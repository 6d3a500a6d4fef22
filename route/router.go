// ABOUTME: Inbound routing from (channel, participant) to a room
// ABOUTME: Store-backed default; returns a create sentinel when no room matches

package route

import (
	"context"
	"errors"
	"fmt"

	"github.com/roomkit-live/roomkit/store"
)

// ErrRoomClosed is returned when the resolved room no longer accepts
// inbound events.
var ErrRoomClosed = errors.New("room is closed")

// Decision is the routing outcome: an existing room id, or Create set
// when the caller should materialize a new room and attach the source
// channel.
type Decision struct {
	RoomID string
	Create bool
}

// Router resolves an inbound message to a room. Implementations are
// pluggable; StoreRouter is the default.
type Router interface {
	Route(ctx context.Context, channelID, channelType, participantID string) (Decision, error)
}

// StoreRouter resolves rooms using only store queries: first the binding
// registered for the channel id, then any binding matching the channel
// type and participant.
type StoreRouter struct {
	store store.Store
}

// NewStoreRouter creates the default router.
func NewStoreRouter(st store.Store) *StoreRouter {
	return &StoreRouter{store: st}
}

// Route implements Router. Closed rooms reject inbound traffic here, at
// routing time, before any section is taken.
func (r *StoreRouter) Route(ctx context.Context, channelID, channelType, participantID string) (Decision, error) {
	room, err := r.store.FindRoomByChannel(ctx, channelID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Decision{}, fmt.Errorf("routing by channel: %w", err)
	}
	if err == nil {
		return r.accept(room)
	}

	if participantID != "" {
		room, err = r.store.FindRoomByParticipant(ctx, channelType, participantID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return Decision{}, fmt.Errorf("routing by participant: %w", err)
		}
		if err == nil {
			return r.accept(room)
		}
	}

	return Decision{Create: true}, nil
}

func (r *StoreRouter) accept(room *store.Room) (Decision, error) {
	if room.Status == store.RoomClosed || room.Status == store.RoomArchived {
		return Decision{}, fmt.Errorf("room %s: %w", room.ID, ErrRoomClosed)
	}
	return Decision{RoomID: room.ID}, nil
}
