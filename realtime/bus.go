// ABOUTME: Ephemeral per-room pub/sub for typing, presence, and read receipts
// ABOUTME: In-memory reference implementation; nothing published here is persisted

package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EphemeralType identifies an ephemeral event.
type EphemeralType string

const (
	TypingStart     EphemeralType = "typing_start"
	TypingStop      EphemeralType = "typing_stop"
	PresenceOnline  EphemeralType = "presence_online"
	PresenceAway    EphemeralType = "presence_away"
	PresenceOffline EphemeralType = "presence_offline"
	ReadReceipt     EphemeralType = "read_receipt"
	Custom          EphemeralType = "custom"
)

// Event is an ephemeral notification fanned out to a room's subscribers
// and never persisted.
type Event struct {
	ID        string         `json:"id"`
	RoomID    string         `json:"room_id"`
	Type      EphemeralType  `json:"type"`
	UserID    string         `json:"user_id,omitempty"`
	ChannelID string         `json:"channel_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler receives ephemeral events. Handlers must not panic through the
// bus; the bus catches and logs anything that escapes.
type Handler func(*Event)

// Bus is the ephemeral pub/sub contract. The in-memory implementation is
// the default; NATSBus swaps in for multi-process deployments.
type Bus interface {
	Publish(ctx context.Context, roomID string, ev *Event) error
	Subscribe(ctx context.Context, roomID string, fn Handler) (string, error)
	Unsubscribe(id string) error
	Close() error
}

// MemoryBus fans events out to in-process subscribers. Delivery order to
// a single subscriber is the publish order; cross-subscriber ordering is
// unspecified.
type MemoryBus struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]Handler // roomID -> subID -> handler
	subs   map[string]string             // subID -> roomID
	closed bool
	logger *slog.Logger
}

// NewMemoryBus creates an empty bus. Pass nil logger for the default.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		rooms:  make(map[string]map[string]Handler),
		subs:   make(map[string]string),
		logger: logger.With("component", "realtime"),
	}
}

// Publish invokes every current subscriber of the room. Panicking
// handlers are caught and logged; they never surface to the publisher.
func (b *MemoryBus) Publish(_ context.Context, roomID string, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.RoomID = roomID

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.rooms[roomID]))
	for _, fn := range b.rooms[roomID] {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		b.invoke(fn, ev)
	}
	return nil
}

func (b *MemoryBus) invoke(fn Handler, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				"room_id", ev.RoomID,
				"event_type", ev.Type,
				"panic", r)
		}
	}()
	fn(ev)
}

// Subscribe registers a handler for a room's ephemeral events. The
// subscription is removed automatically when ctx is cancelled.
func (b *MemoryBus) Subscribe(ctx context.Context, roomID string, fn Handler) (string, error) {
	subID := uuid.New().String()

	b.mu.Lock()
	if b.rooms[roomID] == nil {
		b.rooms[roomID] = make(map[string]Handler)
	}
	b.rooms[roomID][subID] = fn
	b.subs[subID] = roomID
	b.mu.Unlock()

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = b.Unsubscribe(subID)
		}()
	}
	return subID, nil
}

// Unsubscribe removes a subscription. Unknown ids are a no-op.
func (b *MemoryBus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	roomID, ok := b.subs[id]
	if !ok {
		return nil
	}
	delete(b.subs, id)
	if subs := b.rooms[roomID]; subs != nil {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.rooms, roomID)
		}
	}
	return nil
}

// Close drops all subscriptions.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rooms = make(map[string]map[string]Handler)
	b.subs = make(map[string]string)
	b.closed = true
	return nil
}
