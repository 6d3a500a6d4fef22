// ABOUTME: NATS-backed realtime bus for multi-process deployments
// ABOUTME: Ephemeral events travel as JSON over <prefix>.room.<room_id> subjects

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/google/uuid"
)

// DefaultSubjectPrefix namespaces roomkit traffic on a shared NATS
// deployment.
const DefaultSubjectPrefix = "roomkit.realtime"

// NATSBus implements Bus over core NATS subjects. Events are fire-and-
// forget JSON; there is no persistence and no redelivery, matching the
// ephemeral contract.
type NATSBus struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSBus wraps an established connection. The connection stays
// owned by the caller; Close only drops this bus's subscriptions.
func NewNATSBus(nc *nats.Conn, prefix string, logger *slog.Logger) *NATSBus {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSBus{
		nc:     nc,
		prefix: prefix,
		logger: logger.With("component", "realtime_nats"),
		subs:   make(map[string]*nats.Subscription),
	}
}

func (b *NATSBus) subject(roomID string) string {
	return fmt.Sprintf("%s.room.%s", b.prefix, roomID)
}

// Publish marshals the event and publishes it on the room's subject.
func (b *NATSBus) Publish(_ context.Context, roomID string, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.RoomID = roomID

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding ephemeral event: %w", err)
	}
	if err := b.nc.Publish(b.subject(roomID), data); err != nil {
		return fmt.Errorf("publishing ephemeral event: %w", err)
	}
	return nil
}

// Subscribe delivers the room's events to fn on NATS's dispatch
// goroutine. Malformed payloads are logged and dropped.
func (b *NATSBus) Subscribe(ctx context.Context, roomID string, fn Handler) (string, error) {
	sub, err := b.nc.Subscribe(b.subject(roomID), func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Warn("dropping malformed ephemeral event",
				"room_id", roomID,
				"error", err)
			return
		}
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("subscriber panicked",
					"room_id", roomID,
					"panic", r)
			}
		}()
		fn(&ev)
	})
	if err != nil {
		return "", fmt.Errorf("subscribing to %s: %w", b.subject(roomID), err)
	}

	subID := uuid.New().String()
	b.mu.Lock()
	b.subs[subID] = sub
	b.mu.Unlock()

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = b.Unsubscribe(subID)
		}()
	}
	return subID, nil
}

// Unsubscribe drops a subscription. Unknown ids are a no-op.
func (b *NATSBus) Unsubscribe(id string) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}

// Close drops all subscriptions. The underlying connection is left to
// its owner.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("unsubscribe failed", "sub_id", id, "error", err)
		}
		delete(b.subs, id)
	}
	return nil
}
