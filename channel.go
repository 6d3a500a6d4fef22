// ABOUTME: Channel adapter contract between roomkit and external endpoints
// ABOUTME: Adapters convert inbound messages, deliver events, and react to broadcasts

package roomkit

import (
	"context"
	"log/slog"
	"time"

	"github.com/roomkit-live/roomkit/store"
)

// InboundMessage is what a channel adapter hands the engine when an
// external message arrives. ExternalID is the provider's delivery id,
// used for redelivery suppression; IdempotencyKey is the per-room
// dedupe key carried onto the stored event.
type InboundMessage struct {
	ChannelID      string
	ParticipantID  string
	ExternalID     string
	IdempotencyKey string
	// Address is the sender's address on the channel (phone number,
	// email, user id). The engine does not read it; the adapter sees it
	// in HandleInbound.
	Address    string
	Payload    map[string]any
	ReceivedAt time.Time
}

// RoomContext gives adapters read access to the room they are working
// in.
type RoomContext struct {
	Room    *store.Room
	Binding *store.Binding
	Store   store.Store
	Logger  *slog.Logger
}

// ChannelResult is what OnEvent returns. ResponseEvents feed the reentry
// loop (intelligence channels only); tasks and observations persist at
// the end of the pipeline run regardless of muting.
type ChannelResult struct {
	ResponseEvents []*store.RoomEvent
	Tasks          []*store.Task
	Observations   []*store.Observation
}

// Channel is the adapter contract. Transport channels deliver events
// outward; intelligence channels react to events by producing new ones.
// Adapters own their provider connections and release them in Close.
type Channel interface {
	ID() string
	Type() string
	Category() store.Category
	Direction() store.BindingDirection
	Capabilities() store.Capabilities

	// HandleInbound converts an external message to the canonical event
	// form. The engine fills in ids, indices, and defaults afterwards.
	HandleInbound(ctx context.Context, msg *InboundMessage, rctx *RoomContext) (*store.RoomEvent, error)

	// Deliver pushes an event out to the external endpoint. Transport
	// only; the router never calls Deliver on intelligence channels.
	Deliver(ctx context.Context, ev *store.RoomEvent, binding *store.Binding, rctx *RoomContext) error

	// OnEvent is invoked for every broadcast event the binding is
	// eligible for, on transports and intelligence alike. Returning nil
	// is fine for channels with nothing to add.
	OnEvent(ctx context.Context, ev *store.RoomEvent, binding *store.Binding, rctx *RoomContext) (*ChannelResult, error)

	Close() error
}

// GuardConfig sets the delivery guards for a transport channel: circuit
// breaker thresholds, a default rate limit, and a default retry policy.
// Per-binding rate limits and retry policies override these defaults.
type GuardConfig struct {
	FailureThreshold int
	RecoveryTime     time.Duration
	RateLimit        *store.RateLimit
	RetryPolicy      *store.RetryPolicy
}
