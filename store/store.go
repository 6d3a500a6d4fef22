// ABOUTME: Store interface and data types for roomkit persistence
// ABOUTME: Defines Room, RoomEvent, Binding, Participant, Identity and the Store contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateRoom is returned when trying to create a room that already exists.
var ErrDuplicateRoom = errors.New("room already exists")

// ErrDuplicateBinding is returned when a channel is already bound to a room.
// Channel ids are globally unique across registered channels, so a channel
// can hold at most one binding at a time.
var ErrDuplicateBinding = errors.New("channel already bound")

// ErrDuplicateIdempotencyKey is returned by AddEvent when an event with the
// same (room_id, idempotency_key) pair has already been stored.
var ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")

// RoomStatus is the lifecycle state of a room.
type RoomStatus string

const (
	RoomActive   RoomStatus = "active"
	RoomPaused   RoomStatus = "paused"
	RoomClosed   RoomStatus = "closed"
	RoomArchived RoomStatus = "archived"
)

// RoomTimers carries the inactivity and closure deadlines for a room.
// Zero values disable the corresponding timer.
type RoomTimers struct {
	InactiveAfter time.Duration `yaml:"inactive_after"`
	ClosedAfter   time.Duration `yaml:"closed_after"`
}

// Room is a shared conversational container and the unit of serialization.
// LatestIndex is -1 while the room has no events; every stored event gets
// index LatestIndex+1, assigned under the room's exclusive section.
type Room struct {
	ID             string
	OrganizationID string
	Status         RoomStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ClosedAt       *time.Time
	Timers         RoomTimers
	Metadata       map[string]any
	EventCount     int
	LatestIndex    int
}

// EventType identifies what kind of room event a record represents.
type EventType string

const (
	EventMessage            EventType = "message"
	EventSystem             EventType = "system"
	EventTyping             EventType = "typing"
	EventReadReceipt        EventType = "read_receipt"
	EventDeliveryReceipt    EventType = "delivery_receipt"
	EventPresence           EventType = "presence"
	EventReaction           EventType = "reaction"
	EventEdit               EventType = "edit"
	EventDelete             EventType = "delete"
	EventParticipantJoined  EventType = "participant_joined"
	EventParticipantLeft    EventType = "participant_left"
	EventChannelAttached    EventType = "channel_attached"
	EventChannelDetached    EventType = "channel_detached"
	EventTaskCreated        EventType = "task_created"
	EventObservationCreated EventType = "observation"
)

// Direction indicates which way an event crossed the channel boundary.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// EventStatus is the delivery state of a stored event.
type EventStatus string

const (
	StatusPending   EventStatus = "pending"
	StatusDelivered EventStatus = "delivered"
	StatusRead      EventStatus = "read"
	StatusFailed    EventStatus = "failed"
	StatusBlocked   EventStatus = "blocked"
)

// EventSource records where an event originated.
type EventSource struct {
	ChannelID     string
	ChannelType   string
	Direction     Direction
	ParticipantID string
	ExternalID    string
}

// RoomEvent is an immutable record of something that happened in a room.
// Index is monotone and gap-free per room. ChainDepth is the reentry
// generation: 0 for externally triggered events, parent+1 for events
// produced by intelligence channels inside the pipeline.
type RoomEvent struct {
	ID             string
	RoomID         string
	Type           EventType
	Source         EventSource
	Content        Content
	Status         EventStatus
	BlockedBy      string
	Visibility     Visibility
	Index          int
	ChainDepth     int
	ParentEventID  string
	CorrelationID  string
	IdempotencyKey string
	CreatedAt      time.Time
	Metadata       map[string]any
}

// Category separates channels that deliver events outward (transport) from
// channels that react to events by producing new ones (intelligence).
type Category string

const (
	CategoryTransport    Category = "transport"
	CategoryIntelligence Category = "intelligence"
)

// BindingDirection restricts which way events may flow through a binding.
type BindingDirection string

const (
	DirectionBindingInbound  BindingDirection = "inbound"
	DirectionBindingOutbound BindingDirection = "outbound"
	DirectionBidirectional   BindingDirection = "bidirectional"
)

// Access is the read/write permission of a binding within its room.
type Access string

const (
	AccessReadWrite Access = "read_write"
	AccessReadOnly  Access = "read_only"
	AccessWriteOnly Access = "write_only"
	AccessNone      Access = "none"
)

// CanRead reports whether the binding may receive events from the room.
func (a Access) CanRead() bool {
	return a == AccessReadWrite || a == AccessReadOnly
}

// CanWrite reports whether the binding may originate events into the room.
func (a Access) CanWrite() bool {
	return a == AccessReadWrite || a == AccessWriteOnly
}

// RateLimit configures the token-bucket delivery throttle for a binding.
// At most one of the three windows should be set.
type RateLimit struct {
	MaxPerSecond int `yaml:"max_per_second"`
	MaxPerMinute int `yaml:"max_per_minute"`
	MaxPerHour   int `yaml:"max_per_hour"`
}

// RetryPolicy configures exponential backoff for transport deliveries.
type RetryPolicy struct {
	MaxRetries      int           `yaml:"max_retries"`
	BaseDelay       time.Duration `yaml:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	ExponentialBase float64       `yaml:"exponential_base"`
}

// Binding attaches a channel to a room with access rights, capabilities,
// and per-room configuration. A binding is owned by its room and destroyed
// when the channel is detached.
type Binding struct {
	ChannelID     string
	RoomID        string
	ChannelType   string
	Category      Category
	Direction     BindingDirection
	Access        Access
	Muted         bool
	Visibility    Visibility
	ParticipantID string
	LastReadIndex *int
	AttachedAt    time.Time
	Capabilities  Capabilities
	RateLimit     *RateLimit
	RetryPolicy   *RetryPolicy
	Metadata      map[string]any
}

// Participant is a person or agent present in a room through a channel.
type Participant struct {
	ID         string
	RoomID     string
	ChannelID  string
	Role       string
	Status     string
	IdentityID string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ChannelAddress links an identity to an address on a channel type.
type ChannelAddress struct {
	ChannelType string
	Address     string
}

// Identity is a person known across rooms; its lifetime is independent of
// any room.
type Identity struct {
	ID          string
	DisplayName string
	ExternalID  string
	Addresses   []ChannelAddress
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is a side-effect record produced by hooks or intelligence channels,
// persisted at the end of a successful pipeline run.
type Task struct {
	ID        string
	RoomID    string
	Payload   map[string]any
	Status    TaskStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Observation is a free-form note produced by hooks or intelligence
// channels, persisted at the end of a successful pipeline run.
type Observation struct {
	ID        string
	RoomID    string
	Payload   map[string]any
	CreatedAt time.Time
}

// Store defines the persistence contract for all roomkit entities.
//
// AddEvent assigns the event's index and enforces idempotency-key
// uniqueness; both guarantees hold only when the caller runs inside the
// room's exclusive section. Cross-room access is serialized by the store's
// own synchronization.
type Store interface {
	// Rooms
	CreateRoom(ctx context.Context, room *Room) error
	GetRoom(ctx context.Context, id string) (*Room, error)
	UpdateRoom(ctx context.Context, room *Room) error
	DeleteRoom(ctx context.Context, id string) error
	ListRooms(ctx context.Context, limit int) ([]*Room, error)
	FindRoomByChannel(ctx context.Context, channelID string) (*Room, error)
	FindRoomByParticipant(ctx context.Context, channelType, participantID string) (*Room, error)
	FindLatestRoom(ctx context.Context) (*Room, error)

	// Events
	AddEvent(ctx context.Context, event *RoomEvent) error
	GetEvent(ctx context.Context, id string) (*RoomEvent, error)
	ListEvents(ctx context.Context, roomID string, afterIndex, limit int) ([]*RoomEvent, error)
	EventCount(ctx context.Context, roomID string) (int, error)
	FindEventByIdempotencyKey(ctx context.Context, roomID, key string) (*RoomEvent, error)

	// Bindings
	AddBinding(ctx context.Context, binding *Binding) error
	GetBinding(ctx context.Context, channelID string) (*Binding, error)
	UpdateBinding(ctx context.Context, binding *Binding) error
	RemoveBinding(ctx context.Context, channelID string) error
	ListBindings(ctx context.Context, roomID string) ([]*Binding, error)

	// Participants
	AddParticipant(ctx context.Context, p *Participant) error
	GetParticipant(ctx context.Context, id string) (*Participant, error)
	UpdateParticipant(ctx context.Context, p *Participant) error
	ListParticipants(ctx context.Context, roomID string) ([]*Participant, error)

	// Identities
	CreateIdentity(ctx context.Context, identity *Identity) error
	GetIdentity(ctx context.Context, id string) (*Identity, error)
	ResolveIdentity(ctx context.Context, channelType, address string) (*Identity, error)
	LinkAddress(ctx context.Context, identityID string, addr ChannelAddress) error

	// Tasks and observations
	AddTask(ctx context.Context, task *Task) error
	ListTasksByStatus(ctx context.Context, roomID string, status TaskStatus) ([]*Task, error)
	UpdateTask(ctx context.Context, task *Task) error
	AddObservation(ctx context.Context, obs *Observation) error
	ListObservations(ctx context.Context, roomID string) ([]*Observation, error)

	// Read tracking
	MarkRead(ctx context.Context, roomID, channelID string, index int) error
	MarkAllRead(ctx context.Context, roomID, channelID string) error
	UnreadCount(ctx context.Context, roomID, channelID string) (int, error)

	// Close releases any resources held by the store.
	Close() error
}
