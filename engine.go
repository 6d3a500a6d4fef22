// ABOUTME: Engine wires the store, locks, hooks, guards, and channels together
// ABOUTME: Hosts embed one Engine and feed it inbound messages from their adapters

package roomkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/roomkit-live/roomkit/breaker"
	"github.com/roomkit-live/roomkit/config"
	"github.com/roomkit-live/roomkit/dedupe"
	"github.com/roomkit-live/roomkit/hook"
	"github.com/roomkit-live/roomkit/identity"
	"github.com/roomkit-live/roomkit/lock"
	"github.com/roomkit-live/roomkit/metrics"
	"github.com/roomkit-live/roomkit/observe"
	"github.com/roomkit-live/roomkit/ratelimit"
	"github.com/roomkit-live/roomkit/realtime"
	"github.com/roomkit-live/roomkit/retry"
	"github.com/roomkit-live/roomkit/route"
	"github.com/roomkit-live/roomkit/store"
)

// Defaults for engine knobs not overridden by options.
const (
	DefaultMaxChainDepth  = 3
	DefaultProcessTimeout = 30 * time.Second
)

// ErrChannelNotRegistered is returned when an inbound message names a
// channel the engine does not know.
var ErrChannelNotRegistered = errors.New("channel not registered")

// ErrRoutingFailed is returned when no room matches and auto-create is
// disabled.
var ErrRoutingFailed = errors.New("routing failed: no room for inbound message")

// ErrProcessTimeout is returned when the pipeline could not finish
// within the process timeout; the event may be partially processed.
var ErrProcessTimeout = errors.New("pipeline exceeded process timeout")

// ErrAccessDenied is returned when a binding without write access tries
// to originate an event. Such a binding never appears as the source of
// a persisted event.
var ErrAccessDenied = errors.New("binding has no write access")

// guards bundles the per-channel delivery protections.
type guards struct {
	breaker *breaker.Breaker
	limiter *ratelimit.Limiter
	retry   retry.Config
}

// Engine is the conversation orchestrator. It owns no network surface;
// hosts register channel adapters and call ProcessInbound from their
// own listeners.
type Engine struct {
	store    store.Store
	locks    *lock.Manager
	hooks    *hook.Engine
	identity *identity.Pipeline
	router   route.Router
	bus      realtime.Bus
	emitter  *observe.Emitter
	metrics  *metrics.Metrics
	dedupe   *dedupe.Cache
	inflight *semaphore.Weighted

	mu       sync.RWMutex
	channels map[string]Channel
	guards   map[string]*guards

	maxChainDepth  int
	processTimeout time.Duration
	autoCreate     bool
	lockSize       int

	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger; components derive theirs from it.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithBus replaces the default in-memory realtime bus.
func WithBus(bus realtime.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithRouter replaces the default store-backed inbound router.
func WithRouter(r route.Router) Option {
	return func(e *Engine) { e.router = r }
}

// WithIdentity installs an identity pipeline. Without one, inbound
// events skip identity resolution.
func WithIdentity(p *identity.Pipeline) Option {
	return func(e *Engine) { e.identity = p }
}

// WithMetrics enables Prometheus collection.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithMaxChainDepth bounds reentry generations. Zero blocks every
// response event.
func WithMaxChainDepth(depth int) Option {
	return func(e *Engine) {
		if depth >= 0 {
			e.maxChainDepth = depth
		}
	}
}

// WithProcessTimeout bounds the sectioned part of the pipeline.
func WithProcessTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.processTimeout = d
		}
	}
}

// WithLockRegistrySize bounds the idle room-lock registry.
func WithLockRegistrySize(size int) Option {
	return func(e *Engine) { e.lockSize = size }
}

// WithAutoCreateRooms controls whether unroutable inbound messages
// materialize a new room. Enabled by default.
func WithAutoCreateRooms(enabled bool) Option {
	return func(e *Engine) { e.autoCreate = enabled }
}

// WithMaxConcurrentPipelines caps simultaneous pipeline runs across all
// rooms. Zero means unbounded.
func WithMaxConcurrentPipelines(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.inflight = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithDedupe installs the inbound redelivery cache.
func WithDedupe(ttl time.Duration, maxSize int) Option {
	return func(e *Engine) { e.dedupe = dedupe.New(ttl, maxSize) }
}

// WithConfig applies a loaded configuration's engine and dedupe
// sections. Later options override it.
func WithConfig(cfg *config.Config) Option {
	return func(e *Engine) {
		if cfg.Engine.MaxChainDepth > 0 {
			e.maxChainDepth = cfg.Engine.MaxChainDepth
		}
		if cfg.Engine.ProcessTimeout > 0 {
			e.processTimeout = cfg.Engine.ProcessTimeout
		}
		if cfg.Engine.LockRegistrySize > 0 {
			e.lockSize = cfg.Engine.LockRegistrySize
		}
		if cfg.Engine.MaxConcurrentPipelines > 0 {
			e.inflight = semaphore.NewWeighted(int64(cfg.Engine.MaxConcurrentPipelines))
		}
		if cfg.Engine.AutoCreateRooms != nil {
			e.autoCreate = *cfg.Engine.AutoCreateRooms
		}
		if cfg.Dedupe.TTL > 0 && cfg.Dedupe.MaxSize > 0 {
			e.dedupe = dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize)
		}
	}
}

// GuardFromConfig converts a channel's configuration section into the
// guard used at registration.
func GuardFromConfig(cc config.ChannelConfig) *GuardConfig {
	guard := &GuardConfig{
		FailureThreshold: cc.FailureThreshold,
		RecoveryTime:     cc.RecoveryTime,
	}
	if cc.RateLimit != (config.RateLimitConfig{}) {
		guard.RateLimit = &store.RateLimit{
			MaxPerSecond: cc.RateLimit.MaxPerSecond,
			MaxPerMinute: cc.RateLimit.MaxPerMinute,
			MaxPerHour:   cc.RateLimit.MaxPerHour,
		}
	}
	if cc.Retry != (config.RetryConfig{}) {
		guard.RetryPolicy = &store.RetryPolicy{
			MaxRetries:      cc.Retry.MaxRetries,
			BaseDelay:       cc.Retry.BaseDelay,
			MaxDelay:        cc.Retry.MaxDelay,
			ExponentialBase: cc.Retry.ExponentialBase,
		}
	}
	return guard
}

// New creates an engine over the given store.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:          st,
		channels:       make(map[string]Channel),
		guards:         make(map[string]*guards),
		maxChainDepth:  DefaultMaxChainDepth,
		processTimeout: DefaultProcessTimeout,
		autoCreate:     true,
		lockSize:       lock.DefaultRegistrySize,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "roomkit")
	e.locks = lock.NewManager(e.lockSize)
	e.hooks = hook.NewEngine(e.logger)
	e.emitter = observe.NewEmitter(e.logger)
	if e.router == nil {
		e.router = route.NewStoreRouter(st)
	}
	if e.bus == nil {
		e.bus = realtime.NewMemoryBus(e.logger)
	}
	return e
}

// Hooks exposes the hook engine for registration.
func (e *Engine) Hooks() *hook.Engine { return e.hooks }

// Store exposes the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Bus exposes the realtime bus.
func (e *Engine) Bus() realtime.Bus { return e.bus }

// RegisterChannel adds a channel adapter. A nil guard uses breaker and
// retry defaults with no rate limit.
func (e *Engine) RegisterChannel(ch Channel, guard *GuardConfig) error {
	if ch.ID() == "" {
		return fmt.Errorf("channel id is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.channels[ch.ID()]; exists {
		return fmt.Errorf("channel %s already registered", ch.ID())
	}
	e.channels[ch.ID()] = ch

	g := &guards{retry: retry.DefaultConfig()}
	if guard != nil {
		g.breaker = breaker.New(guard.FailureThreshold, guard.RecoveryTime)
		if guard.RateLimit != nil {
			g.limiter = ratelimit.New(ratelimit.Config{
				MaxPerSecond: guard.RateLimit.MaxPerSecond,
				MaxPerMinute: guard.RateLimit.MaxPerMinute,
				MaxPerHour:   guard.RateLimit.MaxPerHour,
			})
		}
		if guard.RetryPolicy != nil {
			g.retry = retryConfig(guard.RetryPolicy)
		}
	} else {
		g.breaker = breaker.New(0, 0)
	}
	e.guards[ch.ID()] = g

	e.logger.Info("channel registered",
		"channel_id", ch.ID(),
		"channel_type", ch.Type(),
		"category", ch.Category())
	return nil
}

// UnregisterChannel removes a channel adapter and closes it.
func (e *Engine) UnregisterChannel(channelID string) error {
	e.mu.Lock()
	ch, ok := e.channels[channelID]
	delete(e.channels, channelID)
	delete(e.guards, channelID)
	e.mu.Unlock()

	if !ok {
		return ErrChannelNotRegistered
	}
	return ch.Close()
}

func (e *Engine) channel(id string) Channel {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.channels[id]
}

func (e *Engine) guardsFor(channelID string) *guards {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.guards[channelID]
}

func retryConfig(p *store.RetryPolicy) retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxRetries = p.MaxRetries
	if p.BaseDelay > 0 {
		cfg.BaseDelay = p.BaseDelay
	}
	if p.MaxDelay > 0 {
		cfg.MaxDelay = p.MaxDelay
	}
	if p.ExponentialBase > 0 {
		cfg.ExponentialBase = p.ExponentialBase
	}
	return cfg
}

// BindingConfig customizes a new binding. Zero values take the
// channel's declared defaults.
type BindingConfig struct {
	Direction     store.BindingDirection
	Access        store.Access
	Visibility    store.Visibility
	Muted         bool
	ParticipantID string
	Capabilities  *store.Capabilities
	RateLimit     *store.RateLimit
	RetryPolicy   *store.RetryPolicy
	Metadata      map[string]any
}

// CreateRoom materializes a new active room.
func (e *Engine) CreateRoom(ctx context.Context, timers store.RoomTimers, metadata map[string]any) (*store.Room, error) {
	now := time.Now()
	room := &store.Room{
		ID:          uuid.New().String(),
		Status:      store.RoomActive,
		CreatedAt:   now,
		UpdatedAt:   now,
		Timers:      timers,
		Metadata:    metadata,
		LatestIndex: -1,
	}
	if err := e.store.CreateRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("creating room: %w", err)
	}
	e.emitter.Emit(observe.RoomCreated, room.ID, "", nil)
	e.logger.Debug("room created", "room_id", room.ID)
	return room, nil
}

// CloseRoom transitions a room to closed. Inbound events addressed to a
// closed room are rejected at routing.
func (e *Engine) CloseRoom(ctx context.Context, roomID string) error {
	room, err := e.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	now := time.Now()
	room.Status = store.RoomClosed
	room.ClosedAt = &now
	room.UpdatedAt = now
	if err := e.store.UpdateRoom(ctx, room); err != nil {
		return fmt.Errorf("closing room: %w", err)
	}
	e.emitter.Emit(observe.RoomClosed, roomID, "", nil)
	return nil
}

// AttachChannel binds a registered channel to a room.
func (e *Engine) AttachChannel(ctx context.Context, roomID, channelID string, cfg BindingConfig) (*store.Binding, error) {
	ch := e.channel(channelID)
	if ch == nil {
		return nil, ErrChannelNotRegistered
	}

	binding := &store.Binding{
		ChannelID:     channelID,
		RoomID:        roomID,
		ChannelType:   ch.Type(),
		Category:      ch.Category(),
		Direction:     ch.Direction(),
		Access:        store.AccessReadWrite,
		Visibility:    store.VisibilityAll,
		Muted:         cfg.Muted,
		ParticipantID: cfg.ParticipantID,
		AttachedAt:    time.Now(),
		Capabilities:  ch.Capabilities(),
		RateLimit:     cfg.RateLimit,
		RetryPolicy:   cfg.RetryPolicy,
		Metadata:      cfg.Metadata,
	}
	if cfg.Direction != "" {
		binding.Direction = cfg.Direction
	}
	if cfg.Access != "" {
		binding.Access = cfg.Access
	}
	if cfg.Visibility != "" {
		binding.Visibility = cfg.Visibility
	}
	if cfg.Capabilities != nil {
		binding.Capabilities = *cfg.Capabilities
	}

	if err := e.store.AddBinding(ctx, binding); err != nil {
		return nil, fmt.Errorf("attaching channel %s: %w", channelID, err)
	}

	// Binding-level guard overrides live on the channel guard so the
	// token bucket persists across deliveries.
	if cfg.RateLimit != nil || cfg.RetryPolicy != nil {
		e.mu.Lock()
		if g := e.guards[channelID]; g != nil {
			if cfg.RateLimit != nil {
				g.limiter = ratelimit.New(ratelimit.Config{
					MaxPerSecond: cfg.RateLimit.MaxPerSecond,
					MaxPerMinute: cfg.RateLimit.MaxPerMinute,
					MaxPerHour:   cfg.RateLimit.MaxPerHour,
				})
			}
			if cfg.RetryPolicy != nil {
				g.retry = retryConfig(cfg.RetryPolicy)
			}
		}
		e.mu.Unlock()
	}
	e.logger.Debug("channel attached", "room_id", roomID, "channel_id", channelID)
	return binding, nil
}

// DetachChannel removes a channel's binding from its room. The binding
// is owned by the room and destroyed here.
func (e *Engine) DetachChannel(ctx context.Context, channelID string) error {
	return e.store.RemoveBinding(ctx, channelID)
}

// On registers a framework-event handler by name.
func (e *Engine) On(name string, fn observe.Handler) string {
	return e.emitter.On(name, fn)
}

// Off removes a framework-event handler.
func (e *Engine) Off(id string) {
	e.emitter.Off(id)
}

// Typing publishes a typing indicator on the realtime bus.
func (e *Engine) Typing(ctx context.Context, roomID, channelID, userID string, active bool) error {
	typ := realtime.TypingStart
	if !active {
		typ = realtime.TypingStop
	}
	return e.bus.Publish(ctx, roomID, &realtime.Event{
		Type:      typ,
		ChannelID: channelID,
		UserID:    userID,
	})
}

// Presence publishes a presence transition on the realtime bus.
func (e *Engine) Presence(ctx context.Context, roomID, channelID, userID string, typ realtime.EphemeralType) error {
	return e.bus.Publish(ctx, roomID, &realtime.Event{
		Type:      typ,
		ChannelID: channelID,
		UserID:    userID,
	})
}

// MarkRead advances a binding's read cursor and announces it as an
// ephemeral read receipt.
func (e *Engine) MarkRead(ctx context.Context, roomID, channelID string, index int) error {
	if err := e.store.MarkRead(ctx, roomID, channelID, index); err != nil {
		return err
	}
	return e.bus.Publish(ctx, roomID, &realtime.Event{
		Type:      realtime.ReadReceipt,
		ChannelID: channelID,
		Data:      map[string]any{"index": index},
	})
}

// UnreadCount reports how many events a binding has not read yet.
func (e *Engine) UnreadCount(ctx context.Context, roomID, channelID string) (int, error) {
	return e.store.UnreadCount(ctx, roomID, channelID)
}

// Close shuts the engine down: channels first, then the bus and the
// dedupe cache. The store is owned by the host and left open.
func (e *Engine) Close() error {
	e.mu.Lock()
	channels := make([]Channel, 0, len(e.channels))
	for _, ch := range e.channels {
		channels = append(channels, ch)
	}
	e.channels = make(map[string]Channel)
	e.guards = make(map[string]*guards)
	e.mu.Unlock()

	var firstErr error
	for _, ch := range channels {
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.bus.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if e.dedupe != nil {
		e.dedupe.Close()
	}
	return firstErr
}
