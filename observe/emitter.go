// ABOUTME: Framework-event emission for observability of internal transitions
// ABOUTME: Named handlers invoked fire-and-forget with a small per-handler timeout

package observe

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Framework event names emitted by the pipeline and router.
const (
	RoomCreated             = "room_created"
	RoomClosed              = "room_closed"
	EventBlocked            = "event_blocked"
	DeliverySucceeded       = "delivery_succeeded"
	DeliveryFailed          = "delivery_failed"
	BroadcastPartialFailure = "broadcast_partial_failure"
	ChainDepthExceeded      = "chain_depth_exceeded"
	IdentityTimeout         = "identity_timeout"
	ProcessTimeout          = "process_timeout"
	HookError               = "hook_error"
	TranscodingFailed       = "transcoding_failed"
)

// DefaultHandlerTimeout bounds how long the emitter waits on a handler
// before logging it as slow and moving on.
const DefaultHandlerTimeout = 2 * time.Second

// Event is a framework-level notification, separate from RoomEvents.
type Event struct {
	Name      string
	RoomID    string
	ChannelID string
	Data      map[string]any
	Timestamp time.Time
}

// Handler consumes framework events.
type Handler func(Event)

type registration struct {
	id string
	fn Handler
}

// Emitter dispatches framework events to handlers registered by name.
// Emission never blocks the pipeline: handlers run on their own
// goroutines and slow handlers are logged, not waited for.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewEmitter creates an emitter. Pass nil logger for the default.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		handlers: make(map[string][]registration),
		timeout:  DefaultHandlerTimeout,
		logger:   logger.With("component", "observe"),
	}
}

// On registers a handler for the named event and returns a registration
// id for Off.
func (e *Emitter) On(name string, fn Handler) string {
	id := uuid.New().String()
	e.mu.Lock()
	e.handlers[name] = append(e.handlers[name], registration{id: id, fn: fn})
	e.mu.Unlock()
	return id
}

// Off removes a registration by id.
func (e *Emitter) Off(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, regs := range e.handlers {
		for i, reg := range regs {
			if reg.id == id {
				e.handlers[name] = append(regs[:i], regs[i+1:]...)
				return
			}
		}
	}
}

// Emit dispatches the event to all handlers registered under its name,
// fire-and-forget. A nil Emitter drops everything.
func (e *Emitter) Emit(name, roomID, channelID string, data map[string]any) {
	if e == nil {
		return
	}
	e.mu.RLock()
	regs := append([]registration(nil), e.handlers[name]...)
	e.mu.RUnlock()
	if len(regs) == 0 {
		return
	}

	ev := Event{
		Name:      name,
		RoomID:    roomID,
		ChannelID: channelID,
		Data:      data,
		Timestamp: time.Now(),
	}
	for _, reg := range regs {
		go e.run(reg, ev)
	}
}

// run invokes one handler with panic isolation and a slowness watchdog.
// The handler goroutine cannot be killed; exceeding the timeout is
// logged so a stuck handler is at least visible.
func (e *Emitter) run(reg registration, ev Event) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("framework event handler panicked",
					"event", ev.Name,
					"panic", r)
			}
		}()
		reg.fn(ev)
	}()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		e.logger.Warn("framework event handler exceeded timeout",
			"event", ev.Name,
			"timeout", e.timeout)
	}
}
