// ABOUTME: Hook registration and execution for the inbound pipeline
// ABOUTME: Deterministic sync block/allow/modify chain; concurrent async fan-out

package hook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roomkit-live/roomkit/store"
)

// Trigger names a pipeline point hooks can attach to.
type Trigger string

const (
	BeforeBroadcast Trigger = "before_broadcast"
	AfterBroadcast  Trigger = "after_broadcast"
)

// Execution selects how a hook runs: sync hooks participate in the
// block/allow/modify chain, async hooks are fire-and-forget side effects.
type Execution string

const (
	ExecutionSync  Execution = "sync"
	ExecutionAsync Execution = "async"
)

// DefaultTimeout bounds a hook that carries no timeout of its own.
const DefaultTimeout = 5 * time.Second

// Action is a sync hook's verdict on the event.
type Action int

const (
	ActionAllow Action = iota
	ActionAllowModified
	ActionBlock
)

// Outcome is what a sync hook returns. Alongside the verdict, a hook may
// inject events, tasks, and observations; injected side effects flow out
// of the pipeline even when the verdict is a block.
type Outcome struct {
	Action       Action
	Event        *store.RoomEvent // replacement event for ActionAllowModified
	Reason       string           // human-readable reason for ActionBlock
	InjectEvents []*store.RoomEvent
	Tasks        []*store.Task
	Observations []*store.Observation
}

// Allow passes the event through unchanged.
func Allow() *Outcome {
	return &Outcome{Action: ActionAllow}
}

// AllowModified replaces the event propagated to the next hook.
func AllowModified(ev *store.RoomEvent) *Outcome {
	return &Outcome{Action: ActionAllowModified, Event: ev}
}

// Block stops the sync chain and blocks the event.
func Block(reason string) *Outcome {
	return &Outcome{Action: ActionBlock, Reason: reason}
}

// Context carries pipeline state into hook callbacks.
type Context struct {
	Room       *store.Room
	ChainDepth int
	Logger     *slog.Logger
}

// SyncFunc is a sync hook callback. Returning a nil Outcome counts as
// allow. Errors do not block the event; they are captured as hook
// errors and the chain continues.
type SyncFunc func(ctx context.Context, ev *store.RoomEvent, hctx *Context) (*Outcome, error)

// AsyncFunc is an async hook callback.
type AsyncFunc func(ctx context.Context, ev *store.RoomEvent, hctx *Context) error

// Filters narrow which events a hook sees. A nil slice matches
// everything; a populated slice matches when the event's value is in it.
type Filters struct {
	ChannelTypes []string
	ChannelIDs   []string
	Directions   []store.Direction
}

func (f Filters) match(ev *store.RoomEvent) bool {
	if f.ChannelTypes != nil && !containsString(f.ChannelTypes, ev.Source.ChannelType) {
		return false
	}
	if f.ChannelIDs != nil && !containsString(f.ChannelIDs, ev.Source.ChannelID) {
		return false
	}
	if f.Directions != nil {
		found := false
		for _, d := range f.Directions {
			if d == ev.Source.Direction {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Registration describes a hook. RoomID scopes the hook to one room;
// empty means global. Exactly one of Sync or Async must be set,
// matching Execution.
type Registration struct {
	Name      string
	Trigger   Trigger
	Execution Execution
	Priority  int
	Timeout   time.Duration
	Filters   Filters
	RoomID    string
	Sync      SyncFunc
	Async     AsyncFunc
}

type registered struct {
	Registration
	id  string
	seq uint64
}

// Error records a hook that failed or timed out. Hook errors are
// non-fatal: the pipeline continues and surfaces them in its result.
type Error struct {
	Hook     string
	Err      error
	TimedOut bool
}

func (e Error) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("hook %s timed out", e.Hook)
	}
	return fmt.Sprintf("hook %s: %v", e.Hook, e.Err)
}

// SyncResult is the outcome of a sync chain run.
type SyncResult struct {
	Event          *store.RoomEvent
	Blocked        bool
	BlockedBy      string
	Reason         string
	InjectedEvents []*store.RoomEvent
	Tasks          []*store.Task
	Observations   []*store.Observation
	Errors         []Error
}

// Engine owns hook registrations. Reads during pipeline execution are
// concurrent; register/unregister may happen at any time and do not
// affect already-started runs.
type Engine struct {
	mu     sync.RWMutex
	hooks  map[string]*registered
	seq    uint64
	logger *slog.Logger
}

// NewEngine creates an empty hook engine. Pass nil logger for default.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		hooks:  make(map[string]*registered),
		logger: logger.With("component", "hooks"),
	}
}

// Register adds a hook and returns its registration id.
func (e *Engine) Register(reg Registration) (string, error) {
	if reg.Name == "" {
		return "", fmt.Errorf("hook name is required")
	}
	if reg.Trigger == "" {
		return "", fmt.Errorf("hook trigger is required")
	}
	switch reg.Execution {
	case ExecutionSync:
		if reg.Sync == nil {
			return "", fmt.Errorf("sync hook %s has no callback", reg.Name)
		}
	case ExecutionAsync:
		if reg.Async == nil {
			return "", fmt.Errorf("async hook %s has no callback", reg.Name)
		}
	default:
		return "", fmt.Errorf("hook %s has unknown execution %q", reg.Name, reg.Execution)
	}
	if reg.Timeout <= 0 {
		reg.Timeout = DefaultTimeout
	}

	id := uuid.New().String()
	e.mu.Lock()
	e.seq++
	e.hooks[id] = &registered{Registration: reg, id: id, seq: e.seq}
	e.mu.Unlock()

	e.logger.Debug("hook registered",
		"hook", reg.Name,
		"trigger", reg.Trigger,
		"execution", reg.Execution,
		"room_id", reg.RoomID)
	return id, nil
}

// Unregister removes a hook by registration id. Unknown ids are a no-op.
func (e *Engine) Unregister(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.hooks, id)
}

// matching snapshots the hooks for a trigger in deterministic order:
// scope filter, then the three value filters, then priority (lower
// first, ties by registration order).
func (e *Engine) matching(trigger Trigger, execution Execution, ev *store.RoomEvent, roomID string) []*registered {
	e.mu.RLock()
	var out []*registered
	for _, h := range e.hooks {
		if h.Trigger != trigger || h.Execution != execution {
			continue
		}
		if h.RoomID != "" && h.RoomID != roomID {
			continue
		}
		if !h.Filters.match(ev) {
			continue
		}
		out = append(out, h)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// RunSync executes the sync chain for a trigger. The first block stops
// the chain; allow_modified swaps the event seen by later hooks; errors
// and timeouts are recorded and skipped over.
func (e *Engine) RunSync(ctx context.Context, trigger Trigger, ev *store.RoomEvent, hctx *Context) *SyncResult {
	result := &SyncResult{Event: ev}

	for _, h := range e.matching(trigger, ExecutionSync, ev, ev.RoomID) {
		outcome, err := e.callSync(ctx, h, result.Event, hctx)
		if err != nil {
			hookErr := Error{Hook: h.Name, Err: err, TimedOut: ctx.Err() == nil && isTimeout(err)}
			result.Errors = append(result.Errors, hookErr)
			e.logger.Warn("sync hook failed",
				"hook", h.Name,
				"trigger", trigger,
				"error", err)
			continue
		}
		if outcome == nil {
			continue
		}

		result.InjectedEvents = append(result.InjectedEvents, outcome.InjectEvents...)
		result.Tasks = append(result.Tasks, outcome.Tasks...)
		result.Observations = append(result.Observations, outcome.Observations...)

		switch outcome.Action {
		case ActionAllow:
		case ActionAllowModified:
			if outcome.Event != nil {
				result.Event = outcome.Event
			}
		case ActionBlock:
			result.Blocked = true
			result.BlockedBy = h.Name
			result.Reason = outcome.Reason
			return result
		}
	}
	return result
}

// callSync runs one sync hook under its timeout. The hook goroutine is
// not killed on timeout; its eventual result is discarded.
func (e *Engine) callSync(ctx context.Context, h *registered, ev *store.RoomEvent, hctx *Context) (*Outcome, error) {
	hookCtx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	type reply struct {
		outcome *Outcome
		err     error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: fmt.Errorf("hook panicked: %v", r)}
			}
		}()
		outcome, err := h.Sync(hookCtx, ev, hctx)
		done <- reply{outcome: outcome, err: err}
	}()

	select {
	case r := <-done:
		return r.outcome, r.err
	case <-hookCtx.Done():
		return nil, fmt.Errorf("hook %s: %w", h.Name, hookCtx.Err())
	}
}

// RunAsync fires all matching async hooks concurrently, each under its
// own timeout, and waits for them. Failures come back as hook errors;
// ordering between hooks is unobservable.
func (e *Engine) RunAsync(ctx context.Context, trigger Trigger, ev *store.RoomEvent, hctx *Context) []Error {
	hooks := e.matching(trigger, ExecutionAsync, ev, ev.RoomID)
	if len(hooks) == 0 {
		return nil
	}

	var (
		mu   sync.Mutex
		errs []Error
		wg   sync.WaitGroup
	)
	for _, h := range hooks {
		wg.Add(1)
		go func(h *registered) {
			defer wg.Done()
			if err := e.callAsync(ctx, h, ev, hctx); err != nil {
				mu.Lock()
				errs = append(errs, Error{Hook: h.Name, Err: err, TimedOut: isTimeout(err)})
				mu.Unlock()
				e.logger.Warn("async hook failed",
					"hook", h.Name,
					"trigger", trigger,
					"error", err)
			}
		}(h)
	}
	wg.Wait()
	return errs
}

func (e *Engine) callAsync(ctx context.Context, h *registered, ev *store.RoomEvent, hctx *Context) error {
	hookCtx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("hook panicked: %v", r)
			}
		}()
		done <- h.Async(hookCtx, ev, hctx)
	}()

	select {
	case err := <-done:
		return err
	case <-hookCtx.Done():
		return hookCtx.Err()
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
