// ABOUTME: Inbound pipeline orchestrator: route, resolve, lock, hooks, persist, broadcast
// ABOUTME: The canonical processing order for every externally originated event

package roomkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/roomkit-live/roomkit/dedupe"
	"github.com/roomkit-live/roomkit/hook"
	"github.com/roomkit-live/roomkit/observe"
	"github.com/roomkit-live/roomkit/route"
	"github.com/roomkit-live/roomkit/store"
)

// BlockedByChainDepth is the blocked_by marker for reentry events that
// exceeded the chain depth limit.
const BlockedByChainDepth = "event_chain_depth_limit"

// DeliveryStatus classifies one target's broadcast outcome.
type DeliveryStatus string

const (
	DeliverySucceeded   DeliveryStatus = "succeeded"
	DeliveryFailed      DeliveryStatus = "failed"
	DeliveryCircuitOpen DeliveryStatus = "circuit_open"
	DeliverySkipped     DeliveryStatus = "skipped"
)

// DeliveryResult records what happened for one target binding.
type DeliveryResult struct {
	ChannelID string
	EventID   string
	Status    DeliveryStatus
	Reason    string
}

// Result is the structured outcome of ProcessInbound. Blocked events
// are a normal outcome, not a failure; hook errors and per-target
// delivery failures are locally recovered and reported here.
type Result struct {
	Event         *store.RoomEvent
	RoomID        string
	Blocked       bool
	BlockedBy     string
	BlockedReason string
	Duplicate     bool
	HookErrors    []hook.Error
	Deliveries    []DeliveryResult
	ReentryEvents []*store.RoomEvent
	Tasks         []*store.Task
	Observations  []*store.Observation
}

// ProcessInbound runs the full pipeline for one inbound message:
// route the room (auto-creating if allowed), build the canonical event,
// resolve identity, then under the room's exclusive section check
// idempotency, run sync hooks, persist, broadcast, drain reentry, and
// fire async hooks. Unregistered channels, routing and access failures,
// adapter and content errors, store errors, process timeouts and
// cancellation propagate; hook errors and per-target delivery failures
// are recorded in the Result.
func (e *Engine) ProcessInbound(ctx context.Context, msg *InboundMessage) (*Result, error) {
	started := time.Now()
	defer func() { e.metrics.ObservePipeline(time.Since(started)) }()

	ch := e.channel(msg.ChannelID)
	if ch == nil {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotRegistered, msg.ChannelID)
	}

	// Redelivery short-circuit. Cheap front gate before anything else.
	if e.dedupe != nil && msg.ExternalID != "" {
		if e.dedupe.Seen(dedupe.Key(msg.ChannelID, msg.ExternalID)) {
			e.logger.Debug("dropping redelivered inbound",
				"channel_id", msg.ChannelID,
				"external_id", msg.ExternalID)
			e.metrics.EventProcessed("duplicate")
			return &Result{Duplicate: true}, nil
		}
	}

	if e.inflight != nil {
		if err := e.inflight.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer e.inflight.Release(1)
	}

	// 1. Route to a room, materializing one if permitted.
	room, binding, err := e.routeInbound(ctx, ch, msg)
	if err != nil {
		e.metrics.EventProcessed("failed")
		return nil, err
	}
	if binding != nil && !binding.Access.CanWrite() {
		e.metrics.EventProcessed("failed")
		return nil, fmt.Errorf("%w: %s", ErrAccessDenied, msg.ChannelID)
	}

	// 2. Canonical event via the source channel.
	rctx := &RoomContext{Room: room, Binding: binding, Store: e.store, Logger: e.logger}
	ev, err := ch.HandleInbound(ctx, msg, rctx)
	if err != nil {
		e.metrics.EventProcessed("failed")
		return nil, fmt.Errorf("handle_inbound on %s: %w", msg.ChannelID, err)
	}
	e.normalizeInbound(ev, ch, msg, room)
	if err := ev.Content.Validate(); err != nil {
		e.metrics.EventProcessed("failed")
		return nil, fmt.Errorf("invalid content from %s: %w", msg.ChannelID, err)
	}

	// 3. Identity, outside the section; the resolver may suspend.
	var idResult *identityOutcome
	if e.identity != nil && e.identity.Applies(ch.Type()) {
		idResult = e.resolveIdentity(ctx, ev)
	}

	// 4–13. The sectioned part of the pipeline, jointly bounded by the
	// process timeout.
	pctx, cancel := context.WithTimeout(ctx, e.processTimeout)
	defer cancel()

	section, err := e.locks.Acquire(pctx, room.ID)
	if err != nil {
		return nil, e.sectionError(ctx, room.ID, err)
	}
	defer section.Release()

	result, err := e.runSection(pctx, room, ev, idResult)
	if err != nil {
		return nil, e.sectionError(ctx, room.ID, err)
	}
	return result, nil
}

// sectionError maps a deadline on the section context to the process
// timeout error, emitting the corresponding framework event.
func (e *Engine) sectionError(ctx context.Context, roomID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		e.emitter.Emit(observe.ProcessTimeout, roomID, "", nil)
		e.metrics.EventProcessed("failed")
		return fmt.Errorf("%w: %v", ErrProcessTimeout, err)
	}
	e.metrics.EventProcessed("failed")
	return err
}

// identityOutcome carries what the identity pipeline decided into the
// sectioned part of the run.
type identityOutcome struct {
	blocked   bool
	blockedBy string
	reason    string
	challenge *store.RoomEvent
}

func (e *Engine) resolveIdentity(ctx context.Context, ev *store.RoomEvent) *identityOutcome {
	res := e.identity.Run(ctx, ev)
	if res.TimedOut {
		e.emitter.Emit(observe.IdentityTimeout, ev.RoomID, ev.Source.ChannelID, nil)
	}
	if res.Resolution != nil && res.Resolution.Identity != nil {
		if ev.Metadata == nil {
			ev.Metadata = make(map[string]any)
		}
		ev.Metadata["identity_id"] = res.Resolution.Identity.ID
	}
	if !res.Blocked {
		return nil
	}
	return &identityOutcome{
		blocked:   true,
		blockedBy: res.BlockedBy,
		reason:    res.Reason,
		challenge: res.Challenge,
	}
}

// routeInbound resolves the room for an inbound message, creating a room
// and attaching the source channel when routing says so.
func (e *Engine) routeInbound(ctx context.Context, ch Channel, msg *InboundMessage) (*store.Room, *store.Binding, error) {
	dec, err := e.router.Route(ctx, msg.ChannelID, ch.Type(), msg.ParticipantID)
	if err != nil {
		if errors.Is(err, route.ErrRoomClosed) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrRoutingFailed, err)
	}

	if !dec.Create {
		room, err := e.store.GetRoom(ctx, dec.RoomID)
		if err != nil {
			return nil, nil, fmt.Errorf("loading routed room %s: %w", dec.RoomID, err)
		}
		binding, err := e.store.GetBinding(ctx, msg.ChannelID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, nil, err
		}
		return room, binding, nil
	}

	if !e.autoCreate {
		return nil, nil, ErrRoutingFailed
	}

	room, err := e.CreateRoom(ctx, store.RoomTimers{}, nil)
	if err != nil {
		return nil, nil, err
	}
	binding, err := e.AttachChannel(ctx, room.ID, msg.ChannelID, BindingConfig{
		ParticipantID: msg.ParticipantID,
	})
	if err != nil {
		return nil, nil, err
	}
	e.logger.Debug("room auto-created for inbound",
		"room_id", room.ID,
		"channel_id", msg.ChannelID)
	return room, binding, nil
}

// normalizeInbound fills the canonical defaults the adapter left unset.
func (e *Engine) normalizeInbound(ev *store.RoomEvent, ch Channel, msg *InboundMessage, room *store.Room) {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	ev.RoomID = room.ID
	if ev.Type == "" {
		ev.Type = store.EventMessage
	}
	if ev.Status == "" {
		ev.Status = store.StatusPending
	}
	if ev.Visibility == "" {
		ev.Visibility = store.VisibilityAll
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	ev.Source.ChannelID = msg.ChannelID
	ev.Source.ChannelType = ch.Type()
	ev.Source.Direction = store.DirectionInbound
	if ev.Source.ParticipantID == "" {
		ev.Source.ParticipantID = msg.ParticipantID
	}
	if ev.Source.ExternalID == "" {
		ev.Source.ExternalID = msg.ExternalID
	}
	if ev.IdempotencyKey == "" {
		ev.IdempotencyKey = msg.IdempotencyKey
	}
	ev.ChainDepth = 0
}

// runSection executes steps 5–13 of the canonical order while the room's
// section is held.
func (e *Engine) runSection(ctx context.Context, room *store.Room, ev *store.RoomEvent, idResult *identityOutcome) (*Result, error) {
	// Fresh room state under the section; the routed copy may be stale.
	room, err := e.store.GetRoom(ctx, room.ID)
	if err != nil {
		return nil, err
	}

	result := &Result{RoomID: room.ID}

	// 5. Idempotency: a duplicate returns the previously stored event.
	if ev.IdempotencyKey != "" {
		prior, err := e.store.FindEventByIdempotencyKey(ctx, room.ID, ev.IdempotencyKey)
		if err == nil {
			e.logger.Debug("idempotency hit",
				"room_id", room.ID,
				"idempotency_key", ev.IdempotencyKey,
				"event_id", prior.ID)
			e.metrics.EventProcessed("duplicate")
			result.Event = prior
			result.Duplicate = true
			return result, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	// Identity verdicts block before hooks ever see the event.
	if idResult != nil && idResult.blocked {
		return e.blockEvent(ctx, room, ev, result, idResult.blockedBy, idResult.reason, idResult.challenge)
	}

	hctx := &hook.Context{Room: room, ChainDepth: 0, Logger: e.logger}

	// 7. Sync before_broadcast hooks.
	sr := e.hooks.RunSync(ctx, hook.BeforeBroadcast, ev, hctx)
	injected := e.collectHookResult(result, sr)
	if sr.Blocked {
		res, err := e.blockEvent(ctx, room, sr.Event, result, sr.BlockedBy, sr.Reason, nil)
		if err != nil {
			return nil, err
		}
		if err := e.persistInjected(ctx, room, injected, res); err != nil {
			return nil, err
		}
		// Async hooks still run for blocked events.
		e.runAsyncHooks(ctx, sr.Event, hctx, res)
		return res, nil
	}
	ev = sr.Event

	// 8. Persist with delivered status; the store assigns the index.
	ev.Status = store.StatusDelivered
	if err := e.addEvent(ctx, ev); err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			prior, lookupErr := e.store.FindEventByIdempotencyKey(ctx, room.ID, ev.IdempotencyKey)
			if lookupErr == nil {
				result.Event = prior
				result.Duplicate = true
				return result, nil
			}
		}
		return nil, err
	}
	result.Event = ev

	// 9–10. Broadcast and drain reentry, seeded with hook-injected
	// events at the same chain depth.
	if err := e.broadcastAndDrain(ctx, room, ev, injected, hctx, result); err != nil {
		return nil, err
	}

	// 11. Persist accumulated side effects.
	if err := e.persistSideEffects(ctx, room.ID, result); err != nil {
		return nil, err
	}

	// 12. Async after_broadcast hooks, joined before the section ends.
	e.runAsyncHooks(ctx, ev, hctx, result)

	// 13. Room activity.
	if err := e.touchRoom(ctx, room.ID); err != nil {
		return nil, err
	}

	e.metrics.EventProcessed("delivered")
	return result, nil
}

// blockEvent persists the event as blocked and finishes the run without
// broadcasting. Side effects accumulated so far still persist.
func (e *Engine) blockEvent(ctx context.Context, room *store.Room, ev *store.RoomEvent, result *Result, blockedBy, reason string, challenge *store.RoomEvent) (*Result, error) {
	ev.Status = store.StatusBlocked
	ev.BlockedBy = blockedBy
	if err := e.addEvent(ctx, ev); err != nil && !errors.Is(err, store.ErrDuplicateIdempotencyKey) {
		return nil, err
	}
	result.Event = ev
	result.Blocked = true
	result.BlockedBy = blockedBy
	result.BlockedReason = reason

	e.emitter.Emit(observe.EventBlocked, room.ID, ev.Source.ChannelID, map[string]any{
		"event_id":   ev.ID,
		"blocked_by": blockedBy,
		"reason":     reason,
	})
	e.metrics.EventProcessed("blocked")

	// An identity challenge goes straight back to the sender; it is not
	// a broadcast.
	if challenge != nil {
		e.sendChallenge(ctx, room, ev, challenge, result)
	}

	if err := e.persistSideEffects(ctx, room.ID, result); err != nil {
		return nil, err
	}
	if err := e.touchRoom(ctx, room.ID); err != nil {
		return nil, err
	}
	return result, nil
}

// sendChallenge persists a verification event and delivers it to the
// blocked sender's channel only.
func (e *Engine) sendChallenge(ctx context.Context, room *store.Room, original *store.RoomEvent, challenge *store.RoomEvent, result *Result) {
	challenge.RoomID = room.ID
	if challenge.ID == "" {
		challenge.ID = ulid.Make().String()
	}
	if challenge.Type == "" {
		challenge.Type = store.EventSystem
	}
	challenge.ParentEventID = original.ID
	challenge.Visibility = store.Visibility(original.Source.ChannelID)
	challenge.Status = store.StatusDelivered
	if challenge.CreatedAt.IsZero() {
		challenge.CreatedAt = time.Now()
	}
	if err := e.addEvent(ctx, challenge); err != nil {
		e.logger.Error("persisting identity challenge failed",
			"room_id", room.ID,
			"error", err)
		return
	}

	binding, err := e.store.GetBinding(ctx, original.Source.ChannelID)
	if err != nil {
		return
	}
	ch := e.channel(original.Source.ChannelID)
	if ch == nil || binding.Category != store.CategoryTransport {
		return
	}
	rctx := &RoomContext{Room: room, Binding: binding, Store: e.store, Logger: e.logger}
	result.Deliveries = append(result.Deliveries, e.deliverToTarget(ctx, ch, challenge, binding, rctx))
}

// collectHookResult folds a sync chain's side effects into the result
// and returns the events the hooks injected.
func (e *Engine) collectHookResult(result *Result, sr *hook.SyncResult) []*store.RoomEvent {
	result.HookErrors = append(result.HookErrors, sr.Errors...)
	result.Tasks = append(result.Tasks, sr.Tasks...)
	result.Observations = append(result.Observations, sr.Observations...)
	for _, hookErr := range sr.Errors {
		e.emitHookError(result.RoomID, hookErr)
	}
	return sr.InjectedEvents
}

func (e *Engine) emitHookError(roomID string, hookErr hook.Error) {
	e.emitter.Emit(observe.HookError, roomID, "", map[string]any{
		"hook":      hookErr.Hook,
		"error":     hookErr.Error(),
		"timed_out": hookErr.TimedOut,
	})
	e.metrics.HookError()
}

func (e *Engine) runAsyncHooks(ctx context.Context, ev *store.RoomEvent, hctx *hook.Context, result *Result) {
	errs := e.hooks.RunAsync(ctx, hook.AfterBroadcast, ev, hctx)
	result.HookErrors = append(result.HookErrors, errs...)
	for _, hookErr := range errs {
		e.emitHookError(result.RoomID, hookErr)
	}
}

// addEvent persists an event through the store, which assigns its index
// under the held section.
func (e *Engine) addEvent(ctx context.Context, ev *store.RoomEvent) error {
	if err := e.store.AddEvent(ctx, ev); err != nil {
		return err
	}
	e.logger.Debug("event stored",
		"room_id", ev.RoomID,
		"event_id", ev.ID,
		"index", ev.Index,
		"status", ev.Status,
		"chain_depth", ev.ChainDepth)
	return nil
}

// persistSideEffects stores tasks and observations accumulated during
// the run, filling ids and room ownership.
func (e *Engine) persistSideEffects(ctx context.Context, roomID string, result *Result) error {
	now := time.Now()
	for _, task := range result.Tasks {
		if task.ID == "" {
			task.ID = ulid.Make().String()
		}
		if task.RoomID == "" {
			task.RoomID = roomID
		}
		if task.Status == "" {
			task.Status = store.TaskPending
		}
		if task.CreatedAt.IsZero() {
			task.CreatedAt = now
		}
		task.UpdatedAt = now
		if err := e.store.AddTask(ctx, task); err != nil {
			return fmt.Errorf("persisting task: %w", err)
		}
	}
	for _, obs := range result.Observations {
		if obs.ID == "" {
			obs.ID = ulid.Make().String()
		}
		if obs.RoomID == "" {
			obs.RoomID = roomID
		}
		if obs.CreatedAt.IsZero() {
			obs.CreatedAt = now
		}
		if err := e.store.AddObservation(ctx, obs); err != nil {
			return fmt.Errorf("persisting observation: %w", err)
		}
	}
	return nil
}

// persistInjected stores hook-injected events when the original was
// blocked: they are persisted without broadcast and surfaced to the
// caller.
func (e *Engine) persistInjected(ctx context.Context, room *store.Room, injected []*store.RoomEvent, result *Result) error {
	for _, child := range injected {
		e.normalizeChild(child, room, 0)
		child.Status = store.StatusDelivered
		if err := e.addEvent(ctx, child); err != nil {
			return err
		}
		result.ReentryEvents = append(result.ReentryEvents, child)
	}
	return nil
}

func (e *Engine) touchRoom(ctx context.Context, roomID string) error {
	room, err := e.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	room.UpdatedAt = time.Now()
	return e.store.UpdateRoom(ctx, room)
}
