// ABOUTME: Event router: per-binding eligibility, transcoding, guarded delivery
// ABOUTME: Reentry drain loop for intelligence responses, bounded by chain depth

package roomkit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/roomkit-live/roomkit/breaker"
	"github.com/roomkit-live/roomkit/hook"
	"github.com/roomkit-live/roomkit/observe"
	"github.com/roomkit-live/roomkit/ratelimit"
	"github.com/roomkit-live/roomkit/retry"
	"github.com/roomkit-live/roomkit/store"
	"github.com/roomkit-live/roomkit/transcode"
)

// MetadataAlwaysProcess, when set to true on an event's metadata, makes
// the router include the originating binding as a broadcast target.
const MetadataAlwaysProcess = "_always_process"

// targetOutcome is what processing one binding produced.
type targetOutcome struct {
	delivery     *DeliveryResult
	responses    []*store.RoomEvent
	tasks        []*store.Task
	observations []*store.Observation
}

// broadcastAndDrain broadcasts the persisted event, then works the
// reentry queue FIFO until empty. Depth is tracked per event, so
// parallel fan-outs from one intelligence channel share a depth. The
// queue lives only for the duration of the section.
func (e *Engine) broadcastAndDrain(ctx context.Context, room *store.Room, ev *store.RoomEvent, injected []*store.RoomEvent, hctx *hook.Context, result *Result) error {
	queue, err := e.broadcastEvent(ctx, room, ev, result)
	if err != nil {
		return err
	}
	for _, child := range injected {
		e.normalizeChild(child, room, ev.ChainDepth)
		queue = append(queue, child)
	}

	for len(queue) > 0 {
		child := queue[0]
		queue = queue[1:]

		// Chain depth policy: over-limit events are persisted as
		// blocked with a paired observation, never broadcast.
		if child.ChainDepth > e.maxChainDepth {
			child.Status = store.StatusBlocked
			child.BlockedBy = BlockedByChainDepth
			if err := e.addEvent(ctx, child); err != nil && !errors.Is(err, store.ErrDuplicateIdempotencyKey) {
				return err
			}
			result.ReentryEvents = append(result.ReentryEvents, child)
			result.Observations = append(result.Observations, &store.Observation{
				RoomID: room.ID,
				Payload: map[string]any{
					"kind":        "chain_depth_exceeded",
					"event_id":    child.ID,
					"chain_depth": child.ChainDepth,
					"max_depth":   e.maxChainDepth,
				},
			})
			e.emitter.Emit(observe.ChainDepthExceeded, room.ID, child.Source.ChannelID, map[string]any{
				"event_id":    child.ID,
				"chain_depth": child.ChainDepth,
			})
			e.metrics.ReentryBlocked()
			continue
		}

		// Reentry events pass the same sync gate as external ones.
		chctx := &hook.Context{Room: room, ChainDepth: child.ChainDepth, Logger: hctx.Logger}
		sr := e.hooks.RunSync(ctx, hook.BeforeBroadcast, child, chctx)
		childInjected := e.collectHookResult(result, sr)
		if sr.Blocked {
			blocked := sr.Event
			blocked.Status = store.StatusBlocked
			blocked.BlockedBy = sr.BlockedBy
			if err := e.addEvent(ctx, blocked); err != nil && !errors.Is(err, store.ErrDuplicateIdempotencyKey) {
				return err
			}
			result.ReentryEvents = append(result.ReentryEvents, blocked)
			e.emitter.Emit(observe.EventBlocked, room.ID, blocked.Source.ChannelID, map[string]any{
				"event_id":   blocked.ID,
				"blocked_by": sr.BlockedBy,
				"reason":     sr.Reason,
			})
			for _, inj := range childInjected {
				e.normalizeChild(inj, room, child.ChainDepth)
				queue = append(queue, inj)
			}
			continue
		}
		child = sr.Event
		child.Status = store.StatusDelivered
		if err := e.addEvent(ctx, child); err != nil {
			if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
				continue
			}
			return err
		}
		result.ReentryEvents = append(result.ReentryEvents, child)

		grandchildren, err := e.broadcastEvent(ctx, room, child, result)
		if err != nil {
			return err
		}
		queue = append(queue, grandchildren...)
		for _, inj := range childInjected {
			e.normalizeChild(inj, room, child.ChainDepth)
			queue = append(queue, inj)
		}
	}
	return nil
}

// normalizeChild fills canonical defaults on an event produced inside
// the pipeline.
func (e *Engine) normalizeChild(child *store.RoomEvent, room *store.Room, depth int) {
	if child.ID == "" {
		child.ID = ulid.Make().String()
	}
	child.RoomID = room.ID
	child.ChainDepth = depth
	if child.Type == "" {
		child.Type = store.EventMessage
	}
	if child.Visibility == "" {
		child.Visibility = store.VisibilityAll
	}
	if child.CreatedAt.IsZero() {
		child.CreatedAt = time.Now()
	}
}

// broadcastEvent fans the event out to every eligible binding in the
// room, concurrently, and returns the reentry events intelligence
// targets produced. Per-target failures are recovered into the result;
// only store and cancellation errors propagate.
func (e *Engine) broadcastEvent(ctx context.Context, room *store.Room, ev *store.RoomEvent, result *Result) ([]*store.RoomEvent, error) {
	bindings, err := e.store.ListBindings(ctx, room.ID)
	if err != nil {
		return nil, err
	}

	var source *store.Binding
	for _, b := range bindings {
		if b.ChannelID == ev.Source.ChannelID {
			source = b
			break
		}
	}
	// A source that cannot write, or is muted, emits nothing.
	if source != nil && (!source.Access.CanWrite() || source.Muted) {
		return nil, nil
	}

	alwaysProcess := false
	if v, ok := ev.Metadata[MetadataAlwaysProcess].(bool); ok {
		alwaysProcess = v
	}

	var (
		mu       sync.Mutex
		outcomes []targetOutcome
	)
	g := new(errgroup.Group)
	for _, b := range bindings {
		if b.ChannelID == ev.Source.ChannelID && !alwaysProcess {
			continue
		}
		b := b
		g.Go(func() error {
			out := e.processTarget(ctx, room, ev, b)
			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
			return nil
		})
	}
	// Per-binding work is joined here, before the drain continues.
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var responses []*store.RoomEvent
	succeeded, failed := 0, 0
	for _, out := range outcomes {
		if out.delivery != nil {
			result.Deliveries = append(result.Deliveries, *out.delivery)
			switch out.delivery.Status {
			case DeliverySucceeded:
				succeeded++
			case DeliveryFailed, DeliveryCircuitOpen:
				failed++
			}
		}
		responses = append(responses, out.responses...)
		result.Tasks = append(result.Tasks, out.tasks...)
		result.Observations = append(result.Observations, out.observations...)
	}
	if failed > 0 && succeeded > 0 {
		e.emitter.Emit(observe.BroadcastPartialFailure, room.ID, ev.Source.ChannelID, map[string]any{
			"event_id":  ev.ID,
			"succeeded": succeeded,
			"failed":    failed,
		})
	}
	return responses, nil
}

// processTarget walks one binding through the per-target decision tree:
// access, visibility, transcoding, length policy, OnEvent, and — for
// transports — the guarded delivery chain.
func (e *Engine) processTarget(ctx context.Context, room *store.Room, ev *store.RoomEvent, b *store.Binding) targetOutcome {
	var out targetOutcome

	if !b.Access.CanRead() {
		return out
	}

	visible := ev.Visibility.Allows(b)
	// Suppressed events still reach intelligence for context building;
	// an explicit channel set or category filter binds both categories.
	if !visible && !(ev.Visibility == store.VisibilityNone && b.Category == store.CategoryIntelligence) {
		return out
	}

	content, err := transcode.Transcode(ev.Content, b.Capabilities)
	if err != nil {
		e.emitter.Emit(observe.TranscodingFailed, room.ID, b.ChannelID, map[string]any{
			"event_id":     ev.ID,
			"content_kind": string(ev.Content.Kind),
		})
		e.metrics.TranscodeFailure()
		out.delivery = &DeliveryResult{
			ChannelID: b.ChannelID,
			EventID:   ev.ID,
			Status:    DeliverySkipped,
			Reason:    "not transcodable",
		}
		return out
	}
	content, ok := transcode.EnforceMaxLength(content, b.Capabilities)
	if !ok {
		out.delivery = &DeliveryResult{
			ChannelID: b.ChannelID,
			EventID:   ev.ID,
			Status:    DeliverySkipped,
			Reason:    "max length exceeded",
		}
		return out
	}

	ch := e.channel(b.ChannelID)
	if ch == nil {
		out.delivery = &DeliveryResult{
			ChannelID: b.ChannelID,
			EventID:   ev.ID,
			Status:    DeliveryFailed,
			Reason:    "channel not registered",
		}
		return out
	}

	targetEv := *ev
	targetEv.Content = content
	rctx := &RoomContext{Room: room, Binding: b, Store: e.store, Logger: e.logger}

	// OnEvent fires for every category; intelligence reacts, transports
	// may observe.
	res, onErr := ch.OnEvent(ctx, &targetEv, b, rctx)
	if onErr != nil {
		e.logger.Warn("on_event failed",
			"channel_id", b.ChannelID,
			"event_id", ev.ID,
			"error", onErr)
	}
	if res != nil {
		out.tasks = append(out.tasks, res.Tasks...)
		out.observations = append(out.observations, res.Observations...)
		if b.Category == store.CategoryIntelligence {
			if b.Muted {
				// Mute silences the voice, not the brain: responses are
				// discarded, tasks and observations were kept above.
				if len(res.ResponseEvents) > 0 {
					e.logger.Debug("discarding responses from muted channel",
						"channel_id", b.ChannelID,
						"count", len(res.ResponseEvents))
				}
			} else {
				for _, resp := range res.ResponseEvents {
					resp.Source.ChannelID = b.ChannelID
					resp.Source.ChannelType = b.ChannelType
					resp.Source.Direction = store.DirectionInbound
					resp.ParentEventID = ev.ID
					if resp.CorrelationID == "" {
						if ev.CorrelationID != "" {
							resp.CorrelationID = ev.CorrelationID
						} else {
							resp.CorrelationID = ev.ID
						}
					}
					e.normalizeChild(resp, room, ev.ChainDepth+1)
					out.responses = append(out.responses, resp)
				}
			}
		}
	}

	if b.Category == store.CategoryTransport && visible {
		delivery := e.deliverToTarget(ctx, ch, &targetEv, b, rctx)
		out.delivery = &delivery
	}
	return out
}

// limiterFor picks the channel's limiter. Binding-level rate limits are
// instantiated into the channel guard at attach time, because a token
// bucket only limits if it lives across deliveries.
func limiterFor(g *guards, _ *store.Binding) *ratelimit.Limiter {
	if g == nil {
		return nil
	}
	return g.limiter
}

// retryFor honors a binding's retry policy over the channel default.
func retryFor(g *guards, b *store.Binding) retry.Config {
	if b.RetryPolicy != nil {
		return retryConfig(b.RetryPolicy)
	}
	if g != nil {
		return g.retry
	}
	return retry.DefaultConfig()
}

// deliverToTarget runs a transport delivery under its guards: circuit
// breaker first, then the rate limiter wait, then the retry schedule.
// Breaker state records the overall outcome, after retries.
func (e *Engine) deliverToTarget(ctx context.Context, ch Channel, ev *store.RoomEvent, b *store.Binding, rctx *RoomContext) DeliveryResult {
	g := e.guardsFor(b.ChannelID)
	var (
		brk      *breaker.Breaker
		limiter  = limiterFor(g, b)
		retryCfg = retryFor(g, b)
	)
	if g != nil {
		brk = g.breaker
	}

	err := brk.Run(ctx, func(ctx context.Context) error {
		if err := limiter.Acquire(ctx); err != nil {
			return err
		}
		return retry.Do(ctx, retryCfg, func(ctx context.Context) error {
			return ch.Deliver(ctx, ev, b, rctx)
		})
	})

	switch {
	case errors.Is(err, breaker.ErrOpen):
		e.emitter.Emit(observe.DeliveryFailed, ev.RoomID, b.ChannelID, map[string]any{
			"event_id": ev.ID,
			"reason":   "circuit_open",
		})
		e.metrics.Delivery("circuit_open")
		return DeliveryResult{ChannelID: b.ChannelID, EventID: ev.ID, Status: DeliveryCircuitOpen, Reason: "circuit open"}
	case err != nil:
		e.emitter.Emit(observe.DeliveryFailed, ev.RoomID, b.ChannelID, map[string]any{
			"event_id": ev.ID,
			"error":    err.Error(),
		})
		e.metrics.Delivery("failed")
		return DeliveryResult{ChannelID: b.ChannelID, EventID: ev.ID, Status: DeliveryFailed, Reason: err.Error()}
	default:
		e.emitter.Emit(observe.DeliverySucceeded, ev.RoomID, b.ChannelID, map[string]any{
			"event_id": ev.ID,
		})
		e.metrics.Delivery("succeeded")
		return DeliveryResult{ChannelID: b.ChannelID, EventID: ev.ID, Status: DeliverySucceeded}
	}
}
