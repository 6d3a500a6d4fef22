// ABOUTME: Identity resolution for inbound senders with hook escalation
// ABOUTME: Resolver runs under a timeout; ambiguous/unknown results can be overridden

package identity

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roomkit-live/roomkit/store"
)

// Status classifies a resolution attempt.
type Status string

const (
	StatusIdentified    Status = "identified"
	StatusPending       Status = "pending"
	StatusAmbiguous     Status = "ambiguous"
	StatusUnknown       Status = "unknown"
	StatusChallengeSent Status = "challenge_sent"
	StatusRejected      Status = "rejected"
)

// DefaultTimeout bounds the resolver call.
const DefaultTimeout = 10 * time.Second

// Resolution is the resolver's answer. Candidates is populated for
// ambiguous results.
type Resolution struct {
	Status     Status
	Identity   *store.Identity
	Candidates []*store.Identity
	Reason     string
}

// Resolver maps an inbound event's sender to an identity. Resolvers may
// suspend (directory lookups, provider APIs) and must honor ctx.
type Resolver interface {
	Resolve(ctx context.Context, ev *store.RoomEvent) (*Resolution, error)
}

// EscalationAction is what an escalation hook decides for an ambiguous
// or unknown sender.
type EscalationAction string

const (
	// EscalationAccept overrides the result to identified.
	EscalationAccept EscalationAction = "accept"
	// EscalationPending lets the event through while resolution continues
	// out of band.
	EscalationPending EscalationAction = "pending"
	// EscalationChallenge blocks the original event and sends a
	// verification event back to the sender.
	EscalationChallenge EscalationAction = "challenge"
	// EscalationReject blocks the event with a reason.
	EscalationReject EscalationAction = "reject"
)

// Escalation is an escalation hook's verdict. Identity accompanies
// EscalationAccept; Challenge accompanies EscalationChallenge.
type Escalation struct {
	Action    EscalationAction
	Identity  *store.Identity
	Reason    string
	Challenge *store.RoomEvent
}

// EscalationFunc inspects a degraded resolution and may override it.
// Returning nil leaves the resolution as is.
type EscalationFunc func(ctx context.Context, ev *store.RoomEvent, res *Resolution) (*Escalation, error)

type escalationHook struct {
	id       string
	name     string
	priority int
	seq      uint64
	statuses map[Status]bool
	fn       EscalationFunc
}

// Result is the pipeline's overall outcome for one inbound event.
type Result struct {
	Resolution *Resolution
	// Blocked is set when an escalation hook rejected or challenged the
	// sender; the pipeline persists the original event as blocked.
	Blocked   bool
	BlockedBy string
	Reason    string
	// Challenge is a verification event to route back to the sender.
	Challenge *store.RoomEvent
	// TimedOut notes that the resolver exceeded its budget and the
	// result degraded to unknown.
	TimedOut bool
}

// Pipeline runs the resolver under a timeout and escalates degraded
// results through hooks. An empty AllowedChannelTypes list applies
// identity to every channel; otherwise channels outside the list skip
// identity altogether.
type Pipeline struct {
	resolver Resolver
	timeout  time.Duration
	allowed  map[string]bool

	mu    sync.RWMutex
	hooks map[string]*escalationHook
	seq   uint64

	logger *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTimeout overrides the resolver budget.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithAllowedChannelTypes gates the pipeline to the listed channel types.
func WithAllowedChannelTypes(types ...string) Option {
	return func(p *Pipeline) {
		p.allowed = make(map[string]bool, len(types))
		for _, t := range types {
			p.allowed[t] = true
		}
	}
}

// NewPipeline creates an identity pipeline. A nil resolver disables
// identity entirely; Run then reports unknown without suspension.
func NewPipeline(resolver Resolver, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		resolver: resolver,
		timeout:  DefaultTimeout,
		hooks:    make(map[string]*escalationHook),
		logger:   logger.With("component", "identity"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddHook registers an escalation hook for the given statuses
// (ambiguous and unknown are the only ones escalated). Lower priority
// runs first; ties resolve by registration order.
func (p *Pipeline) AddHook(name string, priority int, statuses []Status, fn EscalationFunc) string {
	id := uuid.New().String()
	set := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}

	p.mu.Lock()
	p.seq++
	p.hooks[id] = &escalationHook{
		id:       id,
		name:     name,
		priority: priority,
		seq:      p.seq,
		statuses: set,
		fn:       fn,
	}
	p.mu.Unlock()
	return id
}

// RemoveHook drops an escalation hook by id.
func (p *Pipeline) RemoveHook(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.hooks, id)
}

// Applies reports whether the pipeline covers the given channel type.
func (p *Pipeline) Applies(channelType string) bool {
	if p == nil || p.resolver == nil {
		return false
	}
	if len(p.allowed) == 0 {
		return true
	}
	return p.allowed[channelType]
}

// Run resolves the event's sender. Resolver timeout degrades to unknown
// (non-fatal); ambiguous and unknown results pass through escalation
// hooks, which may accept, leave pending, challenge, or reject.
func (p *Pipeline) Run(ctx context.Context, ev *store.RoomEvent) *Result {
	if !p.Applies(ev.Source.ChannelType) {
		return &Result{Resolution: &Resolution{Status: StatusUnknown}}
	}

	res, timedOut := p.resolve(ctx, ev)
	result := &Result{Resolution: res, TimedOut: timedOut}

	if res.Status != StatusAmbiguous && res.Status != StatusUnknown {
		return result
	}
	p.escalate(ctx, ev, result)
	return result
}

func (p *Pipeline) resolve(ctx context.Context, ev *store.RoomEvent) (*Resolution, bool) {
	rctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type reply struct {
		res *Resolution
		err error
	}
	done := make(chan reply, 1)
	go func() {
		res, err := p.resolver.Resolve(rctx, ev)
		done <- reply{res: res, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) {
				return &Resolution{Status: StatusUnknown, Reason: "resolver timeout"}, true
			}
			p.logger.Warn("resolver failed",
				"channel_id", ev.Source.ChannelID,
				"error", r.err)
			return &Resolution{Status: StatusUnknown, Reason: r.err.Error()}, false
		}
		if r.res == nil {
			return &Resolution{Status: StatusUnknown}, false
		}
		return r.res, false
	case <-rctx.Done():
		if errors.Is(rctx.Err(), context.DeadlineExceeded) {
			return &Resolution{Status: StatusUnknown, Reason: "resolver timeout"}, true
		}
		return &Resolution{Status: StatusUnknown, Reason: rctx.Err().Error()}, false
	}
}

func (p *Pipeline) escalate(ctx context.Context, ev *store.RoomEvent, result *Result) {
	p.mu.RLock()
	hooks := make([]*escalationHook, 0, len(p.hooks))
	for _, h := range p.hooks {
		if h.statuses[result.Resolution.Status] {
			hooks = append(hooks, h)
		}
	}
	p.mu.RUnlock()

	sort.Slice(hooks, func(i, j int) bool {
		if hooks[i].priority != hooks[j].priority {
			return hooks[i].priority < hooks[j].priority
		}
		return hooks[i].seq < hooks[j].seq
	})

	for _, h := range hooks {
		esc, err := h.fn(ctx, ev, result.Resolution)
		if err != nil {
			p.logger.Warn("identity hook failed", "hook", h.name, "error", err)
			continue
		}
		if esc == nil {
			continue
		}
		switch esc.Action {
		case EscalationAccept:
			result.Resolution = &Resolution{Status: StatusIdentified, Identity: esc.Identity}
			return
		case EscalationPending:
			result.Resolution = &Resolution{Status: StatusPending, Identity: esc.Identity}
			return
		case EscalationChallenge:
			result.Resolution = &Resolution{Status: StatusChallengeSent}
			result.Blocked = true
			result.BlockedBy = h.name
			result.Reason = "identity challenge sent"
			result.Challenge = esc.Challenge
			return
		case EscalationReject:
			result.Resolution = &Resolution{Status: StatusRejected, Reason: esc.Reason}
			result.Blocked = true
			result.BlockedBy = h.name
			result.Reason = esc.Reason
			return
		}
	}
}
