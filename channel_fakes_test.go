// ABOUTME: Fake transport and intelligence channels for engine tests
// ABOUTME: Record deliveries and broadcasts, and script canned AI responses

package roomkit

import (
	"context"
	"sync"
	"time"

	"github.com/roomkit-live/roomkit/store"
)

// fakeTransport is a scriptable transport adapter. Deliver can be made
// to fail, sleep, or succeed; every call is recorded.
type fakeTransport struct {
	id   string
	caps store.Capabilities

	mu           sync.Mutex
	delivered    []*store.RoomEvent
	deliverCalls int
	seen         []*store.RoomEvent // OnEvent sightings
	deliverErr   error
	deliverDelay time.Duration
	closed       bool
}

func newFakeTransport(id string, caps store.Capabilities) *fakeTransport {
	return &fakeTransport{id: id, caps: caps}
}

func (f *fakeTransport) ID() string                          { return f.id }
func (f *fakeTransport) Type() string                        { return "fake-transport" }
func (f *fakeTransport) Category() store.Category            { return store.CategoryTransport }
func (f *fakeTransport) Direction() store.BindingDirection   { return store.DirectionBidirectional }
func (f *fakeTransport) Capabilities() store.Capabilities    { return f.caps }

func (f *fakeTransport) HandleInbound(_ context.Context, msg *InboundMessage, _ *RoomContext) (*store.RoomEvent, error) {
	content, _ := msg.Payload["content"].(store.Content)
	ev := &store.RoomEvent{Content: content}
	if vis, ok := msg.Payload["visibility"].(store.Visibility); ok {
		ev.Visibility = vis
	}
	return ev, nil
}

func (f *fakeTransport) Deliver(_ context.Context, ev *store.RoomEvent, _ *store.Binding, _ *RoomContext) error {
	f.mu.Lock()
	f.deliverCalls++
	delay, err := f.deliverDelay, f.deliverErr
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.delivered = append(f.delivered, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) OnEvent(_ context.Context, ev *store.RoomEvent, _ *store.Binding, _ *RoomContext) (*ChannelResult, error) {
	f.mu.Lock()
	f.seen = append(f.seen, ev)
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) deliveredEvents() []*store.RoomEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*store.RoomEvent(nil), f.delivered...)
}

func (f *fakeTransport) deliverCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deliverCalls
}

func (f *fakeTransport) setDeliverErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliverErr = err
}

// fakeIntelligence reacts to broadcasts with a scripted respond
// function and optional tasks/observations.
type fakeIntelligence struct {
	id      string
	respond func(ev *store.RoomEvent) []*store.RoomEvent

	mu           sync.Mutex
	seen         []*store.RoomEvent
	tasks        []*store.Task
	observations []*store.Observation
}

func newFakeIntelligence(id string, respond func(*store.RoomEvent) []*store.RoomEvent) *fakeIntelligence {
	return &fakeIntelligence{id: id, respond: respond}
}

func (f *fakeIntelligence) ID() string                        { return f.id }
func (f *fakeIntelligence) Type() string                      { return "fake-intelligence" }
func (f *fakeIntelligence) Category() store.Category          { return store.CategoryIntelligence }
func (f *fakeIntelligence) Direction() store.BindingDirection { return store.DirectionBidirectional }
func (f *fakeIntelligence) Capabilities() store.Capabilities  { return store.TextOnly() }

func (f *fakeIntelligence) HandleInbound(_ context.Context, msg *InboundMessage, _ *RoomContext) (*store.RoomEvent, error) {
	content, _ := msg.Payload["content"].(store.Content)
	return &store.RoomEvent{Content: content}, nil
}

func (f *fakeIntelligence) Deliver(context.Context, *store.RoomEvent, *store.Binding, *RoomContext) error {
	return nil
}

func (f *fakeIntelligence) OnEvent(_ context.Context, ev *store.RoomEvent, _ *store.Binding, _ *RoomContext) (*ChannelResult, error) {
	f.mu.Lock()
	f.seen = append(f.seen, ev)
	tasks := append([]*store.Task(nil), f.tasks...)
	observations := append([]*store.Observation(nil), f.observations...)
	f.mu.Unlock()

	res := &ChannelResult{Tasks: tasks, Observations: observations}
	if f.respond != nil {
		res.ResponseEvents = f.respond(ev)
	}
	return res, nil
}

func (f *fakeIntelligence) Close() error { return nil }

func (f *fakeIntelligence) seenEvents() []*store.RoomEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*store.RoomEvent(nil), f.seen...)
}
