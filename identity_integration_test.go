// ABOUTME: Engine-level identity pipeline integration tests
// ABOUTME: Covers resolver tagging, challenge delivery, rejection, and timeout degradation

package roomkit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomkit-live/roomkit/identity"
	"github.com/roomkit-live/roomkit/observe"
	"github.com/roomkit-live/roomkit/store"
)

type scriptedResolver struct {
	res   *identity.Resolution
	delay time.Duration
}

func (r *scriptedResolver) Resolve(ctx context.Context, _ *store.RoomEvent) (*identity.Resolution, error) {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.res, nil
}

func TestIdentity_ResolvedSenderIsTagged(t *testing.T) {
	ctx := context.Background()
	p := identity.NewPipeline(&scriptedResolver{res: &identity.Resolution{
		Status:   identity.StatusIdentified,
		Identity: &store.Identity{ID: "id-alice"},
	}}, nil)
	eng := New(store.NewMemoryStore(), WithIdentity(p))
	defer eng.Close()

	a := newFakeTransport("chan-a", store.TextOnly())
	require.NoError(t, eng.RegisterChannel(a, nil))
	room, err := eng.CreateRoom(ctx, store.RoomTimers{}, nil)
	require.NoError(t, err)
	attach(t, eng, room.ID, "chan-a", BindingConfig{})

	result, err := eng.ProcessInbound(ctx, textInbound("chan-a", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "id-alice", result.Event.Metadata["identity_id"])
}

func TestIdentity_ChallengeBlocksAndRepliesToSender(t *testing.T) {
	ctx := context.Background()
	p := identity.NewPipeline(&scriptedResolver{res: &identity.Resolution{Status: identity.StatusUnknown}}, nil)
	p.AddHook("verifier", 0, []identity.Status{identity.StatusUnknown},
		func(context.Context, *store.RoomEvent, *identity.Resolution) (*identity.Escalation, error) {
			return &identity.Escalation{
				Action:    identity.EscalationChallenge,
				Challenge: &store.RoomEvent{Content: store.TextContent("Reply YES to verify")},
			}, nil
		})
	eng := New(store.NewMemoryStore(), WithIdentity(p))
	defer eng.Close()

	a := newFakeTransport("chan-a", store.TextOnly())
	b := newFakeTransport("chan-b", store.TextOnly())
	require.NoError(t, eng.RegisterChannel(a, nil))
	require.NoError(t, eng.RegisterChannel(b, nil))
	room, err := eng.CreateRoom(ctx, store.RoomTimers{}, nil)
	require.NoError(t, err)
	attach(t, eng, room.ID, "chan-a", BindingConfig{})
	attach(t, eng, room.ID, "chan-b", BindingConfig{})

	result, err := eng.ProcessInbound(ctx, textInbound("chan-a", "hello"))
	require.NoError(t, err)
	assert.True(t, result.Blocked)
	assert.Equal(t, "verifier", result.BlockedBy)

	events := listEvents(t, eng, room.ID)
	require.Len(t, events, 2, "blocked original plus challenge")
	assert.Equal(t, store.StatusBlocked, events[0].Status)
	assert.Equal(t, store.EventSystem, events[1].Type)
	assert.Equal(t, events[0].ID, events[1].ParentEventID)

	// The challenge goes back to the sender only.
	require.Len(t, a.deliveredEvents(), 1)
	assert.Equal(t, "Reply YES to verify", a.deliveredEvents()[0].Content.Text)
	assert.Zero(t, b.deliverCount(), "the blocked original is not broadcast")
}

func TestIdentity_RejectBlocksWithReason(t *testing.T) {
	ctx := context.Background()
	p := identity.NewPipeline(&scriptedResolver{res: &identity.Resolution{Status: identity.StatusUnknown}}, nil)
	p.AddHook("blocklist", 0, []identity.Status{identity.StatusUnknown},
		func(context.Context, *store.RoomEvent, *identity.Resolution) (*identity.Escalation, error) {
			return &identity.Escalation{Action: identity.EscalationReject, Reason: "unknown sender"}, nil
		})
	eng := New(store.NewMemoryStore(), WithIdentity(p))
	defer eng.Close()

	a := newFakeTransport("chan-a", store.TextOnly())
	require.NoError(t, eng.RegisterChannel(a, nil))
	room, err := eng.CreateRoom(ctx, store.RoomTimers{}, nil)
	require.NoError(t, err)
	attach(t, eng, room.ID, "chan-a", BindingConfig{})

	result, err := eng.ProcessInbound(ctx, textInbound("chan-a", "hi"))
	require.NoError(t, err)
	assert.True(t, result.Blocked)
	assert.Equal(t, "unknown sender", result.BlockedReason)
	assert.Equal(t, store.StatusBlocked, result.Event.Status)
}

func TestIdentity_TimeoutDegradesAndEmits(t *testing.T) {
	ctx := context.Background()
	p := identity.NewPipeline(&scriptedResolver{delay: 5 * time.Second}, nil,
		identity.WithTimeout(30*time.Millisecond))
	eng := New(store.NewMemoryStore(), WithIdentity(p))
	defer eng.Close()

	a := newFakeTransport("chan-a", store.TextOnly())
	b := newFakeTransport("chan-b", store.TextOnly())
	require.NoError(t, eng.RegisterChannel(a, nil))
	require.NoError(t, eng.RegisterChannel(b, nil))
	room, err := eng.CreateRoom(ctx, store.RoomTimers{}, nil)
	require.NoError(t, err)
	attach(t, eng, room.ID, "chan-a", BindingConfig{})
	attach(t, eng, room.ID, "chan-b", BindingConfig{})

	fe := collectFrameworkEvents(eng, observe.IdentityTimeout)

	result, err := eng.ProcessInbound(ctx, textInbound("chan-a", "hi"))
	require.NoError(t, err, "identity timeout is non-fatal")
	assert.False(t, result.Blocked)
	assert.Equal(t, 1, b.deliverCount(), "the event still flows")
	assert.Eventually(t, func() bool { return fe.count(observe.IdentityTimeout) == 1 }, time.Second, 5*time.Millisecond)
}

func TestIdentity_GatedChannelTypesSkipResolution(t *testing.T) {
	ctx := context.Background()
	p := identity.NewPipeline(&scriptedResolver{delay: 5 * time.Second}, nil,
		identity.WithAllowedChannelTypes("sms"))
	eng := New(store.NewMemoryStore(), WithIdentity(p))
	defer eng.Close()

	// fakeTransport reports type "fake-transport", outside the allow list,
	// so the slow resolver must never run.
	a := newFakeTransport("chan-a", store.TextOnly())
	require.NoError(t, eng.RegisterChannel(a, nil))
	room, err := eng.CreateRoom(ctx, store.RoomTimers{}, nil)
	require.NoError(t, err)
	attach(t, eng, room.ID, "chan-a", BindingConfig{})

	start := time.Now()
	_, err = eng.ProcessInbound(ctx, textInbound("chan-a", "hi"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
