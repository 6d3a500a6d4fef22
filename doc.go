// Package roomkit is a multi-channel conversation orchestrator embedded
// in a host process. External endpoints — SMS, email, websockets, voice
// streams, AI model backends — attach to shared rooms through channel
// adapters. A message arriving on any attached channel is persisted as
// an event, run through a hook pipeline, broadcast to all eligible
// peers with capability-aware transcoding, and — when intelligence
// channels produce replies — looped back for further delivery within a
// bounded chain depth.
//
// The engine ships no network server, no persistent storage (the store
// contract has an in-memory reference implementation), and no concrete
// adapters. Hosts supply those and wire them in:
//
//	st := store.NewMemoryStore()
//	eng := roomkit.New(st)
//	eng.RegisterChannel(smsAdapter, &roomkit.GuardConfig{FailureThreshold: 5})
//	eng.RegisterChannel(assistant, nil)
//
//	room, _ := eng.CreateRoom(ctx, store.RoomTimers{}, nil)
//	eng.AttachChannel(ctx, room.ID, smsAdapter.ID(), roomkit.BindingConfig{})
//	eng.AttachChannel(ctx, room.ID, assistant.ID(), roomkit.BindingConfig{})
//
//	result, err := eng.ProcessInbound(ctx, &roomkit.InboundMessage{
//		ChannelID: smsAdapter.ID(),
//		Payload:   map[string]any{"text": "hello"},
//	})
//
// Rooms serialize their pipelines: events within one room get strictly
// monotone, gap-free indices, while different rooms process fully in
// parallel.
package roomkit
