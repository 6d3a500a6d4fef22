// ABOUTME: Room inactivity and closure timers driven by an external ticker
// ABOUTME: CheckTimers is a pure function; the Sweeper applies its verdicts

package roomkit

import (
	"context"
	"log/slog"
	"time"

	"github.com/roomkit-live/roomkit/observe"
	"github.com/roomkit-live/roomkit/store"
)

// CheckTimers computes the status a room should hold at the given time.
// It never mutates; the pipeline never calls it — an external ticker
// does.
func CheckTimers(room *store.Room, now time.Time) store.RoomStatus {
	if room.Status == store.RoomClosed || room.Status == store.RoomArchived {
		return room.Status
	}
	idle := now.Sub(room.UpdatedAt)
	if room.Timers.ClosedAfter > 0 && idle >= room.Timers.ClosedAfter {
		return store.RoomClosed
	}
	if room.Status == store.RoomActive && room.Timers.InactiveAfter > 0 && idle >= room.Timers.InactiveAfter {
		return store.RoomPaused
	}
	return room.Status
}

// Sweeper applies timer transitions on an interval. Hosts run one per
// engine; it stops when its context is cancelled.
type Sweeper struct {
	store    store.Store
	emitter  *observe.Emitter
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper over the engine's store and framework
// event stream.
func (e *Engine) NewSweeper(interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    e.store,
		emitter:  e.emitter,
		interval: interval,
		logger:   e.logger.With("component", "sweeper"),
	}
}

// Run ticks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx, time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// Sweep applies one pass of timer transitions.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	rooms, err := s.store.ListRooms(ctx, 0)
	if err != nil {
		s.logger.Error("listing rooms for sweep failed", "error", err)
		return
	}
	for _, room := range rooms {
		desired := CheckTimers(room, now)
		if desired == room.Status {
			continue
		}
		prev := room.Status
		room.Status = desired
		if desired == store.RoomClosed {
			closedAt := now
			room.ClosedAt = &closedAt
		}
		if err := s.store.UpdateRoom(ctx, room); err != nil {
			s.logger.Error("applying timer transition failed",
				"room_id", room.ID,
				"error", err)
			continue
		}
		s.logger.Info("room timer transition",
			"room_id", room.ID,
			"from", prev,
			"to", desired)
		if desired == store.RoomClosed {
			s.emitter.Emit(observe.RoomClosed, room.ID, "", map[string]any{"reason": "timer"})
		}
	}
}
