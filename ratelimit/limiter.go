// ABOUTME: Token-bucket delivery throttle built on golang.org/x/time/rate
// ABOUTME: Wait-based backpressure; acquires block instead of dropping

package ratelimit

import (
	"context"
	"math"

	"golang.org/x/time/rate"
)

// Config selects at most one rate window. The first non-zero field wins,
// checked in second, minute, hour order.
type Config struct {
	MaxPerSecond int `yaml:"max_per_second"`
	MaxPerMinute int `yaml:"max_per_minute"`
	MaxPerHour   int `yaml:"max_per_hour"`
}

// Limiter is a token bucket. A nil Limiter admits everything, so callers
// can keep a single code path for throttled and unthrottled channels.
type Limiter struct {
	lim *rate.Limiter
}

// New builds a limiter from cfg. Returns nil when no window is set. The
// bucket capacity is the per-second rate rounded up, never below 1, so a
// slow limit still admits single events promptly.
func New(cfg Config) *Limiter {
	var perSecond float64
	switch {
	case cfg.MaxPerSecond > 0:
		perSecond = float64(cfg.MaxPerSecond)
	case cfg.MaxPerMinute > 0:
		perSecond = float64(cfg.MaxPerMinute) / 60
	case cfg.MaxPerHour > 0:
		perSecond = float64(cfg.MaxPerHour) / 3600
	default:
		return nil
	}

	burst := int(math.Ceil(perSecond))
	if burst < 1 {
		burst = 1
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Acquire blocks until a token is available or ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.lim.Wait(ctx)
}

// Allow reports whether a token is available right now, consuming one if
// so. Used by tests and non-blocking probes.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.lim.Allow()
}
