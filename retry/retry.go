// ABOUTME: Exponential backoff retry for transport deliveries
// ABOUTME: Context-aware sleeps; the last failure propagates after the budget runs out

package retry

import (
	"context"
	"math"
	"time"
)

// Config controls the backoff schedule. MaxRetries counts additional
// attempts after the first; MaxRetries 0 means run once.
type Config struct {
	MaxRetries      int           `yaml:"max_retries"`
	BaseDelay       time.Duration `yaml:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	ExponentialBase float64       `yaml:"exponential_base"`
}

// DefaultConfig returns the schedule used for transport channels that
// carry no retry policy of their own.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		BaseDelay:       200 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		ExponentialBase: 2.0,
	}
}

// Do runs fn, retrying on failure up to cfg.MaxRetries extra attempts.
// Retry k (0-indexed) sleeps min(MaxDelay, BaseDelay·ExponentialBase^k)
// before running. Cancellation interrupts the sleep and returns ctx's
// error.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.ExponentialBase <= 0 {
		cfg.ExponentialBase = 2.0
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff(cfg, attempt-1)
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func backoff(cfg Config, k int) time.Duration {
	d := float64(cfg.BaseDelay) * math.Pow(cfg.ExponentialBase, float64(k))
	if d > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(d)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
