package transport

import (
	"context"
	"time"
)

// BackoffConfig configures the reconnect delay: Initial * Multiplier^attempt, capped at Max.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoffConfig returns 250ms doubling up to 10s.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    250 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 2,
	}
}

// Delay returns the wait before reconnect attempt number attempt (0-based).
func (b BackoffConfig) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(b.Initial)
	for i := 0; i < attempt; i++ {
		delay *= mult
		if b.Max > 0 && delay >= float64(b.Max) {
			return b.Max
		}
	}
	if b.Max > 0 && time.Duration(delay) > b.Max {
		return b.Max
	}
	return time.Duration(delay)
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
