package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff yields the deterministic delay schedule min(initial*2^k, max).
type Backoff struct {
	b *backoff.ExponentialBackOff
}

// NewBackoff returns a schedule starting at initial and capped at max.
func NewBackoff(initial, max time.Duration) *Backoff {
	if max <= 0 {
		max = initial
	}
	if initial > max {
		initial = max
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         max,
	}
	b.Reset()
	return &Backoff{b: b}
}

// Next returns the delay to wait after the next failed attempt.
func (b *Backoff) Next() time.Duration {
	return b.b.NextBackOff()
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
