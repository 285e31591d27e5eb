package workflow

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Delay returns the wait before retry number n (1-based).
func (p RetryPolicy) Delay(n int, rng *rand.Rand) time.Duration {
	initial := p.InitialDelay.Std()
	if initial <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(initial)
	if n > 1 {
		delay *= math.Pow(mult, float64(n-1))
	}
	if max := p.MaxDelay.Std(); max > 0 && delay > float64(max) {
		delay = float64(max)
	}
	if p.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

// sleepContext waits for d or until ctx ends.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
