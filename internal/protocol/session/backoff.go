package session

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Delay is the pause before reconnect attempt N (1-based). The first retry
// waits InitialDelay; each later one grows by Multiplier up to MaxDelay.
// Jitter scales the result into [0.5, 1.5) of its nominal value.
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	growth := math.Max(b.Multiplier, 1.0)
	step := math.Max(float64(attempt-1), 0)
	d := float64(b.InitialDelay) * math.Pow(growth, step)
	if b.MaxDelay > 0 {
		d = math.Min(d, float64(b.MaxDelay))
	}
	if b.Jitter && rng != nil {
		d *= 0.5 + rng.Float64()
	}
	return time.Duration(d)
}

// Wait sleeps for Delay(attempt) or until ctx is done.
func (b BackoffConfig) Wait(ctx context.Context, attempt int, rng *rand.Rand) error {
	timer := time.NewTimer(b.Delay(attempt, rng))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
