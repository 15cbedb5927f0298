package tokenkit

import (
	"context"
	"time"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock in UTC.
type SystemClock struct{}

// NewSystemClock constructs a SystemClock.
func NewSystemClock() SystemClock {
	return SystemClock{}
}

// Now returns the current UTC timestamp.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// Sleeper pauses the calling task, honoring context cancellation.
type Sleeper interface {
	Sleep(ctx context.Context, duration time.Duration) error
}

type systemSleeper struct{}

// NewSystemSleeper constructs a Sleeper backed by a real timer.
func NewSystemSleeper() Sleeper {
	return systemSleeper{}
}

// Sleep blocks for the given duration or until the context is cancelled.
func (systemSleeper) Sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
