package common

import (
	"context"
	"time"
)

// Clock abstracts wall-clock reads and suspensions so that staleness and
// backoff decisions can be tested without real sleeping.
type Clock interface {
	Now() time.Time
	// Sleep suspends for d or until the context is cancelled.
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

// NewSystemClock returns a Clock backed by real time.
func NewSystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
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
