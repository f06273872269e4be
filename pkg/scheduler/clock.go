package scheduler

import (
	"context"
	"time"

	"github.com/zoobzio/clockz"
)

// Clock is the subset of clockz.Clock the scheduler depends on. Tests inject
// clockz.NewFakeClock() so poll loops and flush timers never really sleep.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

func defaultClock() Clock {
	return clockz.RealClock
}

func sleepWithContext(ctx context.Context, clock Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}
