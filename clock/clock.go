// Package clock is the time source shared by the scheduler, worker and store.
//
// Every blocking wait in crashmover goes through Clock.Sleep so that a
// cancelled context ends the wait immediately, whatever the configured
// interval. Tests swap in a Fake to observe and control those waits.
package clock

import (
	"context"
	"time"
)

// Clock is an interface to system time.
type Clock interface {
	Now() time.Time

	// Sleep blocks for d or until ctx is done. It returns ctx.Err() when the
	// wait was cut short, nil when the full duration elapsed.
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

// System returns the Clock backed by the time package.
func System() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now().UTC() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
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

// OrSystem returns c, or the system clock when c is nil.
func OrSystem(c Clock) Clock {
	if c == nil {
		return System()
	}
	return c
}
