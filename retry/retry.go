// Package retry runs operations again after transient failures, waiting
// through a crashmover clock so a shutdown cuts any wait short.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"crashmover/clock"
)

// DefaultWaits is the wait schedule between storage attempts.
var DefaultWaits = []time.Duration{
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
}

// Schedule is a backoff.BackOff that returns a fixed list of waits, then
// repeats the last one. A schedule with a try limit returns backoff.Stop
// once the limit is reached.
type Schedule struct {
	waits []time.Duration
	max   int
	n     int
}

var _ backoff.BackOff = (*Schedule)(nil)

// NewSchedule returns a schedule over waits. maxRetries <= 0 retries forever.
func NewSchedule(waits []time.Duration, maxRetries int) *Schedule {
	if len(waits) == 0 {
		waits = DefaultWaits
	}
	return &Schedule{waits: append([]time.Duration(nil), waits...), max: maxRetries}
}

func (s *Schedule) NextBackOff() time.Duration {
	if s.max > 0 && s.n >= s.max {
		return backoff.Stop
	}
	i := s.n
	if i >= len(s.waits) {
		i = len(s.waits) - 1
	}
	s.n++
	return s.waits[i]
}

func (s *Schedule) Reset() { s.n = 0 }

// Notify is told about every failed attempt that will be retried.
type Notify func(err error, wait time.Duration)

// IsPermanent reports whether err was marked with backoff.Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// Unwrap strips a backoff.Permanent marker.
func Unwrap(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// Do runs op until it succeeds, returns a permanent error, b says stop or
// ctx is done. It returns the last error of op, or ctx.Err() when a wait
// was interrupted.
func Do(ctx context.Context, clk clock.Clock, b backoff.BackOff, op func(ctx context.Context) error, notify Notify) error {
	clk = clock.OrSystem(clk)
	b.Reset()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		if notify != nil {
			notify(err, wait)
		}
		if serr := clk.Sleep(ctx, wait); serr != nil {
			return serr
		}
	}
}
