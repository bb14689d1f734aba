// Package retry re-runs outbound calls with jittered exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Backoff describes how often and how patiently to retry.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
	// OnRetry, if set, runs before each sleep with the failed attempt number
	// (starting at 1) and its error.
	OnRetry func(attempt int, err error)
}

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the inner error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p)
}

type delayed struct {
	err   error
	after time.Duration
}

func (d delayed) Error() string { return d.err.Error() }
func (d delayed) Unwrap() error { return d.err }

// After marks err as retryable no sooner than d, as a Retry-After header asks.
func After(d time.Duration, err error) error {
	if err == nil {
		return nil
	}
	return delayed{err: err, after: d}
}

// Do runs fn until it succeeds, returns a Permanent error, exhausts the
// attempts, or ctx ends. The delay doubles from Base with +-25% jitter and
// never exceeds Max.
func (b Backoff) Do(ctx context.Context, fn func() error) error {
	attempts := max(b.Attempts, 1)
	ceiling := b.Max
	if ceiling <= 0 {
		ceiling = 5 * time.Second
	}

	delay := b.Base
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var p permanent
		if errors.As(err, &p) {
			return p.err
		}
		if attempt >= attempts {
			return err
		}
		if b.OnRetry != nil {
			b.OnRetry(attempt, err)
		}

		sleep := jitter(delay)
		var d delayed
		if errors.As(err, &d) && d.after > sleep {
			sleep = min(d.after, ceiling)
		}
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay = min(delay*2, ceiling)
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := int64(d / 2)
	return d - d/4 + time.Duration(rand.Int64N(spread+1))
}
