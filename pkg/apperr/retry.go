package apperr

import (
	"context"
	"math/rand"
	"time"
)

// Backoff is an exponential retry policy with jitter. The zero value is
// not usable; start from DefaultBackoff.
type Backoff struct {
	Base        time.Duration
	Factor      float64
	MaxAttempts int
	Jitter      float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:        100 * time.Millisecond,
		Factor:      2,
		MaxAttempts: 5,
		Jitter:      0.25,
	}
}

// Delay returns the sleep before the given attempt (0-based), jittered
// uniformly within ±Jitter of the exponential value.
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Base)
	for i := 0; i < attempt; i++ {
		d *= b.Factor
	}
	if b.Jitter > 0 {
		d *= 1 + b.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

// Retry runs fn until it succeeds, returns a non-transient error, or the
// attempt budget is exhausted. The last error is returned in that case.
func Retry(ctx context.Context, b Backoff, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < b.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if attempt == b.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Delay(attempt)):
		}
	}
	return err
}
