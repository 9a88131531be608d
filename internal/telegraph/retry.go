package telegraph

import (
	"context"
	"time"
)

// Backoff returns base doubled attempt times, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 32 {
		return max
	}
	d := base << attempt
	if d <= 0 || d > max {
		return max
	}
	return d
}

// RetryPolicy reports how long to wait before retrying after err, or false
// when err is permanent.
type RetryPolicy func(err error, attempt int) (time.Duration, bool)

// Retry calls fn until it succeeds, policy rejects the error, or retries
// further attempts have failed. A context cancelled while waiting ends the
// loop with ctx.Err().
func Retry(ctx context.Context, retries int, policy RetryPolicy, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= retries {
			return err
		}
		wait, ok := policy(err, attempt)
		if !ok {
			return err
		}
		if err := Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Sleep pauses for d, returning early with ctx.Err() if ctx is done first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
