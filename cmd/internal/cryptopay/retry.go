package cryptopay

import (
	"context"
	"errors"
	"time"
)

// Backoff is an exponential retry policy for transient gateway failures.
type Backoff struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultBackoff is 3 attempts starting at 500ms.
var DefaultBackoff = Backoff{Attempts: 3, Initial: 500 * time.Millisecond, Max: 5 * time.Second}

func (b Backoff) normalized() Backoff {
	if b.Attempts <= 0 {
		b.Attempts = DefaultBackoff.Attempts
	}
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	return b
}

// Delay returns the wait before retry number n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	b = b.normalized()
	d := b.Initial
	for i := 1; i < n; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return d
}

// retry runs fn until it succeeds, fails with a non-transient error, or attempts are exhausted.
// onRetry is called before each wait.
func retry(ctx context.Context, b Backoff, onRetry func(attempt int, err error), fn func() error) error {
	b = b.normalized()

	var err error
	for attempt := 1; attempt <= b.Attempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrTransient) {
			return err
		}
		if attempt == b.Attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}

		t := time.NewTimer(b.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
	return err
}
