package store

import (
	"context"
	"math/rand"
	"time"

	"github.com/holorelay/holorelay/internal/errkind"
)

// Backoff schedule for Transient store failures: exponential from Base to
// Cap with ±20% jitter, at most MaxAttempts tries.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
	Jitter      float64 // fraction, e.g. 0.2 for ±20%
}

// DefaultBackoff matches the store contract: 100 ms base, 5 s cap, ±20%
// jitter, 5 attempts.
var DefaultBackoff = Backoff{
	Base:        100 * time.Millisecond,
	Cap:         5 * time.Second,
	MaxAttempts: 5,
	Jitter:      0.2,
}

// delay computes the backoff for attempt n (0-based), jittered.
func (b Backoff) delay(attempt int) time.Duration {
	d := b.Base << attempt
	if d > b.Cap || d <= 0 {
		d = b.Cap
	}
	if b.Jitter > 0 {
		spread := float64(d) * b.Jitter
		d = time.Duration(float64(d) - spread + rand.Float64()*2*spread)
	}
	return d
}

// WithRetry runs fn, retrying Transient failures per the schedule. Other
// kinds (and success) return immediately. Context cancellation wins over
// the remaining attempts.
func WithRetry(ctx context.Context, b Backoff, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < b.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !errkind.Retryable(err) {
			return err
		}
		if attempt == b.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errkind.Wrap(errkind.KindTransient, ctx.Err(), "retry aborted")
		case <-time.After(b.delay(attempt)):
		}
	}
	return err
}
