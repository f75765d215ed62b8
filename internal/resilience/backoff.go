package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Backoff is the retry policy for one upstream operation.
type Backoff struct {
	Attempts int           // total tries, including the first
	Initial  time.Duration // wait before the first retry
	Max      time.Duration // cap on any single wait
	Factor   float64       // growth per retry
	Jitter   float64       // +/- fraction applied to each wait

	// Retryable defaults to the package-level Retryable.
	Retryable func(error) bool
	// OnRetry runs before each wait; attempt is the try that just failed.
	OnRetry func(attempt int, wait time.Duration, err error)

	Clock clockwork.Clock
}

// DefaultBackoff is the policy for Municipal Money aggregate calls: three
// tries starting at 200ms, doubling, capped at 2s.
func DefaultBackoff() Backoff {
	return Backoff{
		Attempts: 3,
		Initial:  200 * time.Millisecond,
		Max:      2 * time.Second,
		Factor:   2,
		Jitter:   0.2,
	}
}

func (b Backoff) normalized() Backoff {
	def := DefaultBackoff()
	if b.Attempts <= 0 {
		b.Attempts = def.Attempts
	}
	if b.Initial <= 0 {
		b.Initial = def.Initial
	}
	if b.Max < b.Initial {
		b.Max = max(def.Max, b.Initial)
	}
	if b.Factor < 1 {
		b.Factor = def.Factor
	}
	b.Jitter = min(max(b.Jitter, 0), 1)
	if b.Retryable == nil {
		b.Retryable = Retryable
	}
	if b.Clock == nil {
		b.Clock = clockwork.NewRealClock()
	}
	return b
}

// Delay returns the un-jittered wait after the nth failed try (1-based).
func (b Backoff) Delay(n int) time.Duration {
	b = b.normalized()
	if n < 1 {
		n = 1
	}
	d := float64(b.Initial) * math.Pow(b.Factor, float64(n-1))
	return time.Duration(math.Min(d, float64(b.Max)))
}

func (b Backoff) wait(n int) time.Duration {
	d := float64(b.Delay(n))
	if b.Jitter > 0 {
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(max(d, 0))
}

// Retry calls fn until it succeeds, fails with a non-retryable error, runs
// out of attempts, or ctx ends. The error from the last try is returned
// unchanged so callers can still classify it.
func Retry[T any](ctx context.Context, b Backoff, fn func(context.Context) (T, error)) (T, error) {
	b = b.normalized()

	var (
		zero T
		err  error
	)
	for attempt := 1; ; attempt++ {
		var v T
		v, err = fn(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= b.Attempts || ctx.Err() != nil || !b.Retryable(err) {
			return zero, err
		}

		wait := b.wait(attempt)
		if b.OnRetry != nil {
			b.OnRetry(attempt, wait, err)
		}
		select {
		case <-ctx.Done():
			return zero, err
		case <-b.Clock.After(wait):
		}
	}
}

// LogRetries returns an OnRetry hook that logs through zap.
func LogRetries(upstream, op string) func(int, time.Duration, error) {
	log := zap.L().With(zap.String("upstream", upstream), zap.String("op", op))
	return func(attempt int, wait time.Duration, err error) {
		log.Warn("resilience: retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
}
