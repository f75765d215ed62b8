package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// BreakerState is exported as a gauge value, so the numbering is stable.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// ErrBreakerOpen is returned without calling upstream while the breaker is
// open, or while a half-open trial call is already in flight.
var ErrBreakerOpen = eris.New("resilience: upstream breaker open")

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	Threshold int           // consecutive counted failures that open it
	Cooldown  time.Duration // time open before one trial call is let through

	// Counts decides which failures count toward Threshold. Defaults to
	// Retryable, so a bad query does not open the breaker.
	Counts func(error) bool
	// OnChange runs on every transition, under the breaker lock.
	OnChange func(from, to BreakerState)

	Clock clockwork.Clock
}

// DefaultBreakerConfig opens after 5 failures and admits a trial call after 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Cooldown: 30 * time.Second}
}

// Status is a point-in-time view of a Breaker.
type Status struct {
	State    BreakerState
	Failures int
	OpenedAt time.Time
}

// Breaker stops calling an upstream that keeps failing.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker returns a closed Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Counts == nil {
		cfg.Counts = Retryable
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Breaker{cfg: cfg}
}

// Guard runs fn through b.
func Guard[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.admit(); err != nil {
		return zero, err
	}
	defer func() {
		if r := recover(); r != nil {
			b.settle(true)
			panic(r)
		}
	}()
	v, err := fn(ctx)
	b.record(err)
	if err != nil {
		return zero, err
	}
	return v, nil
}

// State reports the current state. An open breaker whose cooldown has
// passed reports half-open before the next call arrives.
func (b *Breaker) State() BreakerState {
	return b.Status().State
}

// Status returns the state, the consecutive failure count, and when the
// breaker last opened.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{State: b.state, Failures: b.failures, OpenedAt: b.openedAt}
	if b.state == StateOpen && b.cooledDown() {
		st.State = StateHalfOpen
	}
	return st
}

// Reset closes the breaker and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.moveTo(StateClosed)
}

func (b *Breaker) cooledDown() bool {
	return b.cfg.Clock.Since(b.openedAt) >= b.cfg.Cooldown
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if !b.cooledDown() {
			return ErrBreakerOpen
		}
		b.moveTo(StateHalfOpen)
		b.probing = true
	case StateHalfOpen:
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.settle(err != nil && b.cfg.Counts(err))
}

// settle closes out an admitted call. A panicking call settles as failed.
func (b *Breaker) settle(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasTrial := b.state == StateHalfOpen
	b.probing = false

	if !failed {
		b.failures = 0
		if wasTrial {
			b.moveTo(StateClosed)
		}
		return
	}

	b.failures++
	if wasTrial || b.failures >= b.cfg.Threshold {
		b.openedAt = b.cfg.Clock.Now()
		b.moveTo(StateOpen)
	}
}

func (b *Breaker) moveTo(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnChange != nil {
		b.cfg.OnChange(from, to)
	}
}

// LogTransitions returns an OnChange hook that logs through zap.
func LogTransitions(upstream string) func(from, to BreakerState) {
	return func(from, to BreakerState) {
		zap.L().Warn("resilience: breaker state change",
			zap.String("upstream", upstream),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
}
