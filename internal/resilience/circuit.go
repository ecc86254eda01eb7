// Package resilience provides retry budgets, error classification, circuit
// breakers for provider calls, and the dead-letter store for stage jobs.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets calls through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the reset timeout elapses.
	BreakerOpen
	// BreakerHalfOpen lets a single probe through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the breaker is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// BreakerConfig controls breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive tripping failures that
	// opens the breaker. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before probing. Default: 30s.
	ResetTimeout time.Duration

	// ShouldTrip decides which errors count toward the threshold. If nil,
	// only transient errors trip: a malformed response says nothing about
	// provider health.
	ShouldTrip func(err error) bool
}

// DefaultBreakerConfig returns the defaults used for AI provider calls.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// Breaker guards calls to one provider operation.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
	nowFunc  func() time.Time
}

// NewBreaker creates a breaker named for log output.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = IsTransient
	}
	return &Breaker{name: name, cfg: cfg, nowFunc: time.Now}
}

// Call runs fn unless the breaker is open.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.allow(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	b.record(err)
	return val, err
}

// State returns the current state, reporting half-open once the reset
// timeout has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.nowFunc().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(BreakerClosed)
	b.failures = 0
	b.probing = false
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.nowFunc().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return eris.Wrapf(ErrCircuitOpen, "%s", b.name)
		}
		b.setState(BreakerHalfOpen)
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return eris.Wrapf(ErrCircuitOpen, "%s: probe in flight", b.name)
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !b.cfg.ShouldTrip(err) {
		b.failures = 0
		b.probing = false
		if b.state != BreakerClosed {
			b.setState(BreakerClosed)
		}
		return
	}

	b.failures++
	b.probing = false
	if b.state == BreakerHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.openedAt = b.nowFunc()
		b.setState(BreakerOpen)
	}
}

func (b *Breaker) setState(to BreakerState) {
	if b.state == to {
		return
	}
	zap.L().Info("circuit breaker state change",
		zap.String("breaker", b.name),
		zap.String("from", b.state.String()),
		zap.String("to", to.String()),
	)
	b.state = to
}

// Breakers lazily creates one breaker per operation name.
type Breakers struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakers creates a registry sharing cfg.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it if needed.
func (bs *Breakers) Get(name string) *Breaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.breakers[name]
	if !ok {
		b = NewBreaker(name, bs.cfg)
		bs.breakers[name] = b
	}
	return b
}

// States returns a snapshot of every breaker's state.
func (bs *Breakers) States() map[string]BreakerState {
	bs.mu.Lock()
	names := make([]*Breaker, 0, len(bs.breakers))
	for _, b := range bs.breakers {
		names = append(names, b)
	}
	bs.mu.Unlock()

	out := make(map[string]BreakerState, len(names))
	for _, b := range names {
		out[b.name] = b.State()
	}
	return out
}
