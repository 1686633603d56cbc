// Package circuitbreaker stops calling a remote collaborator after repeated
// failures and retries it after a cooldown.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

type Config struct {
	// TripAfter consecutive failures open a closed breaker.
	TripAfter uint32
	// RecoverAfter consecutive half-open successes close it again.
	RecoverAfter uint32
	// HalfOpenRequests caps concurrent trial requests while half-open.
	HalfOpenRequests uint32
	// Cooldown is how long the breaker stays open.
	Cooldown time.Duration
	// Window resets the closed-state counters periodically; zero never resets.
	Window time.Duration
	// IsFailure decides whether an error counts against the breaker.
	// Defaults to any non-nil error except context cancellation.
	IsFailure     func(err error) bool
	OnStateChange func(name string, from, to State)
	Logger        *zap.Logger
	Now           func() time.Time
}

type Counts struct {
	Requests             uint32
	Successes            uint32
	Failures             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) record(failed bool) {
	if failed {
		c.Failures++
		c.ConsecutiveFailures++
		c.ConsecutiveSuccesses = 0
		return
	}
	c.Successes++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

type CircuitBreaker struct {
	name string
	cfg  Config

	mu     sync.Mutex
	state  State
	epoch  uint64
	counts Counts
	// until is when the current state's counters or cooldown expire.
	until time.Time
}

func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	if cfg.TripAfter == 0 {
		cfg.TripAfter = 5
	}
	if cfg.RecoverAfter == 0 {
		cfg.RecoverAfter = 2
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = time.Minute
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	cb := &CircuitBreaker{name: name, cfg: cfg}
	cb.reset(cfg.Now())
	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn unless the breaker is open. fn's error is returned as is.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	epoch, err := cb.admit()
	if err != nil {
		return err
	}

	failed := true
	defer func() {
		cb.settle(epoch, failed)
	}()

	err = fn()
	failed = cb.cfg.IsFailure(err)
	return err
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.refresh(cb.cfg.Now()) {
	case StateOpen:
		return cb.epoch, ErrCircuitOpen
	case StateHalfOpen:
		if cb.counts.Requests >= cb.cfg.HalfOpenRequests {
			return cb.epoch, ErrTooManyRequests
		}
	}
	cb.counts.Requests++
	return cb.epoch, nil
}

// settle records an outcome unless the breaker moved on since admission.
func (cb *CircuitBreaker) settle(epoch uint64, failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.Now()
	state := cb.refresh(now)
	if cb.epoch != epoch {
		return
	}

	cb.counts.record(failed)

	switch {
	case state == StateHalfOpen && failed:
		cb.transition(StateOpen, now)
	case state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.cfg.RecoverAfter:
		cb.transition(StateClosed, now)
	case state == StateClosed && cb.counts.ConsecutiveFailures >= cb.cfg.TripAfter:
		cb.transition(StateOpen, now)
	}
}

// refresh applies time-based transitions and returns the current state.
func (cb *CircuitBreaker) refresh(now time.Time) State {
	if cb.until.IsZero() || now.Before(cb.until) {
		return cb.state
	}
	switch cb.state {
	case StateOpen:
		cb.transition(StateHalfOpen, now)
	case StateClosed:
		cb.reset(now)
	}
	return cb.state
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	if cb.state == to {
		return
	}
	from := cb.state
	failures := cb.counts.ConsecutiveFailures
	cb.state = to
	cb.reset(now)

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
	cb.cfg.Logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Uint32("consecutive_failures", failures),
	)
}

func (cb *CircuitBreaker) reset(now time.Time) {
	cb.epoch++
	cb.counts = Counts{}
	switch {
	case cb.state == StateOpen:
		cb.until = now.Add(cb.cfg.Cooldown)
	case cb.state == StateClosed && cb.cfg.Window > 0:
		cb.until = now.Add(cb.cfg.Window)
	default:
		cb.until = time.Time{}
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.refresh(cb.cfg.Now())
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}
