// Package retry re-runs calls to remote collaborators (the detector service,
// the rules graph) with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
	// RetryIf reports whether a failed attempt may be repeated. Nil retries
	// everything not wrapped with Permanent.
	RetryIf func(error) bool
	// OnRetry runs before each wait, with the attempt that just failed.
	OnRetry func(attempt int, err error)
	Logger  *zap.Logger
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

// Backoff returns the un-jittered wait after each failed attempt but the
// last, so len(result) == MaxAttempts-1.
func (cfg Config) Backoff() []time.Duration {
	cfg = cfg.withDefaults()
	waits := make([]time.Duration, 0, cfg.MaxAttempts-1)
	delay := cfg.InitialDelay
	for i := 1; i < cfg.MaxAttempts; i++ {
		waits = append(waits, delay)
		next := time.Duration(float64(delay) * cfg.Multiplier)
		if next > cfg.MaxDelay || next < delay {
			next = cfg.MaxDelay
		}
		delay = next
	}
	return waits
}

// Do runs op until it succeeds, returns a permanent or non-retryable error,
// attempts run out, or ctx ends. The last attempt's error is returned.
func Do(ctx context.Context, cfg Config, op func() error) error {
	cfg = cfg.withDefaults()
	waits := cfg.Backoff()

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := op()
		if err == nil {
			if attempt > 1 {
				cfg.Logger.Info("Call succeeded after retry", zap.Int("attempt", attempt))
			}
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			cfg.Logger.Debug("Error not retryable", zap.Error(err), zap.Int("attempt", attempt))
			return err
		}
		if attempt > len(waits) {
			return lastErr
		}

		wait := jitter(waits[attempt-1], cfg.JitterFraction)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
		cfg.Logger.Warn("Call failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", cfg.MaxAttempts),
			zap.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
}

func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	// Uniform in [d*(1-fraction), d*(1+fraction)].
	return time.Duration(float64(d) * (1 + fraction*(2*rand.Float64()-1)))
}
