// Package retry provides the context-aware retry helper modules use
// around flaky upstream calls. Delays back off exponentially with
// optional jitter; callers mark permanent failures with Stop so a 4xx
// is never retried like a timeout.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Config controls attempt count and backoff shape.
type Config struct {
	// Attempts is the total number of calls, including the first.
	// Non-positive means call once.
	Attempts int

	// Delay is the wait before the first retry. Each subsequent wait
	// doubles, capped at MaxDelay.
	Delay    time.Duration
	MaxDelay time.Duration

	// Jitter randomizes each wait by up to a quarter in either
	// direction, so parallel modules hitting the same upstream do not
	// retry in lockstep.
	Jitter bool
}

// DefaultConfig is 3 attempts backing off from 500ms to 10s with
// jitter, sized for the public APIs the builtin modules query.
func DefaultConfig() Config {
	return Config{
		Attempts: 3,
		Delay:    500 * time.Millisecond,
		MaxDelay: 10 * time.Second,
		Jitter:   true,
	}
}

type stopError struct{ err error }

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

// Stop wraps err so Do returns it without further attempts.
func Stop(err error) error {
	return &stopError{err: err}
}

// Do calls fn until it succeeds, the attempts are exhausted, fn
// returns a Stop-wrapped error, or ctx is done. The last error is
// returned on exhaustion; context cancellation returns ctx.Err().
func Do(ctx context.Context, cfg Config, fn func() error) error {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var last error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		last = fn()
		if last == nil {
			return nil
		}
		var stop *stopError
		if errors.As(last, &stop) {
			return stop.err
		}

		if i == attempts-1 {
			break
		}
		t := time.NewTimer(delayFor(cfg, i))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return last
}

// delayFor computes the wait after the i-th failed attempt.
func delayFor(cfg Config, i int) time.Duration {
	d := cfg.Delay << uint(i)
	if cfg.MaxDelay > 0 && (d > cfg.MaxDelay || d <= 0) {
		d = cfg.MaxDelay
	}
	if cfg.Jitter && d > 0 {
		q := int64(d) / 4
		if q > 0 {
			d += time.Duration(rand.Int64N(2*q) - q)
		}
	}
	return d
}
