// Package retry runs fallible calls with bounded exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/h2a-dev/genq/internal/log"
)

// Config is the configuration of the Executor.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int
	// InitialDelay is the delay after the first failed attempt.
	InitialDelay time.Duration
	// MaxDelay caps every delay.
	MaxDelay time.Duration
	// Base is the exponential growth factor of the delay.
	Base float64
	// Jitter scales each delay by a random factor in [0.5, 1.5).
	Jitter bool
	// Retryable tells if an error is worth retrying. By default all errors are.
	Retryable func(err error) bool
	// DelayHint returns a delay requested by the failed call (e.g. a retry-after header)
	// that replaces the computed one.
	DelayHint func(err error) (time.Duration, bool)
	// Sleep waits between attempts, by default it's a context aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// RandFloat returns a number in [0, 1), used by the jitter.
	RandFloat func() float64
	Logger    log.Logger
}

func (c *Config) defaults() error {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay < 0 {
		return fmt.Errorf("initial delay can't be negative")
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = 2 * time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("max delay (%s) can't be lower than initial delay (%s)", c.MaxDelay, c.InitialDelay)
	}
	if c.Base == 0 {
		c.Base = 2
	}
	if c.Base < 1 {
		return fmt.Errorf("base must be at least 1")
	}
	if c.Retryable == nil {
		c.Retryable = func(error) bool { return true }
	}
	if c.DelayHint == nil {
		c.DelayHint = func(error) (time.Duration, bool) { return 0, false }
	}
	if c.Sleep == nil {
		c.Sleep = sleep
	}
	if c.RandFloat == nil {
		c.RandFloat = rand.Float64
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "retry.Executor"})
	return nil
}

// Executor retries operations with exponential backoff. It has no mutable
// state and is safe for concurrent use.
type Executor struct {
	cfg Config
}

// NewExecutor returns a new retry executor.
func NewExecutor(cfg Config) (*Executor, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Executor{cfg: cfg}, nil
}

// Do runs op until it succeeds, returns a non retryable error or runs out of attempts.
// The last error is returned as is. If ctx is cancelled while waiting, the context
// error is returned.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}

		if !e.cfg.Retryable(err) {
			return err
		}

		if attempt == e.cfg.MaxAttempts-1 {
			break
		}

		delay := e.delay(attempt, err)
		e.cfg.Logger.Warningf("Attempt %d/%d failed, retrying in %s: %s", attempt+1, e.cfg.MaxAttempts, delay, err)
		if serr := e.cfg.Sleep(ctx, delay); serr != nil {
			return serr
		}
	}

	return err
}

// Execute is the value returning version of Executor.Do.
func Execute[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var res T
	err := e.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = op(ctx)
		return err
	})
	return res, err
}

// Delay returns the delay used after the failed attempt (0 based) without jitter.
func (e *Executor) Delay(attempt int) time.Duration {
	d := float64(e.cfg.InitialDelay) * math.Pow(e.cfg.Base, float64(attempt))
	if d >= float64(e.cfg.MaxDelay) || math.IsInf(d, 0) {
		return e.cfg.MaxDelay
	}
	return time.Duration(d)
}

func (e *Executor) delay(attempt int, err error) time.Duration {
	if hint, ok := e.cfg.DelayHint(err); ok {
		return min(hint, e.cfg.MaxDelay)
	}

	d := e.Delay(attempt)
	if e.cfg.Jitter {
		d = time.Duration(float64(d) * (0.5 + e.cfg.RandFloat()))
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
