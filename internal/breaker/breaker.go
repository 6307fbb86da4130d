// Package breaker implements a per key circuit breaker.
//
// Every key starts closed. Failures increment the key counter and once it reaches
// the threshold the key opens: calls fail fast with model.ErrCircuitOpen without
// running the operation. When the recovery timeout has elapsed since the failure
// that opened it, the next call runs as a half open probe; if it succeeds the key
// closes, if it fails it opens again and the timeout restarts.
//
// Transitions are evaluated when a call arrives, there are no background timers.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/h2a-dev/genq/internal/log"
	"github.com/h2a-dev/genq/internal/model"
)

// Config is the configuration of the circuit breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that open a key.
	FailureThreshold int
	// RecoveryTimeout is the time an open key waits before allowing a probe.
	RecoveryTimeout time.Duration
	// IsFailure tells if an error counts as a failure. By default every error
	// except context cancellation does.
	IsFailure func(err error) bool
	// Now returns the current time.
	Now    func() time.Time
	Logger log.Logger
}

func (c *Config) defaults() error {
	if c.FailureThreshold < 0 {
		return fmt.Errorf("failure threshold can't be negative")
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout < 0 {
		return fmt.Errorf("recovery timeout can't be negative")
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "breaker.Breaker"})
	return nil
}

type keyState struct {
	mode        model.BreakerMode
	failures    int
	lastFailure time.Time
	probing     bool
}

// Breaker is a circuit breaker that tracks each key independently.
// It's safe for concurrent use.
type Breaker struct {
	cfg    Config
	logger log.Logger

	mu     sync.Mutex
	states map[string]*keyState
}

// New returns a new circuit breaker.
func New(cfg Config) (*Breaker, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Breaker{
		cfg:    cfg,
		logger: cfg.Logger,
		states: map[string]*keyState{},
	}, nil
}

// Guard runs op if the key circuit allows it and records the result.
func (b *Breaker) Guard(ctx context.Context, key string, op func(ctx context.Context) error) error {
	probe, err := b.acquire(key)
	if err != nil {
		return err
	}

	err = op(ctx)
	b.record(key, probe, err)
	return err
}

// Do is the value returning version of Breaker.Guard.
func Do[T any](ctx context.Context, b *Breaker, key string, op func(ctx context.Context) (T, error)) (T, error) {
	var res T
	err := b.Guard(ctx, key, func(ctx context.Context) error {
		var err error
		res, err = op(ctx)
		return err
	})
	return res, err
}

// State returns the current state of a key.
func (b *Breaker) State(key string) model.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(key)
	b.evaluate(key, st)
	return model.BreakerState{
		Key:         key,
		Mode:        st.mode,
		Failures:    st.failures,
		LastFailure: st.lastFailure,
	}
}

// States returns the state of every known key.
func (b *Breaker) States() []model.BreakerState {
	b.mu.Lock()
	keys := make([]string, 0, len(b.states))
	for k := range b.states {
		keys = append(keys, k)
	}
	b.mu.Unlock()

	states := make([]model.BreakerState, 0, len(keys))
	for _, k := range keys {
		states = append(states, b.State(k))
	}
	return states
}

func (b *Breaker) state(key string) *keyState {
	st, ok := b.states[key]
	if !ok {
		st = &keyState{mode: model.BreakerModeClosed}
		b.states[key] = st
	}
	return st
}

// evaluate moves an open key to half open once the recovery timeout elapsed.
func (b *Breaker) evaluate(key string, st *keyState) {
	if st.mode == model.BreakerModeOpen && b.cfg.Now().Sub(st.lastFailure) >= b.cfg.RecoveryTimeout {
		st.mode = model.BreakerModeHalfOpen
		b.logger.Infof("Circuit for %q is half open", key)
	}
}

// acquire reserves a call slot, probe is true when the call is the single
// trial call of a half open key.
func (b *Breaker) acquire(key string) (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(key)
	b.evaluate(key, st)

	switch st.mode {
	case model.BreakerModeOpen:
		return false, fmt.Errorf("%q: %w", key, model.ErrCircuitOpen)
	case model.BreakerModeHalfOpen:
		// Only one probe at a time.
		if st.probing {
			return false, fmt.Errorf("%q probe in progress: %w", key, model.ErrCircuitOpen)
		}
		st.probing = true
		return true, nil
	}

	return false, nil
}

func (b *Breaker) record(key string, probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(key)
	// Calls that started before the key went half open don't own the probe slot.
	if probe {
		st.probing = false
	}

	if err == nil {
		if st.mode != model.BreakerModeClosed {
			b.logger.Infof("Circuit for %q is closed", key)
		}
		st.mode = model.BreakerModeClosed
		st.failures = 0
		return
	}

	// Errors that say nothing about the endpoint health leave the state as it is,
	// a half open key will probe again on the next call.
	if !b.cfg.IsFailure(err) {
		return
	}

	st.failures++
	st.lastFailure = b.cfg.Now()

	if probe || st.failures >= b.cfg.FailureThreshold {
		if st.mode != model.BreakerModeOpen {
			b.logger.Warningf("Circuit for %q is open after %d failures: %s", key, st.failures, err)
		}
		st.mode = model.BreakerModeOpen
	}
}
