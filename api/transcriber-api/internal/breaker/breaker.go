// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.
package internal_circuit_breaker

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vocalisai/pkg/commons"
)

// State of the breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultThreshold        = 5
	defaultOpenTimeout      = 60 * time.Second
	defaultResetTimeout     = 5 * time.Minute
	defaultHalfOpenRequired = 3
)

// ErrOpen is returned while the breaker rejects calls fast.
type ErrOpen struct {
	RetryAfter time.Duration
}

func (e *ErrOpen) Error() string {
	return fmt.Sprintf("breaker: open, retry after %s", e.RetryAfter.Round(time.Second))
}

// CircuitBreaker guards provider control-plane calls. Five straight failures
// open it; after the open timeout a probe is allowed, and three probe
// successes close it again.
type CircuitBreaker struct {
	name   string
	logger commons.Logger

	threshold        int
	openTimeout      time.Duration
	resetTimeout     time.Duration
	halfOpenRequired int

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	lastFailureAt time.Time

	now func() time.Time
}

// Option tunes a breaker away from its defaults.
type Option func(*CircuitBreaker)

func WithThreshold(n int) Option {
	return func(cb *CircuitBreaker) { cb.threshold = n }
}

func WithOpenTimeout(d time.Duration) Option {
	return func(cb *CircuitBreaker) { cb.openTimeout = d }
}

func WithResetTimeout(d time.Duration) Option {
	return func(cb *CircuitBreaker) { cb.resetTimeout = d }
}

func WithHalfOpenSuccesses(n int) Option {
	return func(cb *CircuitBreaker) { cb.halfOpenRequired = n }
}

func withClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// New builds a closed breaker.
func New(name string, logger commons.Logger, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             name,
		logger:           logger,
		threshold:        defaultThreshold,
		openTimeout:      defaultOpenTimeout,
		resetTimeout:     defaultResetTimeout,
		halfOpenRequired: defaultHalfOpenRequired,
		state:            Closed,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute runs fn under the breaker. In Open state the call is rejected fast
// with an ErrOpen carrying the remaining cooldown.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != Open {
		return nil
	}
	elapsed := cb.now().Sub(cb.lastFailureAt)
	if elapsed < cb.openTimeout {
		return &ErrOpen{RetryAfter: cb.openTimeout - elapsed}
	}
	cb.state = HalfOpen
	cb.successCount = 0
	cb.logger.Infof("breaker %s: probing after cooldown", cb.name)
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failureCount++
		cb.lastFailureAt = cb.now()
		switch cb.state {
		case HalfOpen:
			cb.state = Open
			cb.logger.Warnf("breaker %s: probe failed, reopening", cb.name)
		case Closed:
			if cb.failureCount >= cb.threshold {
				cb.state = Open
				cb.logger.Warnf("breaker %s: %d straight failures, opening for %s", cb.name, cb.failureCount, cb.openTimeout)
			}
		}
		return
	}

	switch cb.state {
	case HalfOpen:
		cb.successCount++
		if cb.successCount >= cb.halfOpenRequired {
			cb.state = Closed
			cb.failureCount = 0
			cb.successCount = 0
			cb.logger.Infof("breaker %s: recovered, closing", cb.name)
		}
	case Closed:
		// A success long after the last failure clears the streak.
		if cb.failureCount > 0 && cb.now().Sub(cb.lastFailureAt) > cb.resetTimeout {
			cb.failureCount = 0
		}
	}
}

// CurrentState reports the state for metrics snapshots.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// IsTransient classifies an error message as a retryable network signal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, signal := range []string{
		"timeout",
		"timed out",
		"connection reset",
		"connection refused",
		"broken pipe",
		"temporarily unavailable",
		"too many requests",
		"429",
	} {
		if strings.Contains(msg, signal) {
			return true
		}
	}
	return false
}
