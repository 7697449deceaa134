// Package circuit provides a circuit breaker for the pool services. It sits
// in front of the Kafka client so a dead broker sheds load fast instead of
// stalling every session goroutine on timeouts.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/yuchuanzhen/btcpool/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed State = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit allows limited requests to test recovery
	StateHalfOpen
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	MaxFailures     int           // Maximum failures before opening
	SuccessRequired int           // Successful calls required to close from half-open
	Timeout         time.Duration // How long to wait before going to half-open
	ResetTimeout    time.Duration // How long to reset failure count in closed state
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	config *Config
	mu     sync.Mutex

	state         State
	failures      int
	successes     int
	lastFailTime  time.Time
	lastResetTime time.Time
}

// New creates a new circuit breaker, closed until failures accumulate.
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}

	return &Breaker{
		config:        config,
		state:         StateClosed,
		lastResetTime: time.Now(),
	}
}

// Execute runs a function under the breaker; an open circuit rejects the
// call without invoking it.
func (cb *Breaker) Execute(_ context.Context, fn func() error) error {
	if !cb.allow() {
		return cb.openErr()
	}

	err := fn()
	cb.observe(err)
	return err
}

// ExecuteWithResult runs a function under the breaker and returns its result.
func ExecuteWithResult[T any](_ context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	if !cb.allow() {
		var zero T
		return zero, cb.openErr()
	}

	result, err := fn()
	cb.observe(err)
	return result, err
}

func (cb *Breaker) openErr() *errors.ServiceError {
	return errors.New(errors.ErrorTypeInternal, "circuit_breaker",
		"circuit breaker is open").
		WithContext("state", cb.GetState().String())
}

// allow decides whether a request may proceed, advancing the state machine
// on the way: closed circuits age out stale failure counts, open circuits
// transition to half-open once the timeout passes.
func (cb *Breaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()

	switch cb.state {
	case StateClosed:
		if now.Sub(cb.lastResetTime) > cb.config.ResetTimeout {
			cb.failures = 0
			cb.lastResetTime = now
		}
		return true

	case StateOpen:
		if now.Sub(cb.lastFailTime) > cb.config.Timeout {
			cb.state = StateHalfOpen
			cb.successes = 0
			return true
		}
		return false

	case StateHalfOpen:
		return true

	default:
		return false
	}
}

// observe feeds a call outcome into the state machine. Any failure while
// half-open reopens immediately; enough consecutive half-open successes
// close the circuit again.
func (cb *Breaker) observe(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailTime = time.Now()

		switch {
		case cb.state == StateClosed && cb.failures >= cb.config.MaxFailures:
			cb.state = StateOpen
			cb.successes = 0
		case cb.state == StateHalfOpen:
			cb.state = StateOpen
			cb.successes = 0
		}
		return
	}

	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.config.SuccessRequired {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
			cb.lastResetTime = time.Now()
		}
	}
}

// GetState returns the current state of the circuit breaker
func (cb *Breaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset manually returns the circuit breaker to the closed state
func (cb *Breaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastResetTime = time.Now()
}
