// Package circuitbreaker guards calls to external collaborators such as the
// pricing advisor so a failing dependency is not hammered by every worker.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/listing-tracker/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means the circuit is closed and requests are allowed
	StateClosed State = "closed"
	// StateOpen means the circuit is open and requests are blocked
	StateOpen State = "open"
	// StateHalfOpen means a limited number of probe calls are allowed
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTooManyRequests is returned when the half-open probe budget is spent
var ErrTooManyRequests = errors.New("too many requests in half-open state")

// Config configures a circuit breaker
type Config struct {
	Name string
	// MinCalls is the number of calls observed before the failure rate matters
	MinCalls int
	// FailureThreshold is the failure rate (0.0-1.0) that opens the circuit
	FailureThreshold float64
	// ConsecutiveFailures opens the circuit regardless of rate
	ConsecutiveFailures int
	// Timeout is how long the circuit stays open before probing
	Timeout time.Duration
	// HalfOpenMaxCalls is the number of probes allowed and the successes needed to close
	HalfOpenMaxCalls int
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:                name,
		MinCalls:            10,
		FailureThreshold:    0.5,
		ConsecutiveFailures: 5,
		Timeout:             30 * time.Second,
		HalfOpenMaxCalls:    2,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	totalCalls       int
	inFlightProbes   int
	consecutiveFails int
	lastStateChange  time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig("default")
	}
	return &CircuitBreaker{
		cfg:             *config,
		now:             time.Now,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn with circuit breaker protection. Context cancellation is
// not counted as a dependency failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	err = fn()
	cb.afterRequest(probe, err, ctx.Err() != nil)
	return err
}

func (cb *CircuitBreaker) beforeRequest() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastStateChange) < cb.cfg.Timeout {
			return false, ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.inFlightProbes >= cb.cfg.HalfOpenMaxCalls {
			return false, ErrTooManyRequests
		}
		cb.inFlightProbes++
		return true, nil
	default:
		return false, nil
	}
}

func (cb *CircuitBreaker) afterRequest(probe bool, err error, cancelled bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.inFlightProbes--
	}
	if err != nil && cancelled {
		return
	}

	cb.totalCalls++
	if err == nil {
		cb.successes++
		cb.consecutiveFails = 0
		if cb.state == StateHalfOpen && cb.successes >= cb.cfg.HalfOpenMaxCalls {
			cb.transition(StateClosed)
		}
		return
	}

	cb.failures++
	cb.consecutiveFails++
	switch cb.state {
	case StateHalfOpen:
		cb.transition(StateOpen)
	case StateClosed:
		if cb.shouldOpen() {
			cb.transition(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) shouldOpen() bool {
	if cb.cfg.ConsecutiveFailures > 0 && cb.consecutiveFails >= cb.cfg.ConsecutiveFailures {
		return true
	}
	if cb.totalCalls < cb.cfg.MinCalls {
		return false
	}
	return cb.failureRate() >= cb.cfg.FailureThreshold
}

func (cb *CircuitBreaker) failureRate() float64 {
	if cb.totalCalls == 0 {
		return 0
	}
	return float64(cb.failures) / float64(cb.totalCalls)
}

// transition changes state and clears the counters of the window
func (cb *CircuitBreaker) transition(state State) {
	logging.WithFields(map[string]interface{}{
		"circuitBreaker": cb.cfg.Name,
		"from":           cb.state,
		"to":             state,
		"failures":       cb.failures,
		"totalCalls":     cb.totalCalls,
	}).Info("Circuit breaker state change")

	cb.state = state
	cb.lastStateChange = cb.now()
	cb.failures = 0
	cb.successes = 0
	cb.totalCalls = 0
	cb.consecutiveFails = 0
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	TotalCalls      int       `json:"totalCalls"`
	FailureRate     float64   `json:"failureRate"`
	LastStateChange time.Time `json:"lastStateChange"`
}

// GetStats returns statistics about the current window
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:            cb.cfg.Name,
		State:           cb.state,
		Failures:        cb.failures,
		Successes:       cb.successes,
		TotalCalls:      cb.totalCalls,
		FailureRate:     cb.failureRate(),
		LastStateChange: cb.lastStateChange,
	}
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
}
