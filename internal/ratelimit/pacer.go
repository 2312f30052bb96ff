package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Default pacer configuration values.
const (
	DefaultBaseDelay = 50 * time.Millisecond
	DefaultMaxDelay  = 2 * time.Second
	DefaultMaxWait   = 5 * time.Second
)

// ErrBudgetExhausted is returned when no budget became available in time.
var ErrBudgetExhausted = errors.New("advisor call budget exhausted")

type priorityKey struct{}

// WithPriority tags ctx with the budget priority of the calls made under it
func WithPriority(ctx context.Context, p Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

// PriorityFromContext returns the priority set by WithPriority, or PriorityHigh
func PriorityFromContext(ctx context.Context) Priority {
	if p, ok := ctx.Value(priorityKey{}).(Priority); ok {
		return p
	}
	return PriorityHigh
}

// Pacer waits for budget with exponential backoff between denied attempts.
type Pacer struct {
	tracker          *BudgetTracker
	baseDelay        time.Duration
	maxDelay         time.Duration
	maxWait          time.Duration
	currentDelay     time.Duration
	consecutiveFails int
	mu               sync.Mutex
}

// PacerConfig holds configuration for the pacer.
type PacerConfig struct {
	// Tracker is required.
	Tracker *BudgetTracker

	// BaseDelay is the initial delay between attempts. Default: 50ms.
	BaseDelay time.Duration

	// MaxDelay caps the delay between attempts. Default: 2s.
	MaxDelay time.Duration

	// MaxWait bounds the total time Wait blocks. Default: 5s.
	MaxWait time.Duration
}

// Validate checks if the configuration is valid.
func (c *PacerConfig) Validate() error {
	if c.Tracker == nil {
		return errors.New("tracker is required")
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 || c.MaxWait < 0 {
		return errors.New("delays cannot be negative")
	}
	if c.MaxDelay > 0 && c.BaseDelay > c.MaxDelay {
		return errors.New("base delay cannot exceed max delay")
	}
	return nil
}

// NewPacer creates a pacer with the given configuration.
func NewPacer(cfg *PacerConfig) (*Pacer, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	baseDelay := cfg.BaseDelay
	if baseDelay == 0 {
		baseDelay = DefaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay == 0 {
		maxDelay = DefaultMaxDelay
	}
	maxWait := cfg.MaxWait
	if maxWait == 0 {
		maxWait = DefaultMaxWait
	}

	return &Pacer{
		tracker:      cfg.Tracker,
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		maxWait:      maxWait,
		currentDelay: baseDelay,
	}, nil
}

// Wait blocks until one call of the priority of ctx fits the budget. It
// returns ErrBudgetExhausted after MaxWait and ctx.Err() on cancellation.
func (p *Pacer) Wait(ctx context.Context) error {
	priority := PriorityFromContext(ctx)
	deadline := time.Now().Add(p.maxWait)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		allowed, waitTime, err := p.tracker.TryConsume(ctx, 1, priority)
		if allowed {
			p.recordSuccess()
			return nil
		}
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		p.recordFailure()

		delay := p.CurrentDelay()
		if waitTime > delay {
			delay = waitTime
		}
		if time.Now().Add(delay).After(deadline) {
			if err != nil {
				return errors.Join(ErrBudgetExhausted, err)
			}
			return ErrBudgetExhausted
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (p *Pacer) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.consecutiveFails = 0
	p.currentDelay = p.baseDelay
}

// recordFailure doubles the delay per consecutive denial, capped at maxDelay
func (p *Pacer) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.consecutiveFails++

	newDelay := p.baseDelay
	for i := 0; i < p.consecutiveFails; i++ {
		newDelay *= 2
		if newDelay > p.maxDelay {
			newDelay = p.maxDelay
			break
		}
	}
	p.currentDelay = newDelay
}

// CurrentDelay returns the current backoff delay.
func (p *Pacer) CurrentDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentDelay
}

// ConsecutiveFailures returns the number of denials since the last success.
func (p *Pacer) ConsecutiveFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consecutiveFails
}
