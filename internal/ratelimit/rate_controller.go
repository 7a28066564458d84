package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Default rate controller configuration values.
const (
	DefaultBaseDelay = 50 * time.Millisecond
	DefaultMaxDelay  = 5 * time.Second
	DefaultMaxWait   = 30 * time.Second
	PauseUtilization = 90.0
)

// ErrMaxWaitExceeded is returned when budget does not free up within MaxWait.
var ErrMaxWaitExceeded = errors.New("maximum wait time exceeded waiting for source query budget")

// Controller paces queries against a Budget. Lookups retry at the start of
// the next window; batch queries back off exponentially while their pool
// stays exhausted.
type Controller struct {
	budget           Budget
	baseDelay        time.Duration
	maxDelay         time.Duration
	maxWait          time.Duration
	currentDelay     time.Duration
	consecutiveFails int
	mu               sync.Mutex
}

// ControllerConfig holds configuration for the rate controller.
type ControllerConfig struct {
	// Budget is required.
	Budget Budget

	// BaseDelay is the first batch backoff step. Default: 50ms.
	BaseDelay time.Duration

	// MaxDelay caps the batch backoff. Default: 5s.
	MaxDelay time.Duration

	// MaxWait bounds one WaitForBudget call. Default: 30s.
	MaxWait time.Duration
}

// Validate checks if the configuration is valid.
func (c *ControllerConfig) Validate() error {
	if c.Budget == nil {
		return errors.New("budget is required")
	}
	if c.BaseDelay < 0 {
		return errors.New("base delay cannot be negative")
	}
	if c.MaxDelay < 0 {
		return errors.New("max delay cannot be negative")
	}
	if c.MaxWait < 0 {
		return errors.New("max wait cannot be negative")
	}
	if c.MaxDelay > 0 && c.BaseDelay > 0 && c.BaseDelay > c.MaxDelay {
		return errors.New("base delay cannot exceed max delay")
	}
	return nil
}

// NewController creates a new controller with the given configuration.
func NewController(cfg *ControllerConfig) (*Controller, error) {
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

	return &Controller{
		budget:       cfg.Budget,
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		maxWait:      maxWait,
		currentDelay: baseDelay,
	}, nil
}

// WaitForBudget blocks until cost is granted from the priority's pool. It
// returns the context's error if ctx ends first and ErrMaxWaitExceeded if
// the budget stays exhausted for longer than MaxWait.
func (c *Controller) WaitForBudget(ctx context.Context, cost int, priority Priority) error {
	if cost <= 0 {
		return nil
	}
	deadline := time.Now().Add(c.maxWait)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		allowed, wait := c.budget.TryConsume(ctx, cost, priority)
		if allowed {
			if priority == PriorityBatch {
				c.RecordSuccess()
			}
			return nil
		}

		if priority == PriorityBatch {
			c.RecordFailure()
			if d := c.CurrentDelay(); d > wait {
				wait = d
			}
		}

		if time.Now().Add(wait).After(deadline) {
			return ErrMaxWaitExceeded
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RecordSuccess resets the batch backoff.
func (c *Controller) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveFails = 0
	c.currentDelay = c.baseDelay
}

// RecordFailure doubles the batch backoff, capped at MaxDelay.
func (c *Controller) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveFails++

	newDelay := c.baseDelay
	for i := 0; i < c.consecutiveFails; i++ {
		newDelay *= 2
		if newDelay > c.maxDelay {
			newDelay = c.maxDelay
			break
		}
	}
	c.currentDelay = newDelay
}

// ShouldPause reports whether total utilization has reached the pause
// threshold. A failed usage read counts as saturated.
func (c *Controller) ShouldPause(ctx context.Context) bool {
	stats, err := c.budget.Usage(ctx)
	if err != nil {
		return true
	}
	return stats.Utilization() >= PauseUtilization
}

// Usage returns the underlying budget's consumption
func (c *Controller) Usage(ctx context.Context) (*UsageStats, error) {
	return c.budget.Usage(ctx)
}

// CurrentDelay returns the current batch backoff delay.
func (c *Controller) CurrentDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentDelay
}

// ConsecutiveFailures returns the number of consecutive batch denials.
func (c *Controller) ConsecutiveFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveFails
}
