package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// LocalBudget is the single-instance Budget used when Redis is not
// configured. Each pool is a token bucket refilled at its budget per window.
type LocalBudget struct {
	reserved       *rate.Limiter
	shared         *rate.Limiter
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	now            func() time.Time
}

// NewLocalBudget creates a budget of total queries per window, of which
// reserved are held for lookups.
func NewLocalBudget(total, reserved int, window time.Duration) (*LocalBudget, error) {
	if err := validateBudgets(total, reserved); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if window < 0 {
		return nil, errors.New("window cannot be negative")
	}
	total, reserved = withDefaults(total, reserved)
	if window == 0 {
		window = DefaultWindowSize
	}

	b := &LocalBudget{
		reservedBudget: reserved,
		sharedBudget:   total - reserved,
		windowSize:     window,
		now:            time.Now,
	}
	b.reserved = newPoolLimiter(reserved, window)
	b.shared = newPoolLimiter(b.sharedBudget, window)
	return b, nil
}

func newPoolLimiter(budget int, window time.Duration) *rate.Limiter {
	if budget == 0 {
		return rate.NewLimiter(0, 0)
	}
	return rate.NewLimiter(rate.Limit(float64(budget)/window.Seconds()), budget)
}

func (b *LocalBudget) pool(priority Priority) *rate.Limiter {
	if priority == PriorityLookup {
		return b.reserved
	}
	return b.shared
}

// TryConsume takes cost tokens from the priority's pool
func (b *LocalBudget) TryConsume(_ context.Context, cost int, priority Priority) (bool, time.Duration) {
	if cost <= 0 {
		return true, 0
	}
	now := b.now()
	lim := b.pool(priority)

	r := lim.ReserveN(now, cost)
	if !r.OK() {
		// cost exceeds the pool's burst; it never fits
		return false, b.windowSize
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// Usage reports consumption as the tokens missing from each bucket
func (b *LocalBudget) Usage(_ context.Context) (*UsageStats, error) {
	now := b.now()
	reservedUsed := used(b.reserved, b.reservedBudget, now)
	sharedUsed := used(b.shared, b.sharedBudget, now)
	return &UsageStats{
		TotalUsed:      reservedUsed + sharedUsed,
		ReservedUsed:   reservedUsed,
		SharedUsed:     sharedUsed,
		TotalBudget:    b.reservedBudget + b.sharedBudget,
		ReservedBudget: b.reservedBudget,
		SharedBudget:   b.sharedBudget,
		WindowStart:    now.Truncate(b.windowSize),
	}, nil
}

func used(lim *rate.Limiter, budget int, now time.Time) int {
	n := budget - int(lim.TokensAt(now))
	if n < 0 {
		return 0
	}
	return n
}
