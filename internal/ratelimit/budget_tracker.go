// Package ratelimit paces queries into the transaction source. Interactive
// lookups draw from a reserved pool so batch jobs cannot starve them.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultTotalBudget    = 200             // source queries per window
	DefaultReservedBudget = 80              // reserved for interactive lookups
	DefaultWindowSize     = time.Second     // fixed window, aligned to its size
	DefaultKeyTTL         = 2 * time.Second // window + buffer
)

// Redis key prefixes for budget tracking.
const (
	KeyPrefixTotal    = "qb:total:"
	KeyPrefixReserved = "qb:reserved:"
	KeyPrefixShared   = "qb:shared:"
)

// Priority selects the budget pool a query is charged to.
type Priority int

const (
	// PriorityLookup is for single-wallet lookups (reserved pool).
	PriorityLookup Priority = iota
	// PriorityBatch is for batch clustering jobs (shared pool).
	PriorityBatch
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityLookup:
		return "lookup"
	case PriorityBatch:
		return "batch"
	default:
		return "unknown"
	}
}

// Budget hands out source query capacity per priority pool.
type Budget interface {
	// TryConsume charges cost to the priority's pool. When denied it returns
	// how long to wait before the pool can have capacity again.
	TryConsume(ctx context.Context, cost int, priority Priority) (bool, time.Duration)
	Usage(ctx context.Context) (*UsageStats, error)
}

// UsageStats contains current consumption metrics.
type UsageStats struct {
	TotalUsed      int       `json:"total_used"`
	ReservedUsed   int       `json:"reserved_used"`
	SharedUsed     int       `json:"shared_used"`
	TotalBudget    int       `json:"total_budget"`
	ReservedBudget int       `json:"reserved_budget"`
	SharedBudget   int       `json:"shared_budget"`
	WindowStart    time.Time `json:"window_start"`
}

// Utilization returns total usage as a percentage of the total budget
func (u *UsageStats) Utilization() float64 {
	if u.TotalBudget == 0 {
		return 100
	}
	return float64(u.TotalUsed) * 100 / float64(u.TotalBudget)
}

// RedisBudgetTracker coordinates source queries across engine instances
// using Redis. Each window keeps a total counter plus one counter per pool.
type RedisBudgetTracker struct {
	redis          redis.Cmdable
	totalBudget    int
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	keyTTL         time.Duration
	keyPrefix      string
	now            func() time.Time
}

// RedisBudgetTrackerConfig holds configuration for the budget tracker.
type RedisBudgetTrackerConfig struct {
	// Redis is required; the tracker cannot function without it.
	Redis redis.Cmdable

	// TotalBudget is the query budget per window. Default: 200.
	TotalBudget int

	// ReservedBudget is the share of TotalBudget held for lookups. Default: 80.
	ReservedBudget int

	// WindowSize is the window duration. Default: 1s.
	WindowSize time.Duration

	// KeyTTL should be at least WindowSize. Default: 2s.
	KeyTTL time.Duration

	// KeyPrefix namespaces the counters, e.g. per deployment. Optional.
	KeyPrefix string
}

// Validate checks if the configuration is valid.
func (c *RedisBudgetTrackerConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	return validateBudgets(c.TotalBudget, c.ReservedBudget)
}

func validateBudgets(total, reserved int) error {
	if total < 0 {
		return errors.New("total budget cannot be negative")
	}
	if reserved < 0 {
		return errors.New("reserved budget cannot be negative")
	}
	total, reserved = withDefaults(total, reserved)
	if reserved > total {
		return fmt.Errorf("reserved budget (%d) cannot exceed total budget (%d)", reserved, total)
	}
	return nil
}

func withDefaults(total, reserved int) (int, int) {
	if total == 0 {
		total = DefaultTotalBudget
	}
	if reserved == 0 {
		reserved = DefaultReservedBudget
	}
	return total, reserved
}

// NewRedisBudgetTracker creates a new tracker with the given configuration.
func NewRedisBudgetTracker(cfg *RedisBudgetTrackerConfig) (*RedisBudgetTracker, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	totalBudget, reservedBudget := withDefaults(cfg.TotalBudget, cfg.ReservedBudget)

	windowSize := cfg.WindowSize
	if windowSize == 0 {
		windowSize = DefaultWindowSize
	}

	keyTTL := cfg.KeyTTL
	if keyTTL == 0 {
		keyTTL = DefaultKeyTTL
	}
	if keyTTL < windowSize {
		keyTTL = windowSize
	}

	return &RedisBudgetTracker{
		redis:          cfg.Redis,
		totalBudget:    totalBudget,
		reservedBudget: reservedBudget,
		sharedBudget:   totalBudget - reservedBudget,
		windowSize:     windowSize,
		keyTTL:         keyTTL,
		keyPrefix:      cfg.KeyPrefix,
		now:            time.Now,
	}, nil
}

// consumeScript checks and increments the total and pool counters atomically,
// so concurrent instances never overshoot the window budget.
var consumeScript = redis.NewScript(`
	local totalKey = KEYS[1]
	local poolKey = KEYS[2]
	local cost = tonumber(ARGV[1])
	local totalBudget = tonumber(ARGV[2])
	local poolBudget = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
	local poolUsed = tonumber(redis.call('GET', poolKey) or '0')

	if totalUsed + cost > totalBudget then
		return {0, totalUsed, poolUsed}
	end
	if poolUsed + cost > poolBudget then
		return {0, totalUsed, poolUsed}
	end

	redis.call('INCRBY', totalKey, cost)
	redis.call('PEXPIRE', totalKey, ttl)
	redis.call('INCRBY', poolKey, cost)
	redis.call('PEXPIRE', poolKey, ttl)

	return {1, totalUsed + cost, poolUsed + cost}
`)

// windowStart returns the start of the current window in unix milliseconds.
func (t *RedisBudgetTracker) windowStart() int64 {
	return t.now().Truncate(t.windowSize).UnixMilli()
}

func (t *RedisBudgetTracker) keys(windowTS int64) (totalKey, reservedKey, sharedKey string) {
	ts := strconv.FormatInt(windowTS, 10)
	return t.keyPrefix + KeyPrefixTotal + ts,
		t.keyPrefix + KeyPrefixReserved + ts,
		t.keyPrefix + KeyPrefixShared + ts
}

// TryConsume charges cost to the priority's pool and the total budget.
// A Redis failure denies the query.
func (t *RedisBudgetTracker) TryConsume(ctx context.Context, cost int, priority Priority) (bool, time.Duration) {
	if cost <= 0 {
		return true, 0
	}

	windowTS := t.windowStart()
	totalKey, reservedKey, sharedKey := t.keys(windowTS)

	poolKey, poolBudget := sharedKey, t.sharedBudget
	if priority == PriorityLookup {
		poolKey, poolBudget = reservedKey, t.reservedBudget
	}

	result, err := consumeScript.Run(ctx, t.redis, []string{totalKey, poolKey},
		cost, t.totalBudget, poolBudget, t.keyTTL.Milliseconds()).Int64Slice()
	if err != nil || len(result) == 0 || result[0] != 1 {
		return false, t.untilNextWindow(windowTS)
	}
	return true, 0
}

// untilNextWindow returns the time until the next window starts, plus a
// millisecond so the retry lands inside it.
func (t *RedisBudgetTracker) untilNextWindow(windowTS int64) time.Duration {
	end := time.UnixMilli(windowTS).Add(t.windowSize)
	wait := end.Sub(t.now())
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// Usage returns current consumption statistics.
func (t *RedisBudgetTracker) Usage(ctx context.Context) (*UsageStats, error) {
	windowTS := t.windowStart()
	totalKey, reservedKey, sharedKey := t.keys(windowTS)

	pipe := t.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)

	// missing keys surface as redis.Nil and count as zero
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read query budget usage: %w", err)
	}

	return &UsageStats{
		TotalUsed:      parseIntOrZero(totalCmd),
		ReservedUsed:   parseIntOrZero(reservedCmd),
		SharedUsed:     parseIntOrZero(sharedCmd),
		TotalBudget:    t.totalBudget,
		ReservedBudget: t.reservedBudget,
		SharedBudget:   t.sharedBudget,
		WindowStart:    time.UnixMilli(windowTS),
	}, nil
}

func parseIntOrZero(cmd *redis.StringCmd) int {
	val, err := cmd.Int()
	if err != nil {
		return 0
	}
	return val
}

// AvailableBudget returns what is left in the priority's pool this window.
func (t *RedisBudgetTracker) AvailableBudget(ctx context.Context, priority Priority) (int, error) {
	stats, err := t.Usage(ctx)
	if err != nil {
		return 0, err
	}

	available := t.sharedBudget - stats.SharedUsed
	if priority == PriorityLookup {
		available = t.reservedBudget - stats.ReservedUsed
	}
	if available < 0 {
		available = 0
	}
	return available, nil
}

// WindowSize returns the configured window size.
func (t *RedisBudgetTracker) WindowSize() time.Duration {
	return t.windowSize
}
