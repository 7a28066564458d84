package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/wallet-cluster-engine/internal/errors"
	"github.com/wallet-cluster-engine/internal/storage"
	"github.com/wallet-cluster-engine/internal/types"
)

// stubBudget denies the first `denials` calls, then allows everything
type stubBudget struct {
	mu       sync.Mutex
	denials  int
	wait     time.Duration
	calls    map[Priority]int
	usage    UsageStats
	usageErr error
}

func (b *stubBudget) TryConsume(_ context.Context, _ int, p Priority) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.calls == nil {
		b.calls = make(map[Priority]int)
	}
	b.calls[p]++
	if b.denials > 0 {
		b.denials--
		return false, b.wait
	}
	return true, 0
}

func (b *stubBudget) Usage(context.Context) (*UsageStats, error) {
	if b.usageErr != nil {
		return nil, b.usageErr
	}
	u := b.usage
	return &u, nil
}

func newTestController(t *testing.T, budget Budget, cfg ControllerConfig) *Controller {
	t.Helper()
	cfg.Budget = budget
	c, err := NewController(&cfg)
	require.NoError(t, err)
	return c
}

func TestNewController(t *testing.T) {
	t.Run("applies defaults when not specified", func(t *testing.T) {
		c := newTestController(t, &stubBudget{}, ControllerConfig{})
		assert.Equal(t, DefaultBaseDelay, c.baseDelay)
		assert.Equal(t, DefaultMaxDelay, c.maxDelay)
		assert.Equal(t, DefaultMaxWait, c.maxWait)
		assert.Equal(t, DefaultBaseDelay, c.CurrentDelay())
	})

	tests := []struct {
		name    string
		cfg     *ControllerConfig
		wantErr string
	}{
		{"nil config", nil, "configuration is required"},
		{"nil budget", &ControllerConfig{}, "budget is required"},
		{"negative base delay", &ControllerConfig{Budget: &stubBudget{}, BaseDelay: -1}, "base delay cannot be negative"},
		{"negative max delay", &ControllerConfig{Budget: &stubBudget{}, MaxDelay: -1}, "max delay cannot be negative"},
		{"negative max wait", &ControllerConfig{Budget: &stubBudget{}, MaxWait: -1}, "max wait cannot be negative"},
		{"base exceeds max", &ControllerConfig{Budget: &stubBudget{}, BaseDelay: time.Second, MaxDelay: time.Millisecond}, "base delay cannot exceed max delay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewController(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestControllerBackoffIsCapped(t *testing.T) {
	c := newTestController(t, &stubBudget{}, ControllerConfig{
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  50 * time.Millisecond,
	})

	want := []time.Duration{20, 40, 50, 50}
	for i, w := range want {
		c.RecordFailure()
		assert.Equal(t, w*time.Millisecond, c.CurrentDelay(), "failure %d", i+1)
	}
	assert.Equal(t, 4, c.ConsecutiveFailures())

	c.RecordSuccess()
	assert.Equal(t, 10*time.Millisecond, c.CurrentDelay())
	assert.Equal(t, 0, c.ConsecutiveFailures())
}

func TestWaitForBudgetRetriesUntilGranted(t *testing.T) {
	budget := &stubBudget{denials: 2, wait: time.Millisecond}
	c := newTestController(t, budget, ControllerConfig{BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond})

	require.NoError(t, c.WaitForBudget(context.Background(), 1, PriorityBatch))
	assert.Equal(t, 3, budget.calls[PriorityBatch])
	assert.Equal(t, 0, c.ConsecutiveFailures(), "a grant resets the backoff")
}

func TestLookupWaitsDoNotTouchBatchBackoff(t *testing.T) {
	budget := &stubBudget{denials: 3, wait: time.Millisecond}
	c := newTestController(t, budget, ControllerConfig{})

	require.NoError(t, c.WaitForBudget(context.Background(), 1, PriorityLookup))
	assert.Equal(t, 4, budget.calls[PriorityLookup])
	assert.Equal(t, 0, c.ConsecutiveFailures())
	assert.Equal(t, DefaultBaseDelay, c.CurrentDelay())
}

func TestWaitForBudgetMaxWait(t *testing.T) {
	budget := &stubBudget{denials: 1000, wait: 20 * time.Millisecond}
	c := newTestController(t, budget, ControllerConfig{MaxWait: 50 * time.Millisecond})

	start := time.Now()
	err := c.WaitForBudget(context.Background(), 1, PriorityLookup)
	assert.ErrorIs(t, err, ErrMaxWaitExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForBudgetHonoursContext(t *testing.T) {
	budget := &stubBudget{denials: 1000, wait: time.Second}
	c := newTestController(t, budget, ControllerConfig{MaxWait: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.WaitForBudget(ctx, 1, PriorityLookup)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	cancelled, cancel2 := context.WithCancel(context.Background())
	cancel2()
	assert.ErrorIs(t, c.WaitForBudget(cancelled, 1, PriorityBatch), context.Canceled)
}

func TestWaitForBudgetZeroCost(t *testing.T) {
	budget := &stubBudget{denials: 1}
	c := newTestController(t, budget, ControllerConfig{})
	require.NoError(t, c.WaitForBudget(context.Background(), 0, PriorityBatch))
	assert.Empty(t, budget.calls)
}

func TestShouldPause(t *testing.T) {
	budget := &stubBudget{usage: UsageStats{TotalUsed: 50, TotalBudget: 100}}
	c := newTestController(t, budget, ControllerConfig{})
	ctx := context.Background()

	assert.False(t, c.ShouldPause(ctx))

	budget.usage.TotalUsed = 90
	assert.True(t, c.ShouldPause(ctx))

	budget.usageErr = errors.New("redis down")
	assert.True(t, c.ShouldPause(ctx), "unknown usage counts as saturated")
}

func TestLocalBudget(t *testing.T) {
	b, err := NewLocalBudget(10, 4, time.Second)
	require.NoError(t, err)
	now := testNow
	b.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		ok, _ := b.TryConsume(ctx, 1, PriorityLookup)
		require.True(t, ok, "lookup query %d", i)
	}
	ok, wait := b.TryConsume(ctx, 1, PriorityLookup)
	assert.False(t, ok)
	assert.InDelta(t, float64(250*time.Millisecond), float64(wait), float64(time.Millisecond))

	ok, _ = b.TryConsume(ctx, 6, PriorityBatch)
	assert.True(t, ok, "the shared pool is untouched by lookups")

	stats, err := b.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.ReservedUsed)
	assert.Equal(t, 6, stats.SharedUsed)
	assert.Equal(t, 10, stats.TotalBudget)

	now = now.Add(250 * time.Millisecond)
	ok, _ = b.TryConsume(ctx, 1, PriorityLookup)
	assert.True(t, ok, "one token refills every quarter second")

	ok, wait = b.TryConsume(ctx, 7, PriorityBatch)
	assert.False(t, ok, "a cost above the pool never fits")
	assert.Equal(t, time.Second, wait)
}

func TestNewLocalBudgetValidation(t *testing.T) {
	_, err := NewLocalBudget(5, 6, time.Second)
	assert.Error(t, err)
	_, err = NewLocalBudget(5, 2, -time.Second)
	assert.Error(t, err)

	b, err := NewLocalBudget(0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultReservedBudget, b.reservedBudget)
	assert.Equal(t, DefaultTotalBudget-DefaultReservedBudget, b.sharedBudget)
}

// prioritySource records the priority each fetch arrived with
type prioritySource struct {
	mu   sync.Mutex
	seen []Priority
}

func (s *prioritySource) Transactions(ctx context.Context, address string) ([]types.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, PriorityFromContext(ctx))
	return []types.TransactionRecord{{Hash: "0x1", From: address, Timestamp: 1}}, nil
}

var _ storage.TransactionSource = (*ThrottledSource)(nil)

func TestThrottledSourceChargesByPriority(t *testing.T) {
	budget := &stubBudget{}
	inner := &prioritySource{}
	src := NewThrottledSource(inner, newTestController(t, budget, ControllerConfig{}))

	_, err := src.Transactions(context.Background(), "0xabc")
	require.NoError(t, err)
	recs, err := src.Transactions(WithPriority(context.Background(), PriorityLookup), "0xabc")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	assert.Equal(t, 1, budget.calls[PriorityBatch], "untagged queries are batch")
	assert.Equal(t, 1, budget.calls[PriorityLookup])
	assert.Equal(t, []Priority{PriorityBatch, PriorityLookup}, inner.seen)
}

func TestThrottledSourceExhaustedBudgetIsSourceError(t *testing.T) {
	budget := &stubBudget{denials: 1000, wait: 20 * time.Millisecond}
	inner := &prioritySource{}
	src := NewThrottledSource(inner, newTestController(t, budget, ControllerConfig{MaxWait: 30 * time.Millisecond}))

	_, err := src.Transactions(WithPriority(context.Background(), PriorityLookup), "0xabc")
	require.Error(t, err)
	assert.True(t, apperrors.HasCategory(err, apperrors.CategorySource))
	assert.True(t, apperrors.IsRetryable(err))
	assert.ErrorIs(t, err, ErrMaxWaitExceeded)
	assert.Empty(t, inner.seen)
}

func TestThrottledSourceBatchYieldsNearSaturation(t *testing.T) {
	budget := &stubBudget{usage: UsageStats{TotalUsed: 95, TotalBudget: 100}}
	inner := &prioritySource{}
	src := NewThrottledSource(inner, newTestController(t, budget, ControllerConfig{BaseDelay: 30 * time.Millisecond, MaxDelay: time.Second}))

	start := time.Now()
	_, err := src.Transactions(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	// lookups never yield
	start = time.Now()
	_, err = src.Transactions(WithPriority(context.Background(), PriorityLookup), "0xabc")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 30*time.Millisecond)
}
