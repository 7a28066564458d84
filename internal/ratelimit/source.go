package ratelimit

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/wallet-cluster-engine/internal/errors"
	"github.com/wallet-cluster-engine/internal/logging"
	"github.com/wallet-cluster-engine/internal/storage"
	"github.com/wallet-cluster-engine/internal/types"
)

type priorityKey struct{}

// WithPriority tags ctx so source queries made under it are charged to
// priority's pool. Untagged queries are charged as batch.
func WithPriority(ctx context.Context, priority Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, priority)
}

// PriorityFromContext returns the priority ctx was tagged with
func PriorityFromContext(ctx context.Context) Priority {
	if p, ok := ctx.Value(priorityKey{}).(Priority); ok {
		return p
	}
	return PriorityBatch
}

// ThrottledSource charges one query against the budget before every fetch
// from the wrapped source.
type ThrottledSource struct {
	inner      storage.TransactionSource
	controller *Controller
}

// NewThrottledSource wraps inner with controller's budget
func NewThrottledSource(inner storage.TransactionSource, controller *Controller) *ThrottledSource {
	return &ThrottledSource{inner: inner, controller: controller}
}

// Transactions waits for budget, then fetches address's history. Batch
// queries hold back while the shared budget is close to saturation.
func (s *ThrottledSource) Transactions(ctx context.Context, address string) ([]types.TransactionRecord, error) {
	priority := PriorityFromContext(ctx)

	if priority == PriorityBatch && s.controller.ShouldPause(ctx) {
		timer := time.NewTimer(s.controller.CurrentDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	start := time.Now()
	if err := s.controller.WaitForBudget(ctx, 1, priority); err != nil {
		if errors.Is(err, ErrMaxWaitExceeded) {
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"address":  address,
				"priority": priority.String(),
				"waited":   time.Since(start).String(),
			}).Warn("Source query budget exhausted")
			return nil, apperrors.NewSourceError(address, err)
		}
		return nil, err
	}
	if waited := time.Since(start); waited > 100*time.Millisecond {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"address":  address,
			"priority": priority.String(),
			"waited":   waited.String(),
		}).Debug("Source query throttled")
	}

	return s.inner.Transactions(ctx, address)
}
