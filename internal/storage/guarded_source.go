package storage

import (
	"context"
	"errors"

	"github.com/wallet-cluster-engine/internal/circuitbreaker"
	apperrors "github.com/wallet-cluster-engine/internal/errors"
	"github.com/wallet-cluster-engine/internal/retry"
	"github.com/wallet-cluster-engine/internal/types"
)

// GuardedSource wraps a TransactionSource with retries and a circuit breaker.
// Every failure that escapes is a SourceError.
type GuardedSource struct {
	inner   TransactionSource
	breaker *circuitbreaker.CircuitBreaker
	retry   *retry.RetryConfig
}

// NewGuardedSource creates a guarded source
func NewGuardedSource(inner TransactionSource, breaker *circuitbreaker.CircuitBreaker, retryConfig *retry.RetryConfig) *GuardedSource {
	if retryConfig == nil {
		retryConfig = retry.DefaultRetryConfig()
	}
	cfg := *retryConfig
	cfg.Retryable = func(err error) bool {
		// an open circuit will not close within a retry window
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return false
		}
		return apperrors.IsRetryable(err)
	}
	return &GuardedSource{inner: inner, breaker: breaker, retry: &cfg}
}

// Transactions fetches address's history through the guard
func (g *GuardedSource) Transactions(ctx context.Context, address string) ([]types.TransactionRecord, error) {
	var records []types.TransactionRecord

	result := retry.WithExponentialBackoff(ctx, g.retry, func(ctx context.Context, attempt int) error {
		return g.breaker.Execute(ctx, func(ctx context.Context) error {
			out, err := g.inner.Transactions(ctx, address)
			if err != nil {
				if apperrors.Categorize(err).Category == apperrors.CategorySystem && ctx.Err() == nil {
					return apperrors.NewSourceError(address, err)
				}
				return err
			}
			records = out
			return nil
		})
	})

	if !result.Success {
		err := result.LastError
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, err
		}
		if apperrors.HasCategory(err, apperrors.CategorySource) {
			return nil, err
		}
		return nil, apperrors.NewSourceError(address, err)
	}
	return records, nil
}

// Breaker exposes the circuit breaker for stats
func (g *GuardedSource) Breaker() *circuitbreaker.CircuitBreaker {
	return g.breaker
}
