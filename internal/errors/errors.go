package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/wallet-cluster-engine/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents malformed input (per-address or per-request)
	CategoryValidation ErrorCategory = "validation"
	// CategoryInsufficientData represents a wallet with too little history to profile
	CategoryInsufficientData ErrorCategory = "insufficient_data"
	// CategoryOrchestration represents internal scheduling/resource failures
	CategoryOrchestration ErrorCategory = "orchestration"
	// CategoryTimeout represents a job exceeding its wall-clock budget
	CategoryTimeout ErrorCategory = "timeout"
	// CategorySource represents transaction source failures
	CategorySource ErrorCategory = "source"
	// CategoryCache represents cache errors
	CategoryCache ErrorCategory = "cache"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents conflict errors
	CategoryConflict ErrorCategory = "conflict"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
)

// Error codes
const (
	CodeInvalidAddress     = "INVALID_ADDRESS"
	CodeInvalidParameter   = "INVALID_PARAMETER"
	CodeInsufficientData   = "INSUFFICIENT_DATA"
	CodeOrchestrationError = "ORCHESTRATION_ERROR"
	CodeJobTimeout         = "JOB_TIMEOUT"
	CodeSourceError        = "SOURCE_ERROR"
	CodeCacheError         = "CACHE_ERROR"
	CodeDatabaseError      = "DATABASE_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeInternalError      = "INTERNAL_ERROR"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Per-wallet errors

// NewInvalidAddressError creates a validation error for a malformed address
func NewInvalidAddressError(address string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidAddress,
		Message:    fmt.Sprintf("invalid address format: %s (%s)", address, reason),
		Details: map[string]interface{}{
			"address": address,
			"reason":  reason,
		},
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidParameter,
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewInsufficientDataError reports a wallet with too few transactions to profile.
// Callers treat it as "unclustered", never as a failure.
func NewInsufficientDataError(address string, have, need int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryInsufficientData,
		StatusCode: http.StatusOK,
		Code:       CodeInsufficientData,
		Message:    fmt.Sprintf("insufficient data for %s: %d transactions, need %d", address, have, need),
		Details: map[string]interface{}{
			"address":      address,
			"transactions": have,
			"required":     need,
		},
	}
}

// NewSourceError wraps a transaction source failure for one wallet
func NewSourceError(address string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySource,
		StatusCode: http.StatusBadGateway,
		Code:       CodeSourceError,
		Message:    fmt.Sprintf("failed to fetch transactions for %s", address),
		Cause:      cause,
		Details: map[string]interface{}{
			"address": address,
		},
	}
}

// Job-level errors

// NewOrchestrationError creates an error that fails the whole job
func NewOrchestrationError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryOrchestration,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeOrchestrationError,
		Message:    message,
		Cause:      cause,
	}
}

// NewTimeoutError creates an error for a job that exceeded its wall-clock budget
func NewTimeoutError(jobID string, budget time.Duration) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTimeout,
		StatusCode: http.StatusGatewayTimeout,
		Code:       CodeJobTimeout,
		Message:    fmt.Sprintf("job %s exceeded wall-clock budget of %s", jobID, budget),
		Details: map[string]interface{}{
			"job_id": jobID,
			"budget": budget.String(),
		},
	}
}

// Infrastructure errors

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewConflictError creates a conflict error
func NewConflictError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeConflict,
		Message:    message,
	}
}

// NewCacheError creates a cache error
func NewCacheError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCache,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeCacheError,
		Message:    fmt.Sprintf("cache error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeDatabaseError,
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternalError,
		Message:    message,
		Cause:      cause,
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	return NewInternalError("unexpected error", err)
}

// HasCategory reports whether err carries the given category anywhere in its chain
func HasCategory(err error, category ErrorCategory) bool {
	var catErr *CategorizedError
	if !stderrors.As(err, &catErr) {
		return false
	}
	return catErr.Category == category
}

// IsInsufficientData reports whether err marks a wallet as too thin to profile
func IsInsufficientData(err error) bool {
	return HasCategory(err, CategoryInsufficientData)
}

// IsValidation reports whether err is a validation error
func IsValidation(err error) bool {
	return HasCategory(err, CategoryValidation)
}

// IsTimeout reports whether err is a job timeout
func IsTimeout(err error) bool {
	return HasCategory(err, CategoryTimeout)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategorySource, CategoryDatabase, CategoryCache:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}
