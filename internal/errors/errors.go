// Package errors defines the categorized error taxonomy shared by the store,
// the stage tracker, the pricing boundary and the HTTP API.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/listing-tracker/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents malformed input (4xx)
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents lookups of unknown records
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents illegal state transitions and key races
	CategoryConflict ErrorCategory = "conflict"
	// CategoryProvider represents external collaborator failures
	CategoryProvider ErrorCategory = "provider"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryCache represents cache / stream errors
	CategoryCache ErrorCategory = "cache"
	// CategorySystem represents unexpected internal errors
	CategorySystem ErrorCategory = "system"
	// CategoryRateLimit represents throttled callers
	CategoryRateLimit ErrorCategory = "rate_limit"
)

// Error codes
const (
	CodeNotFound                = "NOT_FOUND"
	CodeStageOutOfOrder         = "STAGE_OUT_OF_ORDER"
	CodeDuplicateCannotProgress = "DUPLICATE_CANNOT_PROGRESS"
	CodeAdvisorUnavailable      = "ADVISOR_UNAVAILABLE"
	CodeAdKeyConflict           = "AD_KEY_CONFLICT"
	CodeInvalidObservation      = "INVALID_OBSERVATION"
	CodeInvalidParameter        = "INVALID_PARAMETER"
	CodeInternal                = "INTERNAL_ERROR"
	CodeDatabase                = "DATABASE_ERROR"
	CodePublish                 = "PUBLISH_ERROR"
	CodeRateLimit               = "RATE_LIMIT_EXCEEDED"
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

// Is matches any CategorizedError carrying the same code, so that
// errors.Is(err, ErrNotFound) works for errors built by the constructors.
func (e *CategorizedError) Is(target error) bool {
	t, ok := target.(*CategorizedError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Sentinels for errors.Is comparisons
var (
	ErrNotFound                = &CategorizedError{Code: CodeNotFound, Category: CategoryNotFound}
	ErrStageOutOfOrder         = &CategorizedError{Code: CodeStageOutOfOrder, Category: CategoryConflict}
	ErrDuplicateCannotProgress = &CategorizedError{Code: CodeDuplicateCannotProgress, Category: CategoryConflict}
	ErrAdvisorUnavailable      = &CategorizedError{Code: CodeAdvisorUnavailable, Category: CategoryProvider}
	ErrAdKeyConflict           = &CategorizedError{Code: CodeAdKeyConflict, Category: CategoryConflict}
	ErrInvalidObservation      = &CategorizedError{Code: CodeInvalidObservation, Category: CategoryValidation}
	ErrInvalidParameter        = &CategorizedError{Code: CodeInvalidParameter, Category: CategoryValidation}
)

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

// NewStageOutOfOrderError creates an illegal transition error
func NewStageOutOfOrderError(listingID string, current, requested types.Stage, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeStageOutOfOrder,
		Message:    fmt.Sprintf("cannot advance listing %s from %s to %s: %s", listingID, current, requested, reason),
		Details: map[string]interface{}{
			"listingId":      listingID,
			"currentStage":   current.String(),
			"requestedStage": requested.String(),
			"reason":         reason,
		},
	}
}

// NewDuplicateCannotProgressError creates an error for duplicates advanced past normalization
func NewDuplicateCannotProgressError(listingID string, duplicateOf string, requested types.Stage) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeDuplicateCannotProgress,
		Message:    fmt.Sprintf("listing %s is a duplicate of %s and cannot reach %s", listingID, duplicateOf, requested),
		Details: map[string]interface{}{
			"listingId":      listingID,
			"duplicateOf":    duplicateOf,
			"requestedStage": requested.String(),
		},
	}
}

// NewAdvisorUnavailableError creates a pricing boundary failure
func NewAdvisorUnavailableError(advisor string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeAdvisorUnavailable,
		Message:    fmt.Sprintf("pricing advisor unavailable: %s", advisor),
		Cause:      cause,
		Details: map[string]interface{}{
			"advisor": advisor,
		},
	}
}

// NewAdKeyConflictError signals that another writer created the same ad first
func NewAdKeyConflictError(sourceID, siteAdID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeAdKeyConflict,
		Message:    fmt.Sprintf("ad %s/%s already has a record", sourceID, siteAdID),
		Details: map[string]interface{}{
			"sourceId": sourceID,
			"siteAdId": siteAdID,
		},
	}
}

// NewInvalidObservationError creates an observation validation error
func NewInvalidObservationError(field string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidObservation,
		Message:    fmt.Sprintf("invalid observation field '%s': %s", field, reason),
		Details: map[string]interface{}{
			"field":  field,
			"reason": reason,
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

// NewRateLimitError creates a rate limit error
func NewRateLimitError() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeRateLimit,
		Message:    "rate limit exceeded",
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternal,
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeDatabase,
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewPublishError creates an outbound sink error
func NewPublishError(sink string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCache,
		StatusCode: http.StatusInternalServerError,
		Code:       CodePublish,
		Message:    fmt.Sprintf("failed to publish listing event to %s", sink),
		Cause:      cause,
		Details: map[string]interface{}{
			"sink": sink,
		},
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

	return NewInternalError("unexpected error", err)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil && catErr.StatusCode != 0 {
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
	case CategoryProvider, CategoryDatabase, CategoryCache:
		return true
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	status := GetHTTPStatusCode(err)
	return status >= 400 && status < 500
}
