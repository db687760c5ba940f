package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe-notion-sync/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryConfiguration represents a missing registry entry or database for an entity type
	CategoryConfiguration ErrorCategory = "configuration"
	// CategoryDependency represents a related entity that could not be synced
	CategoryDependency ErrorCategory = "dependency"
	// CategoryTransient represents rate limiting and network failures
	CategoryTransient ErrorCategory = "transient"
	// CategoryAuth represents a missing or invalid platform token
	CategoryAuth ErrorCategory = "auth"
	// CategoryValidation represents invalid input
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryCache represents cache errors
	CategoryCache ErrorCategory = "cache"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
	// RetryAfter is the server-requested wait before the next attempt, if any
	RetryAfter time.Duration
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

// Sync errors

// NewConfigurationError is returned when an entity type has no registry entry or no linked database.
// Fatal to that entity, never retried.
func NewConfigurationError(entityType types.EntityType, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConfiguration,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       "CONFIGURATION_ERROR",
		Message:    fmt.Sprintf("%s: %s", entityType, reason),
		Details: map[string]interface{}{
			"entityType": string(entityType),
		},
	}
}

// NewNotConnectedError is returned when an account has no workspace databases linked
func NewNotConnectedError(accountID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConfiguration,
		StatusCode: http.StatusConflict,
		Code:       "NOT_CONNECTED",
		Message:    fmt.Sprintf("account %s has no workspace databases linked", accountID),
		Details: map[string]interface{}{
			"accountId": accountID,
		},
	}
}

// NewSubscriptionInactiveError is returned when an account's own subscription does not allow syncing
func NewSubscriptionInactiveError(accountID string, status types.SubscriptionStatus) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusPaymentRequired,
		Code:       "SUBSCRIPTION_INACTIVE",
		Message:    fmt.Sprintf("account %s subscription is %s", accountID, status),
		Details: map[string]interface{}{
			"accountId": accountID,
			"status":    string(status),
		},
	}
}

// NewDependencyUnresolvedError wraps the failure of a related entity sync
func NewDependencyUnresolvedError(entityType types.EntityType, sourceID string, depType types.EntityType, depID string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDependency,
		StatusCode: http.StatusFailedDependency,
		Code:       "DEPENDENCY_UNRESOLVED",
		Message:    fmt.Sprintf("%s %s: could not sync %s %s", entityType, sourceID, depType, depID),
		Cause:      cause,
		Details: map[string]interface{}{
			"entityType":     string(entityType),
			"sourceId":       sourceID,
			"dependencyType": string(depType),
			"dependencyId":   depID,
		},
	}
}

// NewTransientAPIError represents a network failure or retryable server error
func NewTransientAPIError(provider string, statusCode int, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTransient,
		StatusCode: http.StatusBadGateway,
		Code:       "TRANSIENT_API_ERROR",
		Message:    fmt.Sprintf("%s request failed (status %d)", provider, statusCode),
		Cause:      cause,
		Details: map[string]interface{}{
			"provider":       provider,
			"upstreamStatus": statusCode,
		},
	}
}

// NewRateLimitedError represents a 429 from a platform API
func NewRateLimitedError(provider string, retryAfter time.Duration) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTransient,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMITED",
		Message:    fmt.Sprintf("%s rate limit exceeded", provider),
		RetryAfter: retryAfter,
		Details: map[string]interface{}{
			"provider":   provider,
			"retryAfter": retryAfter.String(),
		},
	}
}

// NewAuthError represents a missing or rejected platform token.
// Fatal to the whole workflow execution; requires re-authorization.
func NewAuthError(provider string, message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuth,
		StatusCode: http.StatusUnauthorized,
		Code:       "AUTH_ERROR",
		Message:    fmt.Sprintf("%s: %s", provider, message),
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// NewAPIError represents a non-retryable 4xx from a platform API
func NewAPIError(provider string, statusCode int, code, message string) *CategorizedError {
	category := CategoryValidation
	if statusCode == http.StatusNotFound {
		category = CategoryNotFound
	}
	return &CategorizedError{
		Category:   category,
		StatusCode: statusCode,
		Code:       "API_ERROR",
		Message:    fmt.Sprintf("%s: %s", provider, message),
		Details: map[string]interface{}{
			"provider":     provider,
			"upstreamCode": code,
		},
	}
}

// Generic errors

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewCacheError creates a cache error
func NewCacheError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCache,
		StatusCode: http.StatusInternalServerError,
		Code:       "CACHE_ERROR",
		Message:    fmt.Sprintf("cache error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// Categorize categorizes an existing error. Wrapped categorized errors are found with errors.As.
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if errors.As(err, &svcErr) {
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

// CategoryOf returns the category of the outermost categorized error in the chain
func CategoryOf(err error) ErrorCategory {
	if catErr := Categorize(err); catErr != nil {
		return catErr.Category
	}
	return ""
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error should be retried with backoff.
// Auth and configuration errors anywhere in the chain are never retried.
func IsRetryable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	if hasCategory(err, CategoryTransient) {
		return true
	}

	switch CategoryOf(err) {
	case CategoryDatabase, CategoryCache:
		return true
	case CategorySystem:
		catErr := Categorize(err)
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsAuthError reports whether an auth error is anywhere in the chain
func IsAuthError(err error) bool {
	return hasCategory(err, CategoryAuth)
}

// IsConfigurationError reports whether a configuration error is anywhere in the chain
func IsConfigurationError(err error) bool {
	return hasCategory(err, CategoryConfiguration)
}

// IsFatal reports whether the error must not be retried at any level
func IsFatal(err error) bool {
	return IsAuthError(err) || IsConfigurationError(err)
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	code := GetHTTPStatusCode(err)
	return code >= 400 && code < 500
}

// hasCategory walks the whole chain, since dependency errors wrap the cause
func hasCategory(err error, category ErrorCategory) bool {
	for err != nil {
		if catErr, ok := err.(*CategorizedError); ok && catErr.Category == category {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// AuthProvider returns the provider named by the first auth error in the chain
func AuthProvider(err error) string {
	for err != nil {
		if catErr, ok := err.(*CategorizedError); ok && catErr.Category == CategoryAuth {
			provider, _ := catErr.Details["provider"].(string)
			return provider
		}
		err = errors.Unwrap(err)
	}
	return ""
}
