package rest

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/kuro6061/nexum/internal/application/auth"
	"github.com/kuro6061/nexum/internal/domain/nexumerr"
)

type APIError struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	HTTPStatus int                    `json:"-"`
}

func (e *APIError) Error() string {
	return e.Message
}

func NewAPIError(code, message string, httpStatus int) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

func NewAPIErrorWithDetails(code, message string, httpStatus int, details map[string]interface{}) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		Details:    details,
		HTTPStatus: httpStatus,
	}
}

var (
	ErrBadRequest       = NewAPIError("BAD_REQUEST", "Invalid request", http.StatusBadRequest)
	ErrUnauthorized     = NewAPIError("UNAUTHORIZED", "Authentication required", http.StatusUnauthorized)
	ErrForbidden        = NewAPIError("FORBIDDEN", "Access denied", http.StatusForbidden)
	ErrNotFound         = NewAPIError("NOT_FOUND", "Resource not found", http.StatusNotFound)
	ErrConflict         = NewAPIError("CONFLICT", "Resource conflict", http.StatusConflict)
	ErrValidationFailed = NewAPIError("VALIDATION_FAILED", "Validation failed", http.StatusBadRequest)
	ErrInternalServer   = NewAPIError("INTERNAL_ERROR", "Internal server error", http.StatusInternalServerError)
	ErrTooManyRequests  = NewAPIError("RATE_LIMIT_EXCEEDED", "Too many requests", http.StatusTooManyRequests)
	ErrInvalidJSON      = NewAPIError("INVALID_JSON", "Invalid JSON in request body", http.StatusBadRequest)
	ErrMissingParameter = NewAPIError("MISSING_PARAMETER", "Required parameter is missing", http.StatusBadRequest)
	ErrInvalidParameter = NewAPIError("INVALID_PARAMETER", "Invalid parameter value", http.StatusBadRequest)
	ErrInvalidID        = NewAPIError("INVALID_ID", "Invalid ID format", http.StatusBadRequest)
	ErrTokenExpired     = NewAPIError("TOKEN_EXPIRED", "Token has expired", http.StatusUnauthorized)
	ErrInvalidToken     = NewAPIError("INVALID_TOKEN", "Invalid token", http.StatusUnauthorized)
)

// TranslateError maps an engine error into the HTTP-facing shape. Every RPC
// handler funnels its error return through this before responding: the
// engine only ever produces a *nexumerr.DomainError (one of three kinds) or
// a raw sql.ErrNoRows from a repository that didn't wrap it; anything else
// is a bug, not a client-facing condition, so it falls back to 500.
func TranslateError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var domainErr *nexumerr.DomainError
	if errors.As(err, &domainErr) {
		switch domainErr.Kind {
		case nexumerr.KindNotFound:
			return NewAPIError("NOT_FOUND", domainErr.Message, http.StatusNotFound)
		case nexumerr.KindInvalidArgument:
			return NewAPIError("INVALID_ARGUMENT", domainErr.Message, http.StatusBadRequest)
		default:
			return NewAPIError("INTERNAL_ERROR", domainErr.Message, http.StatusInternalServerError)
		}
	}

	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return NewAPIError("INVALID_CREDENTIALS", "invalid username or password", http.StatusUnauthorized)
	case errors.Is(err, auth.ErrExpiredToken):
		return NewAPIError("TOKEN_EXPIRED", "token has expired", http.StatusUnauthorized)
	case errors.Is(err, auth.ErrInvalidToken):
		return NewAPIError("INVALID_TOKEN", "invalid token", http.StatusUnauthorized)
	case errors.Is(err, auth.ErrPasswordTooShort), errors.Is(err, auth.ErrPasswordTooWeak):
		return NewAPIError("INVALID_PASSWORD", err.Error(), http.StatusBadRequest)
	case errors.Is(err, sql.ErrNoRows):
		return NewAPIError("NOT_FOUND", "resource not found", http.StatusNotFound)
	}

	return NewAPIError("INTERNAL_ERROR", "an unexpected error occurred", http.StatusInternalServerError)
}
