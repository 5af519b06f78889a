package xero

import (
	"errors"
	"fmt"
)

// ErrPageCapExceeded is returned when a fetch hits the hard page cap before
// the upstream collection is exhausted. Callers must treat it as a fatal
// guard, not a truncated-but-usable result.
var ErrPageCapExceeded = errors.New("xero: page cap exceeded before end of collection")

// ErrorKind classifies an upstream API failure into an actionable category.
type ErrorKind string

const (
	ErrKindTokenExpired  ErrorKind = "token_expired"
	ErrKindInvalidClient ErrorKind = "invalid_client"
	ErrKindAuth          ErrorKind = "auth_failed"
	ErrKindPermission    ErrorKind = "permission_denied"
	ErrKindNotFound      ErrorKind = "not_found"
	ErrKindServer        ErrorKind = "server_error"
	ErrKindGeneric       ErrorKind = "api_error"
)

// APIError carries the classified upstream failure plus the request context
// it happened under.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Resource   ResourceType
	CompanyID  string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("xero %s fetch failed for company %s (%s, status %d): %s",
		e.Resource, e.CompanyID, e.Kind, e.StatusCode, e.Message)
}

// Retryable reports whether the caller may usefully re-run the operation
// later without human intervention.
func (e *APIError) Retryable() bool {
	return e.Kind == ErrKindServer
}

// IsKind reports whether err is an APIError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == kind
	}
	return false
}
