package app

import (
	"errors"
	"fmt"
	"net/http"

	"courier/api/internal/realtime"
	"courier/api/internal/store"
)

const (
	CodeValidation         = "VALIDATION_ERROR"
	CodePermissionDenied   = "PERMISSION_DENIED"
	CodeNotFound           = "NOT_FOUND"
	CodeInvariantViolation = "INVARIANT_VIOLATION"
	CodeTransientIO        = "TRANSIENT_IO"
)

// Sentinels for errors.Is. Any DomainError matches the sentinel with the same code.
var (
	ErrValidation         = &DomainError{Status: http.StatusBadRequest, Code: CodeValidation, Message: "validation failed"}
	ErrPermissionDenied   = &DomainError{Status: http.StatusForbidden, Code: CodePermissionDenied, Message: "permission denied"}
	ErrNotFound           = &DomainError{Status: http.StatusNotFound, Code: CodeNotFound, Message: "not found"}
	ErrInvariantViolation = &DomainError{Status: http.StatusConflict, Code: CodeInvariantViolation, Message: "invariant violation"}
	ErrTransientIO        = &DomainError{Status: http.StatusServiceUnavailable, Code: CodeTransientIO, Message: "temporarily unavailable"}
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	cause   error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Is(target error) bool {
	other, ok := target.(*DomainError)
	return ok && other.Code == e.Code
}

func (e *DomainError) Unwrap() error {
	return e.cause
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusBadRequest, CodeValidation, message, nil)
}

func permissionDenied(message string) *DomainError {
	return domainError(http.StatusForbidden, CodePermissionDenied, message, nil)
}

func notFound(what string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, what+" not found", nil)
}

func invariantViolation(message string) *DomainError {
	return domainError(http.StatusConflict, CodeInvariantViolation, message, nil)
}

func transientIO(err error) *DomainError {
	e := domainError(http.StatusServiceUnavailable, CodeTransientIO, "storage or transport temporarily unavailable", nil)
	e.cause = err
	return e
}

// storeError maps a store failure onto the domain error kinds. Anything that is
// neither a known sentinel nor transient is returned wrapped.
func storeError(what string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return notFound(what)
	case errors.Is(err, store.ErrMembershipFloor):
		return invariantViolation("a group channel must keep at least one member")
	case store.IsTransient(err):
		return transientIO(err)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

func busError(err error) error {
	if errors.Is(err, realtime.ErrTransient) || errors.Is(err, realtime.ErrClosed) {
		return transientIO(err)
	}
	return fmt.Errorf("subscribe: %w", err)
}
