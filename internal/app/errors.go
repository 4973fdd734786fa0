package app

import (
	"fmt"
	"net/http"
)

// DomainError is the service error taxonomy: a stable machine code, the
// HTTP status it maps to, and a user-facing message. Handlers write it to
// the wire verbatim, so codes are part of the API contract.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func errValidation(message string, details any) *DomainError {
	return &DomainError{
		Status:  http.StatusUnprocessableEntity,
		Code:    "VALIDATION_FAILED",
		Message: message,
		Details: details,
	}
}

func errUnauthorized(message string) *DomainError {
	return &DomainError{
		Status:  http.StatusUnauthorized,
		Code:    "UNAUTHORIZED",
		Message: message,
	}
}

func errForbidden() *DomainError {
	return &DomainError{
		Status:  http.StatusForbidden,
		Code:    "FORBIDDEN",
		Message: "Forbidden",
	}
}

func errNotFound(what string) *DomainError {
	return &DomainError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: what + " not found",
	}
}
