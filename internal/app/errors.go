package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
	}
}

func errValidation(message string) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", message)
}

// errForbidden carries a policy denial reason; the reason string is
// surfaced verbatim to the client.
func errForbidden(reason string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", reason)
}

func errNotFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message)
}

func errConflict(message string) *DomainError {
	return domainError(http.StatusConflict, "CONFLICT", message)
}
