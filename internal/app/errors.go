package app

import (
	"errors"
	"fmt"
	"net/http"

	"assessment/api/internal/store"
)

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

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func notFound(code, message string) *DomainError {
	return domainError(http.StatusNotFound, code, message, nil)
}

func invalidState(code, message string, details any) *DomainError {
	return domainError(http.StatusBadRequest, code, message, details)
}

// sessionLookupError turns store.ErrNotFound into the session 404.
func sessionLookupError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFound("SESSION_NOT_FOUND", "session not found")
	}
	return err
}

// IsCode reports whether err is a DomainError with the given code.
func IsCode(err error, code string) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Code == code
}
