package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"inkwell/api/internal/store"
)

// DomainError is an error with an HTTP status and a stable code for clients.
type DomainError struct {
	Status    int
	Code      string
	Message   string
	Details   any
	Retryable bool
	Err       error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", message, details)
}

func notFoundError(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func unauthorizedError(message string) *DomainError {
	return domainError(http.StatusUnauthorized, "UNAUTHORIZED", message, nil)
}

func internalError(err error) *DomainError {
	e := domainError(http.StatusInternalServerError, "INTERNAL_ERROR", "Internal error", nil)
	e.Err = err
	return e
}

// storageError hides the driver message from clients. Timeouts are marked
// retryable and answered with 503.
func storageError(op string, err error) *DomainError {
	if store.IsTimeout(err) {
		e := domainError(http.StatusServiceUnavailable, "STORAGE_TIMEOUT", "Storage is busy, please retry", nil)
		e.Retryable = true
		e.Err = err
		log.Warn().Err(err).Str("op", op).Msg("storage timeout")
		return e
	}
	e := domainError(http.StatusInternalServerError, "STORAGE_ERROR", "Storage error", nil)
	e.Err = err
	log.Error().Err(err).Str("op", op).Msg("storage failure")
	return e
}

// classify converts store errors into domain errors for op.
func classify(op string, err error, notFoundMessage string) error {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return notFoundError(notFoundMessage)
	case errors.Is(err, store.ErrInvalidComment):
		return validationError("Comment is missing required fields", nil)
	case errors.Is(err, store.ErrAlreadyDeleted):
		return validationError("Comment has been deleted", nil)
	}
	return storageError(op, err)
}
