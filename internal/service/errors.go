package service

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/envelope"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/storage"
)

type AppError struct {
	HTTPStatus int
	Code       string
	Message    string
	Retryable  bool
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func NewAppError(status int, code, msg string, retryable bool, cause error) *AppError {
	return &AppError{
		HTTPStatus: status,
		Code:       code,
		Message:    msg,
		Retryable:  retryable,
		Cause:      cause,
	}
}

func IsCode(err error, code string) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == code
}

func Internal(msg string, cause error) *AppError {
	return NewAppError(http.StatusInternalServerError, "INTERNAL_ERROR", msg, true, cause)
}

func Validation(msg string) *AppError {
	return NewAppError(http.StatusBadRequest, "VALIDATION_ERROR", msg, false, nil)
}

type errorMapping struct {
	target    error
	status    int
	code      string
	retryable bool
}

var domainErrors = []errorMapping{
	{envelope.ErrValidation, http.StatusBadRequest, "VALIDATION_ERROR", false},
	{envelope.ErrEmptyRecipientList, http.StatusBadRequest, "EMPTY_RECIPIENT_LIST", false},
	{envelope.ErrAuthenticationRequired, http.StatusForbidden, "AUTHENTICATION_REQUIRED", false},
	{storage.ErrNotFound, http.StatusNotFound, "NOT_FOUND", false},
	{envelope.ErrRecipientNotFound, http.StatusNotFound, "RECIPIENT_NOT_FOUND", false},
	{envelope.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION", false},
	{envelope.ErrOutOfOrder, http.StatusConflict, "OUT_OF_ORDER", false},
	{envelope.ErrAlreadyDecided, http.StatusConflict, "ALREADY_DECIDED", false},
	{envelope.ErrAlreadyDispatched, http.StatusConflict, "ALREADY_DISPATCHED", false},
	{envelope.ErrEnvelopeClosed, http.StatusConflict, "ENVELOPE_CLOSED", false},
	{envelope.ErrReassignNotAllowed, http.StatusConflict, "REASSIGN_NOT_ALLOWED", false},
	{envelope.ErrExpired, http.StatusGone, "EXPIRED", false},
	{storage.ErrVersionConflict, http.StatusConflict, "CONCURRENCY_CONFLICT", true},
	{storage.ErrAlreadyExists, http.StatusConflict, "CONCURRENCY_CONFLICT", true},
}

// mapError converts domain and storage errors into an AppError. Errors that
// are already AppErrors pass through unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	for _, m := range domainErrors {
		if errors.Is(err, m.target) {
			return NewAppError(m.status, m.code, err.Error(), m.retryable, err)
		}
	}
	return Internal("internal error", err)
}
