package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type ErrorType string

const (
	ErrValidation        ErrorType = "VALIDATION_ERROR"
	ErrNotFound          ErrorType = "NOT_FOUND"
	ErrConflict          ErrorType = "CONFLICT"
	ErrDisabledAccount   ErrorType = "DISABLED_ACCOUNT"
	ErrExchangeTransient ErrorType = "EXCHANGE_TRANSIENT"
	ErrExchangeFatal     ErrorType = "EXCHANGE_FATAL"
	ErrTimeout           ErrorType = "TIMEOUT"
	ErrAuthFailed        ErrorType = "AUTH_FAILED"
	ErrForbidden         ErrorType = "FORBIDDEN"
	ErrReadOnly          ErrorType = "READ_ONLY"
	ErrInternal          ErrorType = "INTERNAL_ERROR"
)

// AppError is the standard error struct for the application
type AppError struct {
	Type       ErrorType `json:"code"`
	Message    string    `json:"message"`
	Field      string    `json:"field,omitempty"`
	IDs        []string  `json:"ids,omitempty"`
	Suggestion string    `json:"suggestion,omitempty"`
	HTTPStatus int       `json:"-"`
	Cause      error     `json:"-"`
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

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

// Validation reports a malformed or missing input field.
func Validation(field, format string, args ...any) *AppError {
	e := New(ErrValidation, fmt.Sprintf(format, args...), nil)
	e.Field = field
	return e
}

func NotFound(kind, id string) *AppError {
	e := New(ErrNotFound, fmt.Sprintf("%s %s not found", kind, id), nil)
	e.IDs = []string{id}
	return e
}

// Conflict reports a precondition violation on the listed ids.
func Conflict(msg string, ids ...string) *AppError {
	if len(ids) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, strings.Join(ids, ","))
	}
	e := New(ErrConflict, msg, nil)
	e.IDs = ids
	return e
}

func AlreadyRunning(id string) *AppError {
	return Conflict("strategy already running", id)
}

func DisabledAccount(id string) *AppError {
	e := New(ErrDisabledAccount, fmt.Sprintf("account %s is disabled", id), nil)
	e.IDs = []string{id}
	return e
}

func Timeout(msg string, ids ...string) *AppError {
	e := New(ErrTimeout, msg, nil)
	e.IDs = ids
	return e
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	var classified interface{ Transient() bool }
	if errors.As(err, &classified) {
		if classified.Transient() {
			return New(ErrExchangeTransient, err.Error(), err)
		}
		return New(ErrExchangeFatal, err.Error(), err)
	}
	return New(ErrInternal, err.Error(), err)
}

// Is reports whether err carries an AppError of the given type.
func Is(err error, t ErrorType) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Type == t
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrAuthFailed:
		return http.StatusUnauthorized
	case ErrForbidden, ErrReadOnly:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict, ErrDisabledAccount:
		return http.StatusConflict
	case ErrExchangeTransient:
		return http.StatusServiceUnavailable
	case ErrExchangeFatal:
		return http.StatusBadGateway
	case ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrValidation:
		return "Correct the named field and resubmit."
	case ErrConflict:
		return "Stop the listed strategies first."
	case ErrDisabledAccount:
		return "Enable the account before starting the strategy."
	case ErrExchangeTransient:
		return "Retry the request."
	case ErrExchangeFatal:
		return "Check account credentials and trading pair."
	case ErrTimeout:
		return "Check open orders on the exchange."
	case ErrAuthFailed:
		return "Check operator key."
	default:
		return ""
	}
}
