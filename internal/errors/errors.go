// Package errors carries the classification the delivery pipeline acts on:
// whether a failure is worth retrying, and how it maps onto the control API.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"

	ErrCodeStorage      ErrorCode = "STORAGE"
	ErrCodeStorageCodec ErrorCode = "STORAGE_CODEC"
	ErrCodeQueue        ErrorCode = "QUEUE"

	ErrCodeSendFailed  ErrorCode = "SEND_FAILED"
	ErrCodePermanent   ErrorCode = "PERMANENT"
	ErrCodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"
	ErrCodeRealtime    ErrorCode = "REALTIME"
	ErrCodeProbe       ErrorCode = "PROBE"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// publicMessages is what control API callers see when no error-specific
// user message was set.
var publicMessages = map[ErrorCode]string{
	ErrCodeInvalidConfig: "Configuration error",
	ErrCodeInvalidInput:  "Invalid request",
	ErrCodeNotFound:      "Not found",
	ErrCodeStorage:       "Local storage is unavailable",
	ErrCodeStorageCodec:  "Local storage is unavailable",
	ErrCodeQueue:         "Message queue error",
	ErrCodeSendFailed:    "Chat backend is unavailable",
	ErrCodePermanent:     "Chat backend rejected the message",
	ErrCodeCircuitOpen:   "Chat backend is unavailable",
	ErrCodeRealtime:      "Realtime channel is unavailable",
	ErrCodeProbe:         "Network is unreachable",
}

// AppError is a classified failure. Context is copied into log fields and,
// minus sensitive keys, into control API responses.
type AppError struct {
	Code        ErrorCode              `json:"code"`
	Message     string                 `json:"message"`
	Cause       error                  `json:"-"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Retryable   bool                   `json:"retryable"`
	UserMessage string                 `json:"user_message,omitempty"`
}

func (e *AppError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func (e *AppError) WithUserMessage(msg string) *AppError {
	e.UserMessage = msg
	return e
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Cause: err}
}

// WrapRetryable is Wrap for failures a later attempt may get past.
func WrapRetryable(err error, code ErrorCode, message string) *AppError {
	appErr := Wrap(err, code, message)
	appErr.Retryable = true
	return appErr
}

func as(err error) (*AppError, bool) {
	var appErr *AppError
	ok := stderrors.As(err, &appErr)
	return appErr, ok
}

// IsRetryable looks for an AppError anywhere in err's chain.
func IsRetryable(err error) bool {
	appErr, ok := as(err)
	return ok && appErr.Retryable
}

// IsPermanent reports whether err is known to never succeed on resend.
// Unclassified errors are not permanent.
func IsPermanent(err error) bool {
	appErr, ok := as(err)
	return ok && appErr.Code == ErrCodePermanent
}

func GetCode(err error) ErrorCode {
	if appErr, ok := as(err); ok {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// PublicMessage returns the caller-facing description of err.
func PublicMessage(err error) string {
	appErr, ok := as(err)
	if !ok {
		return "An internal error occurred"
	}
	if appErr.UserMessage != "" {
		return appErr.UserMessage
	}
	if msg, ok := publicMessages[appErr.Code]; ok {
		return msg
	}
	return "An internal error occurred"
}

func NewStorageError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeStorage, fmt.Sprintf("storage %s failed", operation)).
		WithContext("operation", operation)
}

func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

func NewValidationError(field, message string) *AppError {
	return New(ErrCodeInvalidInput, message).
		WithContext("field", field).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewProbeError records a reachability probe that got no usable answer.
// Probes are always worth repeating.
func NewProbeError(target string, statusCode int, err error) *AppError {
	if err == nil {
		err = fmt.Errorf("unexpected status %d", statusCode)
	}
	appErr := WrapRetryable(err, ErrCodeProbe, "reachability probe failed").
		WithContext("target", target)
	if statusCode != 0 {
		appErr.WithContext("status_code", statusCode)
	}
	return appErr
}

// NewSendError classifies a failed remote send by its HTTP status code.
// 5xx, 408 and 429 are transient; other 4xx responses will never succeed
// on resend. A zero status means the request never got a response.
func NewSendError(endpoint string, statusCode int, err error) *AppError {
	if statusCode == 0 {
		return WrapRetryable(err, ErrCodeSendFailed, "remote send failed").
			WithContext("endpoint", endpoint)
	}

	retryable := statusCode >= 500 ||
		statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusRequestTimeout

	code := ErrCodeSendFailed
	if !retryable && statusCode >= 400 {
		code = ErrCodePermanent
	}

	appErr := Wrap(err, code, fmt.Sprintf("remote send returned %d", statusCode)).
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode)
	appErr.Retryable = retryable
	return appErr
}
