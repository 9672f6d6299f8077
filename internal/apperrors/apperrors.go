// Package apperrors defines the error kinds surfaced by the prompt ledger.
//
// Every error carries a machine-readable Kind and maps to an HTTP status. Wrapping
// and inspection helpers are re-exported from github.com/cockroachdb/errors so
// callers have a single import for both.
package apperrors

import (
	"fmt"
	"net/http"

	crdb "github.com/cockroachdb/errors"
)

var (
	New         = crdb.New
	Newf        = crdb.Newf
	Wrap        = crdb.Wrap
	Wrapf       = crdb.Wrapf
	WithHint    = crdb.WithHint
	Is          = crdb.Is
	As          = crdb.As
	GetAllHints = crdb.GetAllHints
)

const (
	KindNotFound            = "NotFoundError"
	KindModeMismatch        = "ModeMismatchError"
	KindTemplateRender      = "TemplateRenderError"
	KindUnsupportedProvider = "UnsupportedProviderError"
	KindProvider            = "ProviderError"
	KindProviderTimeout     = "ProviderTimeoutError"
	KindConflict            = "ConflictError"
	KindValidation          = "ValidationError"
	KindQueueUnavailable    = "QueueUnavailableError"
	KindInternal            = "InternalError"
)

// Error is implemented by every error kind in this package.
type Error interface {
	error
	Kind() string
	StatusCode() int
}

type NotFoundError struct {
	Message string
}

func NotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

func (e *NotFoundError) Error() string   { return e.Message }
func (e *NotFoundError) Kind() string    { return KindNotFound }
func (e *NotFoundError) StatusCode() int { return http.StatusNotFound }

// ModeMismatchError is returned when an operation targets a prompt managed by the other mode.
type ModeMismatchError struct {
	Name     string
	Mode     string
	Expected string
	Hint     string
}

func (e *ModeMismatchError) Error() string {
	return fmt.Sprintf("Prompt '%s' is in %s mode. %s", e.Name, e.Mode, e.Hint)
}
func (e *ModeMismatchError) Kind() string    { return KindModeMismatch }
func (e *ModeMismatchError) StatusCode() int { return http.StatusBadRequest }

// TemplateRenderError names the expression that could not be resolved.
type TemplateRenderError struct {
	Expr   string
	Reason string
}

func (e *TemplateRenderError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("Template rendering failed: '%s' is undefined", e.Expr)
	}
	return fmt.Sprintf("Template rendering failed: %s", e.Reason)
}
func (e *TemplateRenderError) Kind() string    { return KindTemplateRender }
func (e *TemplateRenderError) StatusCode() int { return http.StatusBadRequest }

type UnsupportedProviderError struct {
	Provider string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("Unsupported provider: %s", e.Provider)
}
func (e *UnsupportedProviderError) Kind() string    { return KindUnsupportedProvider }
func (e *UnsupportedProviderError) StatusCode() int { return http.StatusBadRequest }

// ProviderError wraps a failed outbound generation call.
type ProviderError struct {
	Provider  string
	Message   string
	Upstream  int
	Permanent bool
	cause     error
}

func NewProviderError(provider string, upstream int, cause error, format string, args ...interface{}) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Message:   fmt.Sprintf(format, args...),
		Upstream:  upstream,
		Permanent: upstream >= 400 && upstream < 500 && upstream != http.StatusTooManyRequests,
		cause:     cause,
	}
}

func (e *ProviderError) Error() string   { return e.Message }
func (e *ProviderError) Unwrap() error   { return e.cause }
func (e *ProviderError) Kind() string    { return KindProvider }
func (e *ProviderError) StatusCode() int { return http.StatusBadGateway }

type ProviderTimeoutError struct {
	Provider string
	Message  string
	cause    error
}

func NewProviderTimeout(provider string, cause error) *ProviderTimeoutError {
	return &ProviderTimeoutError{
		Provider: provider,
		Message:  fmt.Sprintf("%s request timed out", provider),
		cause:    cause,
	}
}

func (e *ProviderTimeoutError) Error() string   { return e.Message }
func (e *ProviderTimeoutError) Unwrap() error   { return e.cause }
func (e *ProviderTimeoutError) Kind() string    { return KindProviderTimeout }
func (e *ProviderTimeoutError) StatusCode() int { return http.StatusGatewayTimeout }

type ConflictError struct {
	Message string
}

func Conflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

func (e *ConflictError) Error() string   { return e.Message }
func (e *ConflictError) Kind() string    { return KindConflict }
func (e *ConflictError) StatusCode() int { return http.StatusConflict }

type ValidationError struct {
	Message string
}

func Validation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string   { return e.Message }
func (e *ValidationError) Kind() string    { return KindValidation }
func (e *ValidationError) StatusCode() int { return http.StatusBadRequest }

// QueueUnavailableError reports that a recorded execution could not be handed
// to the queue.
type QueueUnavailableError struct {
	Message string
	cause   error
}

func NewQueueUnavailable(cause error) *QueueUnavailableError {
	return &QueueUnavailableError{Message: "Execution could not be queued: " + cause.Error(), cause: cause}
}

func (e *QueueUnavailableError) Error() string   { return e.Message }
func (e *QueueUnavailableError) Unwrap() error   { return e.cause }
func (e *QueueUnavailableError) Kind() string    { return KindQueueUnavailable }
func (e *QueueUnavailableError) StatusCode() int { return http.StatusServiceUnavailable }

// KindOf returns the kind of the first Error in err's chain, or KindInternal.
func KindOf(err error) string {
	var typed Error
	if As(err, &typed) {
		return typed.Kind()
	}
	return KindInternal
}

// StatusOf returns the HTTP status for err, defaulting to 500.
func StatusOf(err error) int {
	var typed Error
	if As(err, &typed) {
		return typed.StatusCode()
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether a provider failure may succeed on a later attempt.
func IsRetryable(err error) bool {
	var timeout *ProviderTimeoutError
	if As(err, &timeout) {
		return true
	}
	var perr *ProviderError
	if As(err, &perr) {
		return !perr.Permanent
	}
	return false
}
