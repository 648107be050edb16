package errx

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// EmptyMessage is returned when a chat message has no visible content.
	EmptyMessage = "Message cannot be empty"
	// NotConfiguredMessage is returned when the LLM credential is absent.
	NotConfiguredMessage = "API key not configured. Please set GEMINI_API_KEY environment variable."
	// UpstreamMessage prefixes failures reported by the LLM backend.
	UpstreamMessage = "LLM API error"
)

// ErrMissingCredential is returned by LLM adapters that were built without a credential.
var ErrMissingCredential = errors.New("llm credential is not configured")

// Kind classifies an AppError so the HTTP boundary can map it deterministically.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConfiguration
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConfiguration:
		return "configuration"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

// AppError wraps an underlying error with a kind, an HTTP status and a safe message.
type AppError struct {
	Kind    Kind
	Err     error
	Status  int
	Message string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new internal AppError with the provided information.
func New(err error, status int, message string) *AppError {
	return &AppError{
		Kind:    KindInternal,
		Err:     err,
		Status:  status,
		Message: message,
	}
}

// Validation reports a caller mistake (HTTP 400). No cause is attached.
func Validation(message string) *AppError {
	return &AppError{Kind: KindValidation, Status: http.StatusBadRequest, Message: message}
}

// Configuration reports a deployment misconfiguration (HTTP 500).
func Configuration(err error) *AppError {
	return &AppError{Kind: KindConfiguration, Err: err, Status: http.StatusInternalServerError, Message: NotConfiguredMessage}
}

// Upstream reports a transport or response failure of the LLM backend (HTTP 500).
func Upstream(err error) *AppError {
	return &AppError{Kind: KindUpstream, Err: err, Status: http.StatusInternalServerError, Message: UpstreamMessage}
}

// Internal wraps any other failure (HTTP 500). Already classified errors pass through.
func Internal(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Kind != KindInternal {
		return appErr
	}
	return New(err, http.StatusInternalServerError, SystemErrorMessage)
}

// WrapRedis wraps a Redis error with a consistent status code and message.
func WrapRedis(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return New(err, http.StatusNotFound, RedisErrorMessage)
	}
	return New(err, http.StatusBadGateway, RedisErrorMessage)
}

// KindOf returns the Kind of the first AppError in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// StatusOf returns the HTTP status for err. Errors outside the taxonomy map to 500.
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Status != 0 {
		return appErr.Status
	}
	return http.StatusInternalServerError
}
