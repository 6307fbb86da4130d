package model

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a resource already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid is returned when a resource or request is not valid.
	ErrNotValid = errors.New("not valid")
	// ErrAuthentication is returned when the provider rejects the credentials.
	ErrAuthentication = errors.New("authentication failed")
	// ErrRateLimited is returned when the provider throttles the caller.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransient is returned on network failures and retryable provider errors.
	ErrTransient = errors.New("transient network error")
	// ErrProviderFailure is returned when the provider failed the job.
	ErrProviderFailure = errors.New("provider failure")
	// ErrCircuitOpen is returned when a call is rejected by an open circuit breaker.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrCancelled is returned when a task was cancelled by the user.
	ErrCancelled = errors.New("cancelled")
	// ErrTaskFinished is returned when a stored task is already terminal and
	// can't be changed anymore.
	ErrTaskFinished = errors.New("task already finished")
)

// ErrorKind is the caller facing classification of an error.
type ErrorKind string

const (
	ErrorKindValidation              ErrorKind = "VALIDATION"
	ErrorKindAuthentication          ErrorKind = "AUTHENTICATION"
	ErrorKindRateLimit               ErrorKind = "RATE_LIMIT"
	ErrorKindTransientNetwork        ErrorKind = "TRANSIENT_NETWORK"
	ErrorKindProviderTerminalFailure ErrorKind = "PROVIDER_TERMINAL_FAILURE"
	ErrorKindCircuitOpen             ErrorKind = "CIRCUIT_OPEN"
	ErrorKindCancelled               ErrorKind = "CANCELLED"
	ErrorKindNotFound                ErrorKind = "NOT_FOUND"
	ErrorKindInternal                ErrorKind = "INTERNAL"
)

// RateLimitError carries the provider retry hint of a throttled call.
// It matches ErrRateLimited with errors.Is.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.Message == "" {
		return ErrRateLimited.Error()
	}
	return ErrRateLimited.Error() + ": " + e.Message
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// KindOf classifies an error chain into its ErrorKind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotValid):
		return ErrorKindValidation
	case errors.Is(err, ErrAuthentication):
		return ErrorKindAuthentication
	case errors.Is(err, ErrRateLimited):
		return ErrorKindRateLimit
	case errors.Is(err, ErrCircuitOpen):
		return ErrorKindCircuitOpen
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ErrorKindCancelled
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTransientNetwork
	case errors.Is(err, ErrProviderFailure):
		return ErrorKindProviderTerminalFailure
	case errors.Is(err, ErrNotFound):
		return ErrorKindNotFound
	}
	return ErrorKindInternal
}

// IsRetryable returns true for the error kinds that are worth retrying.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ErrorKindRateLimit, ErrorKindTransientNetwork:
		return true
	}
	return false
}

// RetryAfter returns the provider retry hint if the error carries one.
func RetryAfter(err error) (time.Duration, bool) {
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) && rlErr.RetryAfter > 0 {
		return rlErr.RetryAfter, true
	}
	return 0, false
}
