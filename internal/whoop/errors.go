package whoop

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error classes returned by the client. Match with errors.Is.
var (
	ErrUnauthorized = errors.New("whoop: unauthorized")
	ErrRateLimited  = errors.New("whoop: rate limited")
	ErrServerError  = errors.New("whoop: server error")
	ErrClientError  = errors.New("whoop: client error")
	ErrNotFound     = errors.New("whoop: not found")
	ErrNetwork      = errors.New("whoop: network error")
	ErrCircuitOpen  = errors.New("whoop: circuit open")
)

// HTTPError is a non-2xx response from the WHOOP API
type HTTPError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("whoop api returned %d: %s", e.StatusCode, e.Body)
}

// Is classifies the status code into the package's error classes
func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	case ErrServerError:
		return e.StatusCode >= 500
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrClientError:
		return e.StatusCode >= 400 && e.StatusCode < 500 &&
			e.StatusCode != http.StatusUnauthorized && e.StatusCode != http.StatusTooManyRequests
	}
	return false
}

// retryable reports whether the policy retries this error inline
func retryable(err error) bool {
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrServerError) || errors.Is(err, ErrNetwork)
}

// countsAsFailure reports whether the error should trip the circuit breaker.
// Client errors mean the API is up.
func countsAsFailure(err error) bool {
	return errors.Is(err, ErrServerError) || errors.Is(err, ErrNetwork)
}
