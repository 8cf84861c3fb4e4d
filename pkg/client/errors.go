package client

import (
	"errors"
	"fmt"
)

// Common errors returned by the client and the fetch layer.
var (
	// ErrRateLimited marks a 429 Too Many Requests response.
	ErrRateLimited = errors.New("rate limited")

	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrCancelled is returned when the context is cancelled before or between attempts.
	ErrCancelled = errors.New("context cancelled")

	// ErrEmptyRecord is returned when a successful response carries a JSON null body.
	ErrEmptyRecord = errors.New("empty record")
)

// ErrorClass represents a classification of lookup failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 rate limit responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassParse represents malformed success bodies.
	ErrorClassParse ErrorClass = "parse"
)

// ClassifyStatus maps a non-2xx HTTP status code to an ErrorClass.
func ClassifyStatus(statusCode int) ErrorClass {
	switch {
	case statusCode == 429:
		return ErrorClassRateLimit
	case statusCode >= 400 && statusCode < 500:
		return ErrorClassClient
	case statusCode >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// TransportError is a connectivity failure: DNS, refused connection,
// timeout or a body that could not be read.
type TransportError struct {
	ID  string
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error for %s: %v", e.ID, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// HTTPError is a response with a non-2xx status that is not retried.
type HTTPError struct {
	ID         string
	StatusCode int
	ErrorClass ErrorClass
	Body       string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("CVE API %s error for %s (status %d): %s",
			e.ErrorClass, e.ID, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("CVE API %s error for %s (status %d)",
		e.ErrorClass, e.ID, e.StatusCode)
}

// ParseError is a 2xx response whose body is not a JSON document.
type ParseError struct {
	ID  string
	Err error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse record for %s: %v", e.ID, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Class returns the ErrorClass of err, or "" when err carries none.
func Class(err error) ErrorClass {
	var transportErr *TransportError
	var httpErr *HTTPError
	var parseErr *ParseError

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return ErrorClassRateLimit
	case errors.As(err, &httpErr):
		return httpErr.ErrorClass
	case errors.As(err, &parseErr), errors.Is(err, ErrEmptyRecord):
		return ErrorClassParse
	case errors.As(err, &transportErr):
		return ErrorClassNetwork
	default:
		return ""
	}
}
