package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of catalogue errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than auth failures.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassAuth represents 401/403 responses.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// CatalogueError represents a failed exchange with the catalogue or one of
// its download/auth endpoints.
type CatalogueError struct {
	URL        string
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *CatalogueError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("catalogue %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("catalogue %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *CatalogueError) Unwrap() error {
	return e.Err
}

// Classify maps a status code to an error class. A zero status means the
// request never produced a response.
func Classify(statusCode int) ErrorClass {
	switch {
	case statusCode == 0:
		return ErrorClassNetwork
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return ErrorClassAuth
	case statusCode >= 400 && statusCode < 500:
		return ErrorClassClient
	case statusCode >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// StatusError builds the CatalogueError for a non-success response.
func StatusError(rawURL string, resp *http.Response) *CatalogueError {
	return &CatalogueError{
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		ErrorClass: Classify(resp.StatusCode),
		Message:    resp.Status,
	}
}

// IsTransient reports whether err is worth another attempt against the
// catalogue: network failures and 5xx responses.
func IsTransient(err error) bool {
	if isCancellation(err) {
		return false
	}
	var cerr *CatalogueError
	if !errors.As(err, &cerr) {
		return false
	}
	return shouldRetry(cerr.ErrorClass)
}

// shouldRetry determines if an error class should be retried.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassNetwork:
		return true
	default:
		// 4xx responses repeat identically.
		return false
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrContextCancelled)
}
