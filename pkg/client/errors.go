package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Common errors returned by the client.
var (
	// ErrAuthentication is returned when no credential is available or Airtable rejects it.
	ErrAuthentication = errors.New("airtable: authentication failed")

	// ErrConfiguration is returned for missing identifiers or unusable parameters.
	ErrConfiguration = errors.New("airtable: invalid configuration")

	// ErrPenaltyActive is returned when a shared 429 penalty window refuses the request locally.
	ErrPenaltyActive = errors.New("rate limit penalty active")

	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassAuth represents 401/403 responses.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassClient represents other 4xx responses.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassRateLimit represents 429 responses and local penalty blocks.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassServer represents 5xx responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents transport failures.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassDecode represents malformed response bodies.
	ErrorClassDecode ErrorClass = "decode"
)

// RequestError is a failed Airtable request: a non-success status, a
// transport failure (StatusCode 0) or a locally refused request.
type RequestError struct {
	Method     string
	Path       string
	StatusCode int
	Class      ErrorClass
	Body       []byte

	// RetryAfter is the server- or tracker-provided wait for rate_limit errors.
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	msg := fmt.Sprintf("airtable %s error: %s %s", e.Class, e.Method, e.Path)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if typ, text := e.APIError(); typ != "" || text != "" {
		msg += ": " + joinNonEmpty(typ, text)
	} else if len(e.Body) > 0 {
		msg += ": " + truncate(string(e.Body), 200)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// Is lets auth failures match ErrAuthentication.
func (e *RequestError) Is(target error) bool {
	return target == ErrAuthentication && e.Class == ErrorClassAuth
}

// Retryable reports whether re-running the operation may succeed.
func (e *RequestError) Retryable() bool {
	if errors.Is(e.Err, context.Canceled) {
		return false
	}
	return shouldRetry(e.Class)
}

// APIError extracts Airtable's error type and message from the body.
// Airtable uses both {"error":{"type":..,"message":..}} and {"error":"TYPE"}.
func (e *RequestError) APIError() (typ, message string) {
	if len(e.Body) == 0 {
		return "", ""
	}
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(e.Body, &envelope); err != nil || len(envelope.Error) == 0 {
		return "", ""
	}
	var detail struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(envelope.Error, &detail); err == nil {
		return detail.Type, detail.Message
	}
	var plain string
	if err := json.Unmarshal(envelope.Error, &plain); err == nil {
		return plain, ""
	}
	return "", ""
}

// DecodeError is a response body that is not a valid page object.
type DecodeError struct {
	StatusCode int
	Body       []byte
	Err        error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("airtable decode error (status %d): %v: %s",
		e.StatusCode, e.Err, truncate(string(e.Body), 200))
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ClassOf returns the error class of err, or "" when err is not a client error.
func ClassOf(err error) ErrorClass {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Class
	}
	var decErr *DecodeError
	if errors.As(err, &decErr) {
		return ErrorClassDecode
	}
	if errors.Is(err, ErrAuthentication) {
		return ErrorClassAuth
	}
	return ""
}

// IsRetryable reports whether err is a transport, rate limit or server failure.
// Authentication, configuration and decode failures are not retryable.
func IsRetryable(err error) bool {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Retryable()
	}
	return false
}

// classifyStatus maps an HTTP status to an error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == 401 || status == 403:
		return ErrorClassAuth
	case status == 429:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

// shouldRetry determines if an error class is worth retrying.
func shouldRetry(class ErrorClass) bool {
	switch class {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func joinNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + ": " + b
	}
}
