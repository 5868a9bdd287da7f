// Package errors defines the JSON error envelope returned when the
// pipeline itself fails, as opposed to the fixed decision envelopes the
// gateway writes for block and throttle.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// GatewayError is an error safe to return to clients.
type GatewayError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error envelope to the response.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	json.NewEncoder(w).Encode(e)
}

// Base errors for the pipeline's own failure modes.
var (
	ErrInternalServer = &GatewayError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}

	ErrBadGateway = &GatewayError{
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
	}

	ErrServiceUnavailable = &GatewayError{
		Code:    http.StatusServiceUnavailable,
		Message: "Service Unavailable",
	}
)

// New creates a GatewayError.
func New(code int, message string) *GatewayError {
	return &GatewayError{Code: code, Message: message}
}

// Wrap attaches a client-safe message to an underlying error.
func Wrap(err error, code int, message string) *GatewayError {
	return &GatewayError{Code: code, Message: message, underlying: err}
}

// WithDetails returns a copy carrying extra detail text. Base errors are
// shared singletons and never mutated.
func (e *GatewayError) WithDetails(details string) *GatewayError {
	out := *e
	out.Details = details
	return &out
}

// WithRequestID returns a copy carrying the request id.
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	out := *e
	out.RequestID = requestID
	return &out
}
