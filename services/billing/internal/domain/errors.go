package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSignature rejects a webhook delivery before any processing.
	ErrSignature = errors.New("webhook signature verification failed")
	// ErrMalformedEvent is a verified event whose object could not be decoded.
	ErrMalformedEvent = errors.New("malformed webhook event")
	// ErrNotFound means the gateway has no record of the requested object.
	ErrNotFound = errors.New("not found")
	// ErrNoMatchingUser is a reconciliation warning: the event is acknowledged
	// but no local user matched it.
	ErrNoMatchingUser = errors.New("no matching user")
)

// ValidationError is caller input the caller can correct. Field uses the JSON name.
type ValidationError struct {
	Field string
	Rule  string
}

func (e *ValidationError) Error() string {
	if e.Rule == "" || e.Rule == "required" {
		return fmt.Sprintf("%s is required", e.Field)
	}
	return fmt.Sprintf("%s is invalid (%s)", e.Field, e.Rule)
}

// IsAuthField reports whether the failing field identifies the caller.
func (e *ValidationError) IsAuthField() bool {
	return e.Field == "userId" || e.Field == "userEmail"
}

// GatewayError wraps a payment processor failure. Message is the gateway's own text.
type GatewayError struct {
	Op      string
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %s", e.Op, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Err }
