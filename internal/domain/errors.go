package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("duplicate")
	ErrConflict          = errors.New("state conflict")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrValidation        = errors.New("validation failed")
	ErrParse             = errors.New("parse failed")
	ErrVenue             = errors.New("venue error")
	ErrPersistence       = errors.New("persistence failed")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrUnknownVenue      = errors.New("unknown venue")
	ErrLockHeld          = errors.New("lock already held")
)

// ParseError reports malformed alert text. Field names the offending part.
type ParseError struct {
	Field  string
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s (input %q)", e.Field, e.Reason, e.Input)
}

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// ValidationError reports a semantically invalid signal.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// VenueError is returned by venue adapters. Retryable marks transient
// failures (timeouts, connection errors, 5xx, throttling).
type VenueError struct {
	Venue      string
	Op         string
	StatusCode int
	Code       string
	Retryable  bool
	Err        error
}

func (e *VenueError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Venue, e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, ": %s", e.Code)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Retryable {
		b.WriteString(" (retryable)")
	}
	return b.String()
}

func (e *VenueError) Unwrap() error { return e.Err }

func (e *VenueError) Is(target error) bool { return target == ErrVenue }

// IsRetryable reports whether err carries a retryable VenueError.
func IsRetryable(err error) bool {
	var ve *VenueError
	return errors.As(err, &ve) && ve.Retryable
}

// ClassifyTransportError wraps a failure that happened before a response was
// received. Timeouts and connection failures are retryable; everything else
// in this path (request construction, cancellation by the caller) is not.
func ClassifyTransportError(venue, op string, err error) *VenueError {
	ve := &VenueError{Venue: venue, Op: op, Err: err}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		ve.Retryable = true
	case errors.Is(err, context.Canceled):
		ve.Retryable = false
	case errors.As(err, &netErr):
		ve.Retryable = true
	case errors.Is(err, net.ErrClosed):
		ve.Retryable = true
	default:
		var opErr *net.OpError
		ve.Retryable = errors.As(err, &opErr)
	}
	return ve
}

// ClassifyHTTPStatus builds a VenueError from a non-success HTTP status.
func ClassifyHTTPStatus(venue, op string, status int, code string, err error) *VenueError {
	return &VenueError{
		Venue:      venue,
		Op:         op,
		StatusCode: status,
		Code:       code,
		Retryable:  status >= 500 || status == 429,
		Err:        err,
	}
}

// StateConflictError is returned when a transition's expected prior state
// does not match the current one.
type StateConflictError struct {
	ID       string
	Expected PositionStatus
	Actual   PositionStatus
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("position %s: expected status %s, found %s", e.ID, e.Expected, e.Actual)
}

func (e *StateConflictError) Is(target error) bool { return target == ErrConflict }

// DuplicateError is returned when a position id or signal key is already
// registered. ExistingID names the position that holds it.
type DuplicateError struct {
	ID         string
	Key        string
	ExistingID string
}

func (e *DuplicateError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("signal key %q already held by position %s", e.Key, e.ExistingID)
	}
	return fmt.Sprintf("position %s already registered", e.ID)
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

// PersistenceError is surfaced after the journal exhausts its write retries.
type PersistenceError struct {
	Op       string
	ID       string
	Attempts int
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s %s: gave up after %d attempts: %v", e.Op, e.ID, e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// ExecutionError is returned by the orchestrator. Stage names the step that
// failed (validate, claim, open, ...).
type ExecutionError struct {
	Stage    string
	Position *Position
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Position != nil {
		return fmt.Sprintf("execute %s (position %s): %v", e.Stage, e.Position.ID, e.Err)
	}
	return fmt.Sprintf("execute %s: %v", e.Stage, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
