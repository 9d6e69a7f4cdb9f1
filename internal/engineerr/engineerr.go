// Copyright 2025 James Ross

// Package engineerr defines the error taxonomy shared by every component of
// the orchestration engine. Components return these kinds instead of raising
// exceptions, so background loops can log-and-continue and public API calls
// can translate failures into caller-visible categories.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error into one of the categories from the
// propagation policy: some are reported straight to the caller, some drive
// retry/circuit-breaker bookkeeping, some are silently absorbed.
type Kind string

const (
	// InvalidInput covers DAG structural errors, duplicate ids, unknown
	// dependency targets, empty batches, and clamp violations.
	InvalidInput Kind = "invalid_input"
	// NotFound covers unknown workflow/job/provider lookups.
	NotFound Kind = "not_found"
	// AlreadyTerminal covers cancel/mutate attempted on a finished workflow.
	AlreadyTerminal Kind = "already_terminal"
	// NoProvidersAvailable is fatal for the routed request: candidates and
	// fallback chain were both exhausted.
	NoProvidersAvailable Kind = "no_providers_available"
	// CircuitOpen is retriable within the router's own failover loop; it is
	// surfaced to the caller only if every attempt was rejected.
	CircuitOpen Kind = "circuit_open"
	// Transient covers network errors, 429s, 5xxs, and timeouts. It drives
	// breaker failure counting and consumes a retry attempt.
	Transient Kind = "transient"
	// NonRetryable covers auth, validation, and not-found responses from a
	// provider. It consumes attempts immediately and leads to dead-letter.
	NonRetryable Kind = "non_retryable"
	// StorageUnavailable covers a down cache or queue backing store.
	StorageUnavailable Kind = "storage_unavailable"
)

// Error wraps a Kind with context and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, engineerr.KindSentinel(engineerr.CircuitOpen))
// style matching: a target with an empty Message matches on Kind alone.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind && te.Message == ""
	}
	return false
}

// New builds an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around a lower-level cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to Transient for anything
// that was never classified — an internal loop should have classified every
// error before it escapes, so this is a safety net, not the normal path.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transient
}

// KindSentinel returns a zero-message *Error usable with errors.Is:
// errors.Is(err, engineerr.KindSentinel(engineerr.CircuitOpen)).
func KindSentinel(k Kind) *Error { return &Error{Kind: k} }
