// Package errkind implements the error taxonomy described in the design's
// error-handling section: a small set of kinds that every component
// boundary maps internal errors onto before they cross into a protocol
// response (REST, WS, MQTT, webhook).
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of retry policy and external
// boundary mapping. Never leak internal identifiers past a boundary; map
// Kind to a protocol-appropriate code instead.
type Kind int

const (
	// Unknown is the zero value; treat as non-retryable and opaque.
	Unknown Kind = iota
	// Transient covers retryable transport failures (timeouts, connection
	// resets). Breaker feedback and backoff apply.
	Transient
	// Protocol covers validation/protocol errors. Never retried
	// automatically; surfaced as a 4xx equivalent.
	Protocol
	// Persistence covers WAL/storage write failures. The caller's publish
	// is aborted and the ring is not advanced.
	Persistence
	// Configuration covers invalid config edits. The previous valid
	// config is kept.
	Configuration
	// DriverLifecycle covers driver init/connect/shutdown failures,
	// isolated to the offending driver.
	DriverLifecycle
	// Invariant covers programmer-invariant violations detected at
	// runtime (e.g. a seq gap at recovery). Recorded, never panics.
	Invariant
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Protocol:
		return "protocol"
	case Persistence:
		return "persistence"
	case Configuration:
		return "configuration"
	case DriverLifecycle:
		return "driver_lifecycle"
	case Invariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Error wraps a Kind with an underlying cause and an optional component
// label, used for logging without reaching into the taxonomy's callers.
type Error struct {
	Kind      Kind
	Component string
	Err       error
}

func (e *Error) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s: [%s] %v", e.Component, e.Kind, e.Err)
	}
	return fmt.Sprintf("[%s] %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, component string, err error) *Error {
	return &Error{Kind: kind, Component: component, Err: err}
}

// Wrap classifies err with kind if it isn't already a *Error, preserving
// wrapping so errors.Is/As keep working against the cause.
func Wrap(kind Kind, component string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return New(kind, component, err)
}

// KindOf extracts the Kind of err, returning Unknown if err was never
// classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Retryable reports whether an error of this kind should be retried by
// the caller without operator intervention.
func (k Kind) Retryable() bool {
	return k == Transient
}
