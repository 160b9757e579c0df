// Package ojperrors defines the typed error surface OJP returns to callers
// and the pure classifier that decides whether a failure is connection-level,
// pool-exhaustion, database-level, an XA protocol violation, or a session
// lookup miss.
package ojperrors

import (
	"errors"
	"fmt"
	"strings"
)

// Code mirrors the handful of RPC-layer status codes the classifier cares
// about (spec.md §4.2). OJP's transport is AMQP, not gRPC, so this is a
// small local enum rather than a dependency on a gRPC status package; any
// transport error that wants to participate in classification implements
// StatusCoder.
type Code int

const (
	CodeOK Code = iota
	CodeUnavailable
	CodeDeadlineExceeded
	CodeCanceled
	CodeUnknown
)

// StatusCoder is implemented by transport-layer errors that carry an
// RPC-style status code (see rpc.TransportError).
type StatusCoder interface {
	StatusCode() Code
}

func grpcStatusCode(err error) (Code, bool) {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode(), true
	}
	return CodeOK, false
}

// Kind enumerates the error categories the core distinguishes between.
type Kind int

const (
	// KindUnknown is the zero value; Classify returns it only for a nil
	// error.
	KindUnknown Kind = iota
	// KindConnectionLevel means the RPC endpoint is unreachable or timed
	// out; the caller should mark that endpoint unhealthy.
	KindConnectionLevel
	// KindPoolExhaustion means a borrow timed out; the endpoint remains
	// healthy, the caller should surface "pool exhausted" to its own caller.
	KindPoolExhaustion
	// KindDatabaseLevel means the backend database rejected the operation
	// (permission, syntax, missing object, data exception).
	KindDatabaseLevel
	// KindXAProtocol means an XA branch state transition was invalid.
	KindXAProtocol
	// KindSessionNotBound means a sessionUUID has no known server binding.
	KindSessionNotBound
	// KindHibernationFailure means a post-transaction reset of an XA
	// backend session failed; it is logged, never propagated to the caller.
	KindHibernationFailure
)

func (k Kind) String() string {
	switch k {
	case KindConnectionLevel:
		return "connection-level"
	case KindPoolExhaustion:
		return "pool-exhaustion"
	case KindDatabaseLevel:
		return "database-level"
	case KindXAProtocol:
		return "xa-protocol"
	case KindSessionNotBound:
		return "session-not-bound"
	case KindHibernationFailure:
		return "hibernation-failure"
	default:
		return "unknown"
	}
}

// SQLErrorType mirrors the errorType enum carried in the wire trailer
// (spec.md §6 "Error surface").
type SQLErrorType string

const (
	SQLDataException SQLErrorType = "SQL_DATA_EXCEPTION"
	SQLException     SQLErrorType = "SQL_EXCEPTION"
)

// Error is the structured trailer returned to clients. It implements the
// error interface and wraps the underlying cause.
type Error struct {
	Kind       Kind
	SQLState   string
	VendorCode int
	Reason     string
	ErrorType  SQLErrorType
	cause      error
}

func (e *Error) Error() string {
	if e.SQLState != "" {
		return fmt.Sprintf("%s [sqlstate=%s vendor=%d]: %s", e.Kind, e.SQLState, e.VendorCode, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind with a reason string.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason, ErrorType: SQLException}
}

// Wrap attaches a Kind to an existing error, preserving it as the cause.
func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Reason: cause.Error(), ErrorType: SQLException, cause: cause}
}

// ErrSessionNotBound builds the exact diagnostic spec.md §4.1 requires:
// "Session X has no associated server; available bound sessions: [...]".
func ErrSessionNotBound(sessionUUID string, bound []string) *Error {
	return &Error{
		Kind:   KindSessionNotBound,
		Reason: fmt.Sprintf("Session %s has no associated server; available bound sessions: %v", sessionUUID, bound),
	}
}

// IsKind reports whether err (or something it wraps) is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind == k
	}
	return false
}

// poolExhaustionNeedles are substrings that, per spec.md §4.2, explicitly
// signal resource pressure rather than connectivity loss and must never be
// classified as connection-level.
var poolExhaustionNeedles = []string{"pool exhausted", "pool is exhausted"}

// connectionNeedles are case-insensitive keywords that, absent a pool
// exhaustion signal, indicate a connection-level failure for non-RPC errors.
var connectionNeedles = []string{"connection", "timeout", "unavailable"}

// IsConnectionLevel implements the Error Classifier (C11, spec.md §4.2): a
// pure function deciding whether a failure should mark an endpoint DOWN.
//
// Order of checks matters: pool exhaustion is excluded first so a message
// like "connection pool exhausted" is never misclassified as connection
// loss.
func IsConnectionLevel(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, needle := range poolExhaustionNeedles {
		if strings.Contains(lower, needle) {
			return false
		}
	}

	if code, ok := grpcStatusCode(err); ok {
		switch code {
		case CodeUnavailable, CodeDeadlineExceeded, CodeCanceled:
			return true
		case CodeUnknown:
			return strings.Contains(msg, "connection") || strings.Contains(msg, "Connection")
		default:
			return false
		}
	}

	for _, needle := range connectionNeedles {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

// Classify turns an arbitrary error into a Kind using IsConnectionLevel plus
// the pool-exhaustion and XA carve-outs spec.md §7 describes.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	lower := strings.ToLower(err.Error())
	for _, needle := range poolExhaustionNeedles {
		if strings.Contains(lower, needle) {
			return KindPoolExhaustion
		}
	}
	if IsConnectionLevel(err) {
		return KindConnectionLevel
	}
	return KindDatabaseLevel
}
