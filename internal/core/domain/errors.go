// Package domain defines the core domain models for rnode.
package domain

import (
	"errors"
	"fmt"
)

// DomainError is an error carrying a stable code of the form RN-<AREA>-<NNNN>.
// Two DomainErrors compare equal under errors.Is when their codes match.
type DomainError struct {
	Code    string // e.g. "RN-CONN-5030"
	Message string
	Details string
	Cause   error
}

func (e *DomainError) Error() string {
	switch {
	case e.Details != "" && e.Cause != nil:
		return fmt.Sprintf("[%s] %s: %s: %v", e.Code, e.Message, e.Details, e.Cause)
	case e.Details != "":
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	case e.Cause != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a DomainError with the same code.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

// WithDetails returns a copy of e with details attached. e is not modified.
func (e *DomainError) WithDetails(details string) *DomainError {
	cp := *e
	cp.Details = details
	return &cp
}

// WithDetailsf is WithDetails with fmt formatting.
func (e *DomainError) WithDetailsf(format string, args ...any) *DomainError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// WithCause returns a copy of e wrapping cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	cp := *e
	cp.Cause = cause
	return &cp
}

// Wrap is an alias for WithCause.
func (e *DomainError) Wrap(cause error) *DomainError {
	return e.WithCause(cause)
}

// IsDomainError reports whether err is (or wraps) a DomainError with the given
// code. An empty code matches any DomainError.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if !errors.As(err, &de) {
		return false
	}
	return code == "" || de.Code == code
}

// GetErrorCode returns the code of the outermost DomainError in err's chain.
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsRetryable reports whether the operation that produced err may succeed if
// attempted again later on the same connection.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrCancelled),
		errors.Is(err, ErrProtocol),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrInvalidMountMode):
		return false
	case errors.Is(err, ErrConnection),
		errors.Is(err, ErrConnectionLost),
		errors.Is(err, ErrSuspended),
		errors.Is(err, ErrNoMember):
		return true
	}
	return false
}

// ============================================================================
// Connection Errors (CONN)
// ============================================================================

var (
	// ErrConnection indicates that opening the transport or its handshake failed.
	ErrConnection = NewDomainError("RN-CONN-5030", "connection failed")

	// ErrConnectionLost is the synthetic failure given to requests still pending
	// when the physical connection drops.
	ErrConnectionLost = NewDomainError("RN-CONN-5031", "connection lost")

	// ErrSuspended indicates an operation attempted on a suspended connection.
	ErrSuspended = NewDomainError("RN-CONN-4230", "connection suspended")

	// ErrCancelled indicates an operation aborted by a concurrent shutdown.
	ErrCancelled = NewDomainError("RN-CONN-4990", "operation cancelled")
)

// ============================================================================
// Protocol Errors (PROT)
// ============================================================================

var (
	// ErrProtocol indicates a malformed or unexpected response from the peer.
	ErrProtocol = NewDomainError("RN-PROT-5020", "protocol error")
)

// ============================================================================
// Cluster Errors (CLUS)
// ============================================================================

var (
	// ErrLockAcquisition is returned by one-shot lock acquisition on contention.
	ErrLockAcquisition = NewDomainError("RN-CLUS-4090", "lock acquisition failed")

	// ErrNoMember indicates that no cluster member is available to serve a call.
	ErrNoMember = NewDomainError("RN-CLUS-5030", "no cluster member available")
)

// ============================================================================
// Argument Errors (ARG / MNT)
// ============================================================================

var (
	// ErrInvalidArgument indicates a missing or malformed argument.
	ErrInvalidArgument = NewDomainError("RN-ARG-4000", "invalid argument")

	// ErrInvalidMountMode indicates an unknown mount mode.
	ErrInvalidMountMode = NewDomainError("RN-MNT-4000", "invalid mount mode")
)

// ============================================================================
// Authentication Errors (AUTH)
// ============================================================================

var (
	// ErrTokenRefresh indicates that the core node refused to renew the token.
	ErrTokenRefresh = NewDomainError("RN-AUTH-4010", "token refresh failed")
)
