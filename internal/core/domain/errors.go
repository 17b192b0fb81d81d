// Package domain defines the core domain models for memscope.
package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a failure with a stable, machine readable code.
//
// Codes follow the format MS-<AREA>-<NNNN>. The numeric part loosely mirrors
// HTTP semantics (4xxx caller problems, 5xxx server or network problems),
// which the HTTP layer relies on when choosing a status code.
type DomainError struct {
	Code    string // Error code (e.g., "MS-CONN-4040")
	Message string // Human-readable message
	Details string // Optional additional details
	Cause   error  // Underlying error (if any)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches any DomainError carrying the same code.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// WithDetailsf is WithDetails with fmt.Sprintf formatting.
func (e *DomainError) WithDetailsf(format string, args ...any) *DomainError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// IsDomainError checks if an error is a DomainError with the given code.
// If code is empty, it only checks if the error is a DomainError.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		if code == "" {
			return true
		}
		return de.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error if it's a DomainError.
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// ============================================================================
// Transport errors (TRAN). Retrying is the caller's decision, never ours.
// ============================================================================

var (
	// ErrTransportTimeout indicates the connect or request deadline elapsed.
	ErrTransportTimeout = NewDomainError("MS-TRAN-5040", "cache server timed out")

	// ErrTransportIO indicates a socket error or a premature close.
	ErrTransportIO = NewDomainError("MS-TRAN-5020", "cache server i/o error")
)

// ============================================================================
// Protocol errors (PROT)
// ============================================================================

var (
	// ErrProtocol indicates a non-success status or a malformed response.
	// The logical connection stays usable after it.
	ErrProtocol = NewDomainError("MS-PROT-5021", "protocol error")

	// ErrUnsupportedCommand indicates a command the selected dialect cannot
	// carry. It is always raised before any socket is opened.
	ErrUnsupportedCommand = NewDomainError("MS-PROT-4000", "unsupported command")
)

// ============================================================================
// Authentication and host identity errors (AUTH, HOST)
// ============================================================================

var (
	// ErrAuthenticationFailed indicates the cache server rejected the credentials.
	ErrAuthenticationFailed = NewDomainError("MS-AUTH-4010", "authentication failed")

	// ErrTunnelAuth indicates no usable bastion credential was supplied or
	// the bastion rejected it.
	ErrTunnelAuth = NewDomainError("MS-AUTH-4011", "tunnel authentication failed")

	// ErrHostIdentityUnverified indicates the bastion presented a host key
	// while no fingerprint was pinned.
	ErrHostIdentityUnverified = NewDomainError("MS-HOST-4090", "host identity unverified")

	// ErrHostIdentityMismatch indicates the bastion host key does not match
	// the pinned fingerprint.
	ErrHostIdentityMismatch = NewDomainError("MS-HOST-4091", "host identity mismatch")

	// ErrTunnel indicates the tunnel could not be established or broke.
	ErrTunnel = NewDomainError("MS-HOST-5020", "tunnel error")
)

// ============================================================================
// Registry and key errors (CONN, KEY)
// ============================================================================

var (
	// ErrConnectionNotFound is returned for unknown and for idle-expired
	// connection ids alike.
	ErrConnectionNotFound = NewDomainError("MS-CONN-4040", "connection not found")

	// ErrKeyNotFound indicates the requested key does not exist.
	ErrKeyNotFound = NewDomainError("MS-KEY-4040", "key not found")
)

// ============================================================================
// Argument and system errors (ARG, SYS)
// ============================================================================

var (
	// ErrInvalidArgument indicates an invalid argument.
	ErrInvalidArgument = NewDomainError("MS-ARG-1001", "invalid argument")

	// ErrMissingArgument indicates a required argument is missing.
	ErrMissingArgument = NewDomainError("MS-ARG-1002", "missing required argument")

	// ErrInternal indicates an unexpected internal failure.
	ErrInternal = NewDomainError("MS-SYS-5000", "internal error")

	// ErrRateLimited indicates too many requests.
	ErrRateLimited = NewDomainError("MS-SYS-4290", "too many requests")

	// ErrBadRequest indicates a malformed request.
	ErrBadRequest = NewDomainError("MS-SYS-4000", "bad request")
)

// HostKeyError carries the fingerprints involved in a failed host identity
// check so a caller can show them to an operator and retry with a pin.
type HostKeyError struct {
	// Observed is the fingerprint the bastion presented.
	Observed string
	// Pinned is the fingerprint the caller expected; empty when unverified.
	Pinned string
}

// Error implements the error interface.
func (e *HostKeyError) Error() string {
	return e.domainError().Error()
}

// Unwrap exposes ErrHostIdentityUnverified or ErrHostIdentityMismatch.
func (e *HostKeyError) Unwrap() error {
	return e.domainError()
}

// Mismatch reports whether a pinned fingerprint was present and differed.
func (e *HostKeyError) Mismatch() bool {
	return e.Pinned != ""
}

func (e *HostKeyError) domainError() *DomainError {
	if e.Mismatch() {
		return ErrHostIdentityMismatch.WithDetailsf("expected %s, got %s", e.Pinned, e.Observed)
	}
	return ErrHostIdentityUnverified.WithDetailsf("fingerprint %s", e.Observed)
}

// AsHostKeyError extracts a HostKeyError from an error chain.
func AsHostKeyError(err error) (*HostKeyError, bool) {
	var hk *HostKeyError
	if errors.As(err, &hk) {
		return hk, true
	}
	return nil, false
}
