package tunnel

import (
	"errors"
	"fmt"
)

// Common sentinel errors for tunnel operations.
var (
	// ErrContextInUse indicates that a context setter was called after the
	// first stream was created from it.
	ErrContextInUse = errors.New("engine context already in use")

	// ErrCipherSuiteInvalid indicates that a cipher suite name is unknown.
	ErrCipherSuiteInvalid = errors.New("invalid cipher suite")

	// ErrCurveInvalid indicates that an ECDH curve name is unknown.
	ErrCurveInvalid = errors.New("invalid ECDH curve")

	// ErrTLSVersionInvalid indicates that a TLS version is invalid.
	ErrTLSVersionInvalid = errors.New("invalid TLS version")

	// ErrRoleInvalid indicates that a tunnel role is invalid.
	ErrRoleInvalid = errors.New("invalid tunnel role")

	// ErrValidationModeInvalid indicates that a peer validation mode flag is unknown.
	ErrValidationModeInvalid = errors.New("invalid peer validation mode")

	// ErrConfigInvalid indicates that the tunnel configuration is invalid.
	ErrConfigInvalid = errors.New("invalid tunnel configuration")

	// ErrCertificateNotFound indicates that a certificate was not found.
	ErrCertificateNotFound = errors.New("certificate not found")

	// ErrProviderClosed indicates that the certificate provider has been closed.
	ErrProviderClosed = errors.New("certificate provider closed")

	// ErrNoTrustAnchor indicates that trust-chain checking was requested but
	// no trusted CA bundle is configured. This is always fatal and cannot be
	// overridden by a peer validation callback.
	ErrNoTrustAnchor = errors.New("no trusted certificate authorities configured")

	// ErrPeerCertRequired indicates that the peer did not present a certificate.
	ErrPeerCertRequired = errors.New("peer certificate required")

	// ErrApplicationVerification indicates that the application rejected an
	// otherwise valid peer certificate.
	ErrApplicationVerification = errors.New("application verification failed")

	// ErrPeerClosed indicates that the peer closed the tunnel cleanly.
	ErrPeerClosed = errors.New("peer closed the tunnel")

	// ErrTunnelUnusable indicates that a previous fatal error made the
	// tunnel unusable for further operations.
	ErrTunnelUnusable = errors.New("tunnel is no longer usable")

	// ErrEntropyUnavailable indicates that the system entropy source could
	// not be read during process crypto state initialization.
	ErrEntropyUnavailable = errors.New("system entropy source unavailable")
)

// ConfigurationError represents a tunnel configuration error.
type ConfigurationError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		if e.Cause != nil {
			return fmt.Sprintf("tunnel config error at %s: %s: %v", e.Field, e.Message, e.Cause)
		}
		return fmt.Sprintf("tunnel config error at %s: %s", e.Field, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("tunnel config error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("tunnel config error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigurationError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ConfigurationError) Is(target error) bool {
	if errors.Is(target, ErrConfigInvalid) {
		return true
	}
	_, ok := target.(*ConfigurationError)
	return ok || errors.Is(e.Cause, target)
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(field, message string) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: message}
}

// NewConfigurationErrorWithCause creates a new ConfigurationError with a cause.
func NewConfigurationErrorWithCause(field, message string, cause error) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: message, Cause: cause}
}

// HandshakeError represents a failed tunnel handshake. Reason carries the
// engine's textual error alongside a short description of the operation
// that failed.
type HandshakeError struct {
	Op     string
	Reason string
	Cause  error
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("handshake failed while %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("handshake failed while %s", e.Op)
}

// Unwrap returns the underlying error.
func (e *HandshakeError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *HandshakeError) Is(target error) bool {
	_, ok := target.(*HandshakeError)
	return ok || errors.Is(e.Cause, target)
}

// NewHandshakeError creates a new HandshakeError from an engine error.
func NewHandshakeError(op string, cause error) *HandshakeError {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return &HandshakeError{Op: op, Reason: reason, Cause: cause}
}

// VerificationError represents a peer certificate verification failure.
type VerificationError struct {
	Subject string
	Reason  string
	Cause   error
}

// Error implements the error interface.
func (e *VerificationError) Error() string {
	if e.Subject != "" {
		if e.Cause != nil {
			return fmt.Sprintf("certificate verification failed for %s: %s: %v", e.Subject, e.Reason, e.Cause)
		}
		return fmt.Sprintf("certificate verification failed for %s: %s", e.Subject, e.Reason)
	}
	if e.Cause != nil {
		return fmt.Sprintf("certificate verification failed: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("certificate verification failed: %s", e.Reason)
}

// Unwrap returns the underlying error.
func (e *VerificationError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *VerificationError) Is(target error) bool {
	_, ok := target.(*VerificationError)
	return ok || errors.Is(e.Cause, target)
}

// NewVerificationError creates a new VerificationError.
func NewVerificationError(subject, reason string) *VerificationError {
	return &VerificationError{Subject: subject, Reason: reason}
}

// NewVerificationErrorWithCause creates a new VerificationError with a cause.
func NewVerificationErrorWithCause(subject, reason string, cause error) *VerificationError {
	return &VerificationError{Subject: subject, Reason: reason, Cause: cause}
}

// CertificateError represents a certificate loading or parsing error.
type CertificateError struct {
	Path    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *CertificateError) Error() string {
	if e.Path != "" {
		if e.Cause != nil {
			return fmt.Sprintf("certificate error at %s: %s: %v", e.Path, e.Message, e.Cause)
		}
		return fmt.Sprintf("certificate error at %s: %s", e.Path, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("certificate error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("certificate error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *CertificateError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *CertificateError) Is(target error) bool {
	_, ok := target.(*CertificateError)
	return ok || errors.Is(e.Cause, target)
}

// NewCertificateError creates a new CertificateError.
func NewCertificateError(path, message string) *CertificateError {
	return &CertificateError{Path: path, Message: message}
}

// NewCertificateErrorWithCause creates a new CertificateError with a cause.
func NewCertificateErrorWithCause(path, message string, cause error) *CertificateError {
	return &CertificateError{Path: path, Message: message, Cause: cause}
}

// StreamError represents a fatal record-layer I/O error on a tunnel stream.
type StreamError struct {
	Op    string
	Cause error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tunnel %s failed: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("tunnel %s failed", e.Op)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *StreamError) Is(target error) bool {
	_, ok := target.(*StreamError)
	return ok || errors.Is(e.Cause, target)
}

// NewStreamError creates a new StreamError.
func NewStreamError(op string, cause error) *StreamError {
	return &StreamError{Op: op, Cause: cause}
}

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
