package cascade

import (
	"errors"
	"fmt"
)

// Code identifies a client-visible failure class. Every error surfaced by
// a detector or factor executor carries exactly one code.
type Code string

const (
	CodeNetworkFailure      Code = "network_failure"
	CodeInvalidCredentials  Code = "invalid_credentials"
	CodeCeremonyUnsupported Code = "ceremony_unsupported"
	CodeCeremonyCancelled   Code = "ceremony_cancelled"
	CodeCeremonyTimeout     Code = "ceremony_timeout"
	CodeCertificateAbsent   Code = "certificate_absent"
	CodeCertificateRejected Code = "certificate_rejected"
	CodeServerProtocolError Code = "server_protocol_error"
)

// AuthError tags an underlying failure with its taxonomy code.
type AuthError struct {
	Code  Code
	Cause error
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return string(e.Code)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// Is matches any AuthError with the same code, so the sentinels below
// work with errors.Is regardless of the wrapped cause.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Code == e.Code
}

var (
	ErrNetworkFailure      = &AuthError{Code: CodeNetworkFailure}
	ErrInvalidCredentials  = &AuthError{Code: CodeInvalidCredentials}
	ErrCeremonyUnsupported = &AuthError{Code: CodeCeremonyUnsupported}
	ErrCeremonyCancelled   = &AuthError{Code: CodeCeremonyCancelled}
	ErrCeremonyTimeout     = &AuthError{Code: CodeCeremonyTimeout}
	ErrCertificateAbsent   = &AuthError{Code: CodeCertificateAbsent}
	ErrCertificateRejected = &AuthError{Code: CodeCertificateRejected}
	ErrServerProtocolError = &AuthError{Code: CodeServerProtocolError}
)

// Wrap tags cause with code.
func Wrap(code Code, cause error) *AuthError {
	return &AuthError{Code: code, Cause: cause}
}

// Errorf tags a formatted message with code.
func Errorf(code Code, format string, args ...any) *AuthError {
	return &AuthError{Code: code, Cause: fmt.Errorf(format, args...)}
}

// CodeOf extracts the taxonomy code from err, unwrapping as needed.
func CodeOf(err error) (Code, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Code, true
	}
	return "", false
}
