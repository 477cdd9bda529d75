package signer

import (
	"errors"
	"fmt"
)

// Sentinel errors for pool and facade operations.
// Use errors.Is() to check for these errors through the error chain.
var (
	// ErrNoIdleSigner indicates the borrow wait expired or was cancelled.
	ErrNoIdleSigner = errors.New("no idle signer available")

	// ErrPoolProtocolViolation indicates a handle was returned that was not borrowed.
	ErrPoolProtocolViolation = errors.New("signer pool protocol violation")

	// ErrPoolClosed indicates the pool has been closed.
	ErrPoolClosed = errors.New("signer pool is closed")

	// ErrNoBackends indicates a pool was created without signing backends.
	ErrNoBackends = errors.New("at least one signing backend is required")

	// ErrInvalidCertificate indicates a certificate that cannot be converted.
	ErrInvalidCertificate = errors.New("invalid certificate")

	// ErrInvalidTimeout indicates a borrow timeout outside the accepted range.
	ErrInvalidTimeout = errors.New("invalid borrow timeout")
)

// CertificateError reports which chain entry failed conversion.
type CertificateError struct {
	Index int
	Err   error
}

// Error implements the error interface.
func (e *CertificateError) Error() string {
	return fmt.Sprintf("certificate chain [%d]: %v", e.Index, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CertificateError) Unwrap() error { return e.Err }
