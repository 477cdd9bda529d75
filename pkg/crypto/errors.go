package crypto

import (
	"errors"
	"fmt"
)

// AlgorithmError carries the operation and the offending input of a failed
// resolution. It supports errors.Is() and errors.As().
type AlgorithmError struct {
	Op    string // "resolve", "name", "digest", "key", "sign", "pss"
	Input string // algorithm name, OID or key type that failed
	Err   error
}

// Error implements the error interface.
func (e *AlgorithmError) Error() string {
	if e.Input != "" {
		return fmt.Sprintf("algorithm %s [%s]: %v", e.Op, e.Input, e.Err)
	}
	return fmt.Sprintf("algorithm %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AlgorithmError) Unwrap() error { return e.Err }

func newAlgorithmError(op, input string, err error) *AlgorithmError {
	return &AlgorithmError{Op: op, Input: input, Err: err}
}

// Sentinel errors for algorithm resolution and signing backends.
var (
	// ErrUnsupportedAlgorithm indicates a name, OID or (family, hash) pair outside the table.
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")

	// ErrUnknownKeyType indicates a public or private key kind outside RSA, EC and DSA.
	ErrUnknownKeyType = errors.New("unknown key type")

	// ErrInvalidParameters indicates malformed algorithm parameters, e.g. RSASSA-PSS params.
	ErrInvalidParameters = errors.New("invalid algorithm parameters")

	// ErrInvalidConfig indicates an inconsistent SignerConfig or HSMConfig.
	ErrInvalidConfig = errors.New("invalid signer configuration")

	// ErrKeyMismatch indicates the private key does not fit the algorithm identifier.
	ErrKeyMismatch = errors.New("key does not match algorithm")

	// ErrBackendClosed indicates a signing backend used after Close.
	ErrBackendClosed = errors.New("signing backend is closed")
)
