// Package pkixerr defines the error categories shared by the issuance and
// validation packages. Every sentinel exported by keys, certificate,
// truststore and validator wraps exactly one of these, so callers can branch
// on the category with errors.Is without knowing the concrete failure.
package pkixerr

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration covers illegal or missing staged inputs and cross-field
	// mismatches such as a key that cannot produce the selected signature
	// algorithm.
	ErrConfiguration = errors.New("configuration error")

	// ErrCryptoOperation covers failures of the signing, verification or key
	// generation primitives.
	ErrCryptoOperation = errors.New("crypto operation error")

	// ErrChainStructure covers ordering and name mismatches inside a chain.
	ErrChainStructure = errors.New("chain structure error")

	// ErrTrust is returned when no trust anchor accounts for a chain.
	ErrTrust = errors.New("trust error")

	// ErrTemporal covers expired and not-yet-valid certificates.
	ErrTemporal = errors.New("temporal error")

	// ErrConstraint covers basic constraints, key usage and path length
	// violations.
	ErrConstraint = errors.New("constraint error")
)

// New returns a sentinel error with the given message that also matches
// category under errors.Is.
func New(category error, msg string) error {
	return fmt.Errorf("%w: %s", category, msg)
}
