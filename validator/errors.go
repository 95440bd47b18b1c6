package validator

import (
	"fmt"
	"strings"

	"github.com/jmcleod/ironchain/pkixerr"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrInvalidTrustSource is returned when no usable trust anchors were
	// supplied. It is reported before the chain is inspected.
	ErrInvalidTrustSource = pkixerr.New(pkixerr.ErrConfiguration, "invalid trust source")

	// ErrInvalidPolicy is returned for out-of-range or unparseable policy
	// settings.
	ErrInvalidPolicy = pkixerr.New(pkixerr.ErrConfiguration, "invalid validation policy")

	// ErrMalformedChain is returned for an empty chain, a nil entry, or a
	// certificate whose issuer is not the subject of the next one.
	ErrMalformedChain = pkixerr.New(pkixerr.ErrChainStructure, "malformed chain")

	// ErrChainTooLong is returned when the chain exceeds the maximum depth.
	ErrChainTooLong = pkixerr.New(pkixerr.ErrChainStructure, "chain too long")

	// ErrSignatureVerification is returned when a certificate's signature
	// does not verify under its issuer's key.
	ErrSignatureVerification = pkixerr.New(pkixerr.ErrCryptoOperation, "signature verification failed")

	ErrExpiredCertificate = pkixerr.New(pkixerr.ErrTemporal, "certificate expired")
	ErrNotYetValid        = pkixerr.New(pkixerr.ErrTemporal, "certificate not yet valid")

	// ErrNotCA is returned when a certificate that issued another one is not
	// a CA.
	ErrNotCA = pkixerr.New(pkixerr.ErrConstraint, "issuer is not a CA")

	// ErrKeyUsage is returned when a CA's key usage does not permit
	// certificate signing.
	ErrKeyUsage = pkixerr.New(pkixerr.ErrConstraint, "key usage does not permit certificate signing")

	// ErrPathLengthExceeded is returned when more intermediates follow a CA
	// than its path length constraint allows.
	ErrPathLengthExceeded = pkixerr.New(pkixerr.ErrConstraint, "path length constraint exceeded")

	// ErrUntrustedAnchor is returned when the top of the chain neither is
	// nor was issued by a trust anchor.
	ErrUntrustedAnchor = pkixerr.New(pkixerr.ErrTrust, "no matching trust anchor")
)

// NoIndex is the PathValidationError index for failures that concern the
// chain as a whole.
const NoIndex = -1

// PathValidationError describes why a chain was rejected. Reason is one of
// the sentinel errors above; errors.Is matches both Reason and its pkixerr
// category.
type PathValidationError struct {
	Reason error

	// Index is the position in the chain, leaf first, of the certificate
	// that failed. len(chain) denotes a trust anchor outside the chain.
	Index int

	// Subject is the failing certificate's subject name.
	Subject string

	Expected string
	Actual   string

	// Err is the underlying cause reported by crypto/x509, if any.
	Err error
}

func (e *PathValidationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Reason.Error())
	if e.Index >= 0 {
		fmt.Fprintf(&b, " at certificate %d", e.Index)
	}
	if e.Subject != "" {
		fmt.Fprintf(&b, " (%s)", e.Subject)
	}
	if e.Expected != "" || e.Actual != "" {
		fmt.Fprintf(&b, ": expected %s, got %s", e.Expected, e.Actual)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *PathValidationError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Reason, e.Err}
	}
	return []error{e.Reason}
}
