// Package validator checks that a certificate chain leads from an end-entity
// certificate to a trust anchor under PKIX path validation rules.
//
// A validator is assembled in stages. The trust source is chosen once, as
// either a set of certificates or a trust store, so a validator with both or
// neither cannot be built:
//
//	res, err := validator.New().
//		WithTrustedCertificates(root).
//		WithCertificates(leaf, intermediate, root).
//		Validate()
package validator

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"slices"
	"time"

	"github.com/jmcleod/ironchain/truststore"
)

// Result describes a successfully validated chain.
type Result struct {
	// TrustAnchor is the trusted certificate the chain ends at, taken from
	// the trust source.
	TrustAnchor *x509.Certificate

	// TrustAnchorAlias is the anchor's alias when the source was a trust
	// store.
	TrustAnchorAlias string

	// PublicKey is the end-entity certificate's public key.
	PublicKey crypto.PublicKey

	ValidatedAt time.Time
	Chain       []*x509.Certificate

	// Policies is the set of certificate policies asserted by every
	// certificate in the chain that carries a policies extension. anyPolicy
	// matches every policy. Nil when no certificate names a policy.
	Policies []asn1.ObjectIdentifier
}

// New returns the first validator stage.
func New(opts ...Option) TrustStage {
	return TrustStage{opts: newOptions(opts)}
}

// TrustStage selects the trust source.
type TrustStage struct {
	opts *options
}

// WithTrustedCertificates trusts exactly certs.
func (s TrustStage) WithTrustedCertificates(certs ...*x509.Certificate) ChainStage {
	return s.WithTrustSource(CertificateSet(slices.Clone(certs)))
}

// WithTrustStore trusts the anchors in store and reports their aliases.
func (s TrustStage) WithTrustStore(store *truststore.Store) ChainStage {
	return s.WithTrustSource(StoreSource(store))
}

// WithTrustSource trusts src.
func (s TrustStage) WithTrustSource(src TrustSource) ChainStage {
	return ChainStage{opts: s.opts, trust: src}
}

// ChainStage takes the chain to validate.
type ChainStage struct {
	opts  *options
	trust TrustSource
}

// WithCertificates sets the chain, leaf first, each certificate followed by
// its issuer. The trust anchor may be included as the last element or left
// out.
func (s ChainStage) WithCertificates(chain ...*x509.Certificate) ReadyStage {
	return ReadyStage{opts: s.opts, trust: s.trust, chain: slices.Clone(chain)}
}

// ReadyStage validates.
type ReadyStage struct {
	opts  *options
	trust TrustSource
	chain []*x509.Certificate
	at    time.Time
}

// At validates as of t instead of the current time.
func (s ReadyStage) At(t time.Time) ReadyStage {
	s.at = t
	return s
}

// Validate runs path validation. On failure the error is a
// *PathValidationError, except for policy configuration errors.
func (s ReadyStage) Validate() (*Result, error) {
	if s.opts.err != nil {
		return nil, s.opts.err
	}
	at := s.at
	if at.IsZero() {
		at = s.opts.now()
	}
	p := &path{
		policy: s.opts.policy,
		trust:  s.trust,
		chain:  s.chain,
		at:     at,
	}
	res, err := p.validate()
	s.log(res, err)
	return res, err
}
