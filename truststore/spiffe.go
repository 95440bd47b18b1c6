package truststore

import (
	"crypto/x509"
	"fmt"

	"github.com/spiffe/go-spiffe/v2/bundle/x509bundle"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
)

// FromX509Bundle builds a store from the X.509 authorities of a SPIFFE trust
// bundle. Each anchor is aliased "<trust domain>/<sha256 fingerprint>".
func FromX509Bundle(bundle *x509bundle.Bundle) (*Store, error) {
	if bundle == nil {
		return nil, fmt.Errorf("%w: nil bundle", ErrInvalidAnchor)
	}
	td := bundle.TrustDomain()
	return New(bundle.X509Authorities(), func(cert *x509.Certificate) string {
		return td.Name() + "/" + FingerprintAlias(cert)
	})
}

// X509Bundle exports the anchors as a SPIFFE X.509 bundle for td.
func (s *Store) X509Bundle(td spiffeid.TrustDomain) *x509bundle.Bundle {
	return x509bundle.FromX509Authorities(td, s.Certificates())
}

// GetX509BundleForTrustDomain lets a store act as an x509bundle.Source. Every
// trust domain is served the full anchor set.
func (s *Store) GetX509BundleForTrustDomain(td spiffeid.TrustDomain) (*x509bundle.Bundle, error) {
	if td.IsZero() {
		return nil, fmt.Errorf("%w: empty trust domain", ErrInvalidAnchor)
	}
	return s.X509Bundle(td), nil
}

var _ x509bundle.Source = (*Store)(nil)
