package validator

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/jmcleod/ironchain/dn"
	"github.com/jmcleod/ironchain/truststore"
)

// TrustSource is where trust anchors come from: a CertificateSet or a
// *truststore.Store. No other implementations exist.
type TrustSource interface {
	check() error
	lookup(subject []byte, pub crypto.PublicKey) (*x509.Certificate, bool)
	bySubject(subject []byte) []*x509.Certificate
	alias(cert *x509.Certificate) string
}

// CertificateSet is a bare list of trusted certificates.
type CertificateSet []*x509.Certificate

func (s CertificateSet) check() error {
	if len(s) == 0 {
		return errors.New("empty certificate set")
	}
	for i, cert := range s {
		if cert == nil {
			return fmt.Errorf("trusted certificate %d is nil", i)
		}
	}
	return nil
}

func (s CertificateSet) lookup(subject []byte, pub crypto.PublicKey) (*x509.Certificate, bool) {
	for _, cert := range s.bySubject(subject) {
		if truststore.PublicKeysEqual(cert.PublicKey, pub) {
			return cert, true
		}
	}
	return nil, false
}

func (s CertificateSet) bySubject(subject []byte) []*x509.Certificate {
	var out []*x509.Certificate
	for _, cert := range s {
		if dn.EqualRaw(cert.RawSubject, subject) {
			out = append(out, cert)
		}
	}
	return out
}

func (CertificateSet) alias(*x509.Certificate) string { return "" }

type storeSource struct {
	store *truststore.Store
}

func (s storeSource) check() error {
	if s.store == nil {
		return errors.New("nil trust store")
	}
	if s.store.Len() == 0 {
		return errors.New("empty trust store")
	}
	return nil
}

func (s storeSource) lookup(subject []byte, pub crypto.PublicKey) (*x509.Certificate, bool) {
	return s.store.Lookup(subject, pub)
}

func (s storeSource) bySubject(subject []byte) []*x509.Certificate {
	return s.store.BySubject(subject)
}

func (s storeSource) alias(cert *x509.Certificate) string {
	alias, _ := s.store.Alias(cert)
	return alias
}

// StoreSource wraps a trust store as a TrustSource.
func StoreSource(store *truststore.Store) TrustSource {
	return storeSource{store: store}
}
