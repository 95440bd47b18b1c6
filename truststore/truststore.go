// Package truststore holds an immutable set of trust anchors, each labelled
// with an alias.
package truststore

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"fmt"
	"slices"
	"strings"

	"github.com/jmcleod/ironchain/dn"
	"github.com/jmcleod/ironchain/internal/util"
	"github.com/jmcleod/ironchain/pkixerr"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrDuplicateAlias is returned by New when two different certificates
	// are given the same alias.
	ErrDuplicateAlias = pkixerr.New(pkixerr.ErrConfiguration, "duplicate trust anchor alias")

	// ErrInvalidAnchor is returned by New for a nil certificate, a nil alias
	// function or an empty alias.
	ErrInvalidAnchor = pkixerr.New(pkixerr.ErrConfiguration, "invalid trust anchor")
)

type anchor struct {
	cert        *x509.Certificate
	alias       string
	fingerprint string
}

// Store maps trusted certificates to aliases. It is immutable after New and
// safe for concurrent use.
type Store struct {
	byFingerprint map[string]*anchor
	byAlias       map[string]*anchor
	bySubject     map[string][]*anchor
	ordered       []*anchor
}

// New builds a store from certs, labelling each with aliasOf(cert).
//
// The same certificate listed more than once under the same alias is kept
// once. A certificate listed under two aliases, or an alias shared by two
// different certificates, is ErrDuplicateAlias.
func New(certs []*x509.Certificate, aliasOf func(*x509.Certificate) string) (*Store, error) {
	if aliasOf == nil {
		return nil, fmt.Errorf("%w: nil alias function", ErrInvalidAnchor)
	}

	s := &Store{
		byFingerprint: make(map[string]*anchor, len(certs)),
		byAlias:       make(map[string]*anchor, len(certs)),
		bySubject:     make(map[string][]*anchor, len(certs)),
	}
	for i, cert := range certs {
		if cert == nil {
			return nil, fmt.Errorf("%w: certificate %d is nil", ErrInvalidAnchor, i)
		}
		alias := aliasOf(cert)
		if alias == "" {
			return nil, fmt.Errorf("%w: empty alias for %s", ErrInvalidAnchor, cert.Subject)
		}

		fp := util.Fingerprint(cert.Raw)
		if prev, ok := s.byFingerprint[fp]; ok {
			if prev.alias == alias {
				continue
			}
			return nil, fmt.Errorf("%w: %s is listed as both %q and %q", ErrDuplicateAlias, cert.Subject, prev.alias, alias)
		}
		if prev, ok := s.byAlias[alias]; ok {
			return nil, fmt.Errorf("%w: %q names both %s and %s", ErrDuplicateAlias, alias, prev.cert.Subject, cert.Subject)
		}

		a := &anchor{cert: cert, alias: alias, fingerprint: fp}
		s.byFingerprint[fp] = a
		s.byAlias[alias] = a
		key := string(cert.RawSubject)
		s.bySubject[key] = append(s.bySubject[key], a)
		s.ordered = append(s.ordered, a)
	}
	return s, nil
}

// Lookup returns the anchor whose subject is the DER-encoded name subject
// and whose public key equals pub.
func (s *Store) Lookup(subject []byte, pub crypto.PublicKey) (*x509.Certificate, bool) {
	for _, cert := range s.BySubject(subject) {
		if PublicKeysEqual(cert.PublicKey, pub) {
			return cert, true
		}
	}
	return nil, false
}

// BySubject returns the anchors named subject. Anchors with the exact
// encoding come first, followed by those that match only under RFC 5280
// comparison rules.
func (s *Store) BySubject(subject []byte) []*x509.Certificate {
	var out []*x509.Certificate
	for _, a := range s.bySubject[string(subject)] {
		out = append(out, a.cert)
	}
	for _, a := range s.ordered {
		if bytes.Equal(a.cert.RawSubject, subject) {
			continue
		}
		if dn.EqualRaw(a.cert.RawSubject, subject) {
			out = append(out, a.cert)
		}
	}
	return out
}

// Alias returns the alias cert was stored under.
func (s *Store) Alias(cert *x509.Certificate) (string, bool) {
	if cert == nil {
		return "", false
	}
	a, ok := s.byFingerprint[util.Fingerprint(cert.Raw)]
	if !ok {
		return "", false
	}
	return a.alias, true
}

// Certificate returns the anchor stored under alias.
func (s *Store) Certificate(alias string) (*x509.Certificate, bool) {
	a, ok := s.byAlias[alias]
	if !ok {
		return nil, false
	}
	return a.cert, true
}

// Contains reports whether cert is one of the anchors.
func (s *Store) Contains(cert *x509.Certificate) bool {
	_, ok := s.Alias(cert)
	return ok
}

// Aliases returns the aliases in sorted order.
func (s *Store) Aliases() []string {
	out := make([]string, 0, len(s.byAlias))
	for alias := range s.byAlias {
		out = append(out, alias)
	}
	slices.Sort(out)
	return out
}

// Certificates returns the anchors in the order they were given to New.
func (s *Store) Certificates() []*x509.Certificate {
	out := make([]*x509.Certificate, len(s.ordered))
	for i, a := range s.ordered {
		out[i] = a.cert
	}
	return out
}

func (s *Store) Len() int { return len(s.ordered) }

// Pool returns the anchors as an x509.CertPool.
func (s *Store) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	for _, a := range s.ordered {
		pool.AddCert(a.cert)
	}
	return pool
}

// ---------------------------------------------------------------------------
// Alias functions
// ---------------------------------------------------------------------------

// CommonNameAlias uses the subject common name, lower-cased.
func CommonNameAlias(cert *x509.Certificate) string {
	return strings.ToLower(cert.Subject.CommonName)
}

// FingerprintAlias uses the hex SHA-256 fingerprint of the certificate.
func FingerprintAlias(cert *x509.Certificate) string {
	return util.Fingerprint(cert.Raw)
}

// PublicKeysEqual reports whether a and b are the same public key.
func PublicKeysEqual(a, b crypto.PublicKey) bool {
	if a == nil || b == nil {
		return false
	}
	eq, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && eq.Equal(b)
}
