// Package extension maps a certificate role to the X.509 v3 extensions a
// certificate in that role carries: basic constraints, key usage, subject key
// identifier and authority key identifier.
//
// The extensions are DER-encoded here rather than left to crypto/x509 so that
// the bytes placed in a certificate are exactly the ones this package
// returns. Callers put Set.Extensions into x509.Certificate.ExtraExtensions.
package extension

import (
	"crypto"
	"crypto/sha1" //nolint:gosec // RFC 5280 4.2.1.2 method 1 key identifier
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/jmcleod/ironchain/internal/util"
	"github.com/jmcleod/ironchain/pkixerr"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrPathLengthNotAllowed is returned when a path length constraint is
	// requested for an end-entity certificate.
	ErrPathLengthNotAllowed = pkixerr.New(pkixerr.ErrConfiguration, "path length constraint not allowed for end entity")

	// ErrMissingPublicKey is returned when no subject public key is supplied.
	ErrMissingPublicKey = pkixerr.New(pkixerr.ErrConfiguration, "missing subject public key")

	// ErrUnknownRole is returned for a Role value outside Root, Intermediate
	// and EndEntity.
	ErrUnknownRole = pkixerr.New(pkixerr.ErrConfiguration, "unknown certificate role")

	// ErrUnsupportedPublicKey is returned when the subject public key cannot
	// be encoded as a SubjectPublicKeyInfo.
	ErrUnsupportedPublicKey = pkixerr.New(pkixerr.ErrConfiguration, "unsupported subject public key")
)

// Extension OIDs (RFC 5280 section 4.2.1).
var (
	OIDSubjectKeyID        = asn1.ObjectIdentifier{2, 5, 29, 14}
	OIDKeyUsage            = asn1.ObjectIdentifier{2, 5, 29, 15}
	OIDBasicConstraints    = asn1.ObjectIdentifier{2, 5, 29, 19}
	OIDCertificatePolicies = asn1.ObjectIdentifier{2, 5, 29, 32}
	OIDAnyPolicy           = asn1.ObjectIdentifier{2, 5, 29, 32, 0}
	OIDAuthorityKeyID      = asn1.ObjectIdentifier{2, 5, 29, 35}
)

// Role is the position a certificate occupies in a chain.
type Role int

const (
	Root Role = iota
	Intermediate
	EndEntity
)

func (r Role) String() string {
	switch r {
	case Root:
		return "root"
	case Intermediate:
		return "intermediate"
	case EndEntity:
		return "end-entity"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// IsCA reports whether certificates in this role may sign other certificates.
func (r Role) IsCA() bool { return r == Root || r == Intermediate }

// NoPathLength omits the pathLenConstraint from a CA's basic constraints,
// leaving the depth below it unbounded.
const NoPathLength = -1

// Params are the inputs to For.
type Params struct {
	// SubjectPublicKey is the key being certified. Required.
	SubjectPublicKey crypto.PublicKey

	// IssuerKeyID is the issuer's subject key identifier. It becomes the
	// authority key identifier; leave it empty for self-signed roots.
	IssuerKeyID []byte

	// PathLen is the CA path length constraint. Any negative value means
	// absent. For EndEntity only zero or negative values are accepted.
	PathLen int
}

// Set is the extension set for one certificate: the encoded extensions and
// the values they carry.
type Set struct {
	Role           Role
	IsCA           bool
	PathLen        int
	KeyUsage       x509.KeyUsage
	SubjectKeyID   []byte
	AuthorityKeyID []byte

	// Extensions are in the order basic constraints, key usage, subject key
	// identifier, authority key identifier.
	Extensions []pkix.Extension
}

// For returns the extension set for a certificate in role r.
//
//	Root          CA=true   keyCertSign|cRLSign                 path length as supplied
//	Intermediate  CA=true   keyCertSign|cRLSign                 path length as supplied
//	EndEntity     CA=false  digitalSignature|keyEncipherment    none
//
// Basic constraints and key usage are always critical. The authority key
// identifier is present only when p.IssuerKeyID is set and r is not Root.
func For(r Role, p Params) (Set, error) {
	if p.SubjectPublicKey == nil {
		return Set{}, ErrMissingPublicKey
	}

	set := Set{Role: r, PathLen: NoPathLength}
	switch r {
	case Root, Intermediate:
		set.IsCA = true
		set.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
		if p.PathLen >= 0 {
			set.PathLen = p.PathLen
		}
	case EndEntity:
		if p.PathLen > 0 {
			return Set{}, fmt.Errorf("%w: %d", ErrPathLengthNotAllowed, p.PathLen)
		}
		set.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
	default:
		return Set{}, fmt.Errorf("%w: %d", ErrUnknownRole, int(r))
	}

	ski, err := SubjectKeyID(p.SubjectPublicKey)
	if err != nil {
		return Set{}, err
	}
	set.SubjectKeyID = ski

	bc, err := BasicConstraints(set.IsCA, set.PathLen)
	if err != nil {
		return Set{}, err
	}
	ku, err := KeyUsage(set.KeyUsage)
	if err != nil {
		return Set{}, err
	}
	skiExt, err := SubjectKeyIDExtension(ski)
	if err != nil {
		return Set{}, err
	}
	set.Extensions = []pkix.Extension{bc, ku, skiExt}

	if r != Root && len(p.IssuerKeyID) > 0 {
		set.AuthorityKeyID = util.CopyBytes(p.IssuerKeyID)
		aki, err := AuthorityKeyIDExtension(set.AuthorityKeyID)
		if err != nil {
			return Set{}, err
		}
		set.Extensions = append(set.Extensions, aki)
	}
	return set, nil
}

// ---------------------------------------------------------------------------
// Encoders
// ---------------------------------------------------------------------------

// BasicConstraints encodes the critical basic constraints extension. For a
// non-CA the value is an empty SEQUENCE; pathLen is written only for a CA
// and only when non-negative.
func BasicConstraints(isCA bool, pathLen int) (pkix.Extension, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		if !isCA {
			return
		}
		b.AddASN1Boolean(true)
		if pathLen >= 0 {
			b.AddASN1Int64(int64(pathLen))
		}
	})
	der, err := b.Bytes()
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("encoding basic constraints: %w", err)
	}
	return pkix.Extension{Id: OIDBasicConstraints, Critical: true, Value: der}, nil
}

// KeyUsage encodes the critical key usage extension as a DER BIT STRING with
// trailing zero bits removed.
func KeyUsage(ku x509.KeyUsage) (pkix.Extension, error) {
	// Bit 0 (digitalSignature) is the most significant bit of the first byte.
	var bits [2]byte
	last := -1
	for i := 0; i < 9; i++ {
		if ku&(1<<uint(i)) != 0 {
			bits[i/8] |= 0x80 >> uint(i%8)
			last = i
		}
	}

	var content []byte
	if last < 0 {
		content = []byte{0}
	} else {
		n := last/8 + 1
		unused := byte(8*n - (last + 1))
		content = append([]byte{unused}, bits[:n]...)
	}

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.BIT_STRING, func(b *cryptobyte.Builder) {
		b.AddBytes(content)
	})
	der, err := b.Bytes()
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("encoding key usage: %w", err)
	}
	return pkix.Extension{Id: OIDKeyUsage, Critical: true, Value: der}, nil
}

// SubjectKeyIDExtension encodes keyID as a non-critical subject key
// identifier extension.
func SubjectKeyIDExtension(keyID []byte) (pkix.Extension, error) {
	var b cryptobyte.Builder
	b.AddASN1OctetString(keyID)
	der, err := b.Bytes()
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("encoding subject key identifier: %w", err)
	}
	return pkix.Extension{Id: OIDSubjectKeyID, Value: der}, nil
}

// AuthorityKeyIDExtension encodes keyID as a non-critical authority key
// identifier extension carrying only the [0] keyIdentifier field.
func AuthorityKeyIDExtension(keyID []byte) (pkix.Extension, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.Tag(0).ContextSpecific(), func(b *cryptobyte.Builder) {
			b.AddBytes(keyID)
		})
	})
	der, err := b.Bytes()
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("encoding authority key identifier: %w", err)
	}
	return pkix.Extension{Id: OIDAuthorityKeyID, Value: der}, nil
}

// SubjectKeyID returns the SHA-1 hash of the subjectPublicKey BIT STRING in
// pub's SubjectPublicKeyInfo.
func SubjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedPublicKey, err)
	}

	var (
		in     = cryptobyte.String(spki)
		info   cryptobyte.String
		bitStr asn1.BitString
	)
	if !in.ReadASN1(&info, cbasn1.SEQUENCE) ||
		!info.SkipASN1(cbasn1.SEQUENCE) ||
		!info.ReadASN1BitString(&bitStr) {
		return nil, fmt.Errorf("%w: malformed SubjectPublicKeyInfo", ErrUnsupportedPublicKey)
	}

	sum := sha1.Sum(bitStr.Bytes) //nolint:gosec
	return sum[:], nil
}
