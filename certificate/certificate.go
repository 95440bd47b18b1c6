// Package certificate issues X.509 certificates through a staged builder.
// Every stage exposes only the inputs that may legally come next, so a root
// cannot be given an issuer and an intermediate cannot be created without
// CA extensions.
//
// Extensions come from package extension and are the only ones the
// certificate carries. Subjects are RFC 4514 strings; the encoded name
// renders back to the same string through Subject.String.
package certificate

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/jmcleod/ironchain/dn"
	"github.com/jmcleod/ironchain/extension"
	"github.com/jmcleod/ironchain/internal/util"
	"github.com/jmcleod/ironchain/pkixerr"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrSigning is returned when the certificate cannot be signed, including
	// when the signing key does not fit the selected signature algorithm.
	ErrSigning = pkixerr.New(pkixerr.ErrCryptoOperation, "signing failed")

	// ErrInvalidRequest is returned by Create when a stage was given a
	// missing or out-of-range input.
	ErrInvalidRequest = pkixerr.New(pkixerr.ErrConfiguration, "invalid issuance request")
)

type keyType int

const (
	keyRSA keyType = iota + 1
	keyECDSA
	keyEd25519
)

func (k keyType) String() string {
	switch k {
	case keyRSA:
		return "RSA"
	case keyECDSA:
		return "ECDSA"
	case keyEd25519:
		return "Ed25519"
	default:
		return "unknown"
	}
}

// signatureKeyTypes lists the signature algorithms crypto/x509 can sign
// with and the key type each needs.
var signatureKeyTypes = map[x509.SignatureAlgorithm]keyType{
	x509.SHA1WithRSA:      keyRSA,
	x509.SHA256WithRSA:    keyRSA,
	x509.SHA384WithRSA:    keyRSA,
	x509.SHA512WithRSA:    keyRSA,
	x509.SHA256WithRSAPSS: keyRSA,
	x509.SHA384WithRSAPSS: keyRSA,
	x509.SHA512WithRSAPSS: keyRSA,
	x509.ECDSAWithSHA1:    keyECDSA,
	x509.ECDSAWithSHA256:  keyECDSA,
	x509.ECDSAWithSHA384:  keyECDSA,
	x509.ECDSAWithSHA512:  keyECDSA,
	x509.PureEd25519:      keyEd25519,
}

func keyTypeOf(pub crypto.PublicKey) keyType {
	switch pub.(type) {
	case *rsa.PublicKey:
		return keyRSA
	case *ecdsa.PublicKey:
		return keyECDSA
	case ed25519.PublicKey:
		return keyEd25519
	default:
		return 0
	}
}

// Create signs and returns the certificate. Each call draws a fresh serial
// number, so calling Create twice on the same stage yields two distinct
// certificates.
func (s BuildStage) Create() (*x509.Certificate, error) {
	r := s.req
	if r.err != nil {
		return nil, r.err
	}
	if r.signer == nil {
		return nil, fmt.Errorf("%w: no signing key", ErrInvalidRequest)
	}
	if r.subjectPub == nil {
		return nil, fmt.Errorf("%w: no subject public key", ErrInvalidRequest)
	}

	want := signatureKeyTypes[r.sigAlg]
	if got := keyTypeOf(r.signer.Public()); got != want {
		return nil, fmt.Errorf("%w: %w: %v needs an %s key, signing key is %s",
			ErrSigning, pkixerr.ErrConfiguration, r.sigAlg, want, got)
	}

	subject, err := dn.Parse(r.subject)
	if err != nil {
		return nil, err
	}
	rawSubject, err := dn.Marshal(r.subject)
	if err != nil {
		return nil, err
	}

	issuerRaw := r.issuerRaw
	if r.selfSigned {
		issuerRaw = rawSubject
	}

	set, err := extension.For(r.role, extension.Params{
		SubjectPublicKey: r.subjectPub,
		IssuerKeyID:      r.issuerKeyID,
		PathLen:          r.pathLen,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	serialNumber, err := r.opts.serials.Next(issuerRaw)
	if err != nil {
		return nil, err
	}

	notBefore := r.notBefore
	if notBefore.IsZero() {
		notBefore = r.opts.now()
	}
	notBefore = notBefore.UTC()

	template := &x509.Certificate{
		SerialNumber:       serialNumber,
		Subject:            subject,
		RawSubject:         rawSubject,
		NotBefore:          notBefore,
		NotAfter:           notBefore.Add(r.duration),
		SignatureAlgorithm: r.sigAlg,
		ExtraExtensions:    set.Extensions,
	}

	// The parent carries only the issuer name. crypto/x509 compares the
	// signer against parent.PublicKey when it is set, and a mismatched
	// issuer key must surface at validation instead.
	parent := &x509.Certificate{RawSubject: issuerRaw}

	der, err := x509.CreateCertificate(r.opts.rand, template, parent, r.subjectPub, r.signer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing issued certificate: %v", ErrSigning, err)
	}

	issuerName := r.issuerName
	if r.selfSigned {
		issuerName = cert.Subject.String()
	}
	r.opts.logger.LogAttrs(context.Background(), slog.LevelDebug, "certificate issued",
		slog.String("role", r.role.String()),
		slog.String("subject", cert.Subject.String()),
		slog.String("issuer", issuerName),
		slog.String("serial", serialString(cert.SerialNumber)),
		slog.String("not_after", cert.NotAfter.Format(time.RFC3339)),
	)
	return cert, nil
}

func serialString(n *big.Int) string {
	return util.HexEncode(n.Bytes())
}
