package certificate

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/cloudflare/cfssl/helpers"

	"github.com/jmcleod/ironchain/extension"
	"github.com/jmcleod/ironchain/internal/util"
	"github.com/jmcleod/ironchain/keys"
)

// request accumulates the inputs of one issuance. Stage values embed it by
// value; slices it holds are never written after being set, so copies can
// share them.
type request struct {
	opts *options

	sigAlg    x509.SignatureAlgorithm
	notBefore time.Time // zero means the creator's clock at Create
	duration  time.Duration

	selfSigned  bool
	issuerRaw   []byte
	issuerKeyID []byte
	issuerName  string

	signer     crypto.Signer
	subjectPub crypto.PublicKey
	subject    string

	role    extension.Role
	pathLen int

	// err holds the first invalid input seen by a stage. It is reported by
	// Create so that the chain of calls stays fluent. setupErr is the part
	// of err that came from the algorithm and validity stages and survives
	// Branch.
	err      error
	setupErr error
}

func (r request) fail(format string, args ...any) request {
	if r.err == nil {
		r.err = fmt.Errorf("%w: "+format, append([]any{ErrInvalidRequest}, args...)...)
	}
	return r
}

// NewCreator returns the first stage of certificate issuance. Each stage
// method returns the next stage, so a root CA is
//
//	root, err := certificate.NewCreator().
//		WithSHA256WithRSA().
//		WithDuration(365 * 24 * time.Hour).
//		WithRootCA("CN=Root", kp, 2).
//		Create()
//
// Stage values are immutable. Any stage may be kept and reused to issue
// further certificates; doing so never affects certificates issued from
// other branches.
func NewCreator(opts ...Option) AlgorithmStage {
	return AlgorithmStage{req: request{opts: newOptions(opts), pathLen: extension.NoPathLength}}
}

// ---------------------------------------------------------------------------
// Algorithm
// ---------------------------------------------------------------------------

// AlgorithmStage selects the signature algorithm.
type AlgorithmStage struct{ req request }

// WithSignatureAlgorithm selects alg.
func (s AlgorithmStage) WithSignatureAlgorithm(alg x509.SignatureAlgorithm) DurationStage {
	r := s.req
	if _, ok := signatureKeyTypes[alg]; !ok {
		r = r.fail("unsupported signature algorithm %v", alg)
	}
	r.sigAlg = alg
	return DurationStage{req: r}
}

// WithSHA256WithRSA selects SHA256-RSA (PKCS #1 v1.5).
func (s AlgorithmStage) WithSHA256WithRSA() DurationStage {
	return s.WithSignatureAlgorithm(x509.SHA256WithRSA)
}

// WithSHA256WithECDSA selects ECDSA-SHA256.
func (s AlgorithmStage) WithSHA256WithECDSA() DurationStage {
	return s.WithSignatureAlgorithm(x509.ECDSAWithSHA256)
}

// WithEd25519 selects pure Ed25519.
func (s AlgorithmStage) WithEd25519() DurationStage {
	return s.WithSignatureAlgorithm(x509.PureEd25519)
}

// WithAlgorithmFor selects the algorithm CFSSL would pick for signer: the
// hash grows with the RSA modulus or EC curve size.
func (s AlgorithmStage) WithAlgorithmFor(signer crypto.Signer) DurationStage {
	if signer == nil {
		return DurationStage{req: s.req.fail("nil signer")}
	}
	return s.WithSignatureAlgorithm(helpers.SignerAlgo(signer))
}

// ---------------------------------------------------------------------------
// Validity
// ---------------------------------------------------------------------------

// DurationStage sets the validity window.
type DurationStage struct{ req request }

// WithDuration makes certificates valid from the moment of Create for d.
func (s DurationStage) WithDuration(d time.Duration) IssuerStage {
	return s.WithValidity(time.Time{}, d)
}

// WithValidity makes certificates valid from notBefore for d. A zero
// notBefore means the moment of Create.
func (s DurationStage) WithValidity(notBefore time.Time, d time.Duration) IssuerStage {
	r := s.req
	if d <= 0 {
		r = r.fail("validity duration must be positive, got %v", d)
	}
	r.notBefore = notBefore
	r.duration = d
	r.setupErr = r.err
	return IssuerStage{req: r}
}

// ---------------------------------------------------------------------------
// Issuer
// ---------------------------------------------------------------------------

// IssuerStage chooses between a self-signed root and issuance under an
// existing CA certificate.
type IssuerStage struct{ req request }

// WithRootCA prepares a self-signed root CA named subject for kp.
// pathLen limits the number of intermediates below it; pass
// extension.NoPathLength for no limit.
func (s IssuerStage) WithRootCA(subject string, kp *keys.KeyPair, pathLen int) BuildStage {
	r := s.req
	r.selfSigned = true
	r.role = extension.Root
	r.pathLen = pathLen
	r.subject = subject
	r.issuerRaw, r.issuerKeyID, r.issuerName = nil, nil, ""
	if kp == nil {
		return BuildStage{req: r.fail("nil root key pair")}
	}
	signer, err := kp.Signer()
	if err != nil {
		return BuildStage{req: r.fail("%v", err)}
	}
	r.signer = signer
	r.subjectPub = kp.Public()
	return BuildStage{req: r}
}

// WithIssuer names the CA certificate that will sign. Its subject becomes
// the new certificate's issuer and its subject key identifier the authority
// key identifier.
func (s IssuerStage) WithIssuer(issuer *x509.Certificate) SigningKeyStage {
	r := s.req
	r.selfSigned = false
	if issuer == nil {
		return SigningKeyStage{req: r.fail("nil issuer certificate")}
	}
	r.issuerRaw = issuer.RawSubject
	r.issuerKeyID = util.CopyBytes(issuer.SubjectKeyId)
	r.issuerName = issuer.Subject.String()
	return SigningKeyStage{req: r}
}

// SigningKeyStage takes the issuer's private key.
type SigningKeyStage struct{ req request }

// WithSigningKey sets the key that signs the certificate. It should be the
// issuer certificate's key; a mismatch is not detected here and produces a
// certificate that fails signature verification.
func (s SigningKeyStage) WithSigningKey(signer crypto.Signer) PublicKeyStage {
	r := s.req
	if signer == nil {
		r = r.fail("nil signing key")
	}
	r.signer = signer
	return PublicKeyStage{req: r}
}

// PublicKeyStage takes the subject's public key.
type PublicKeyStage struct{ req request }

// WithPublicKey sets the key being certified.
func (s PublicKeyStage) WithPublicKey(pub crypto.PublicKey) SubjectStage {
	r := s.req
	if pub == nil {
		r = r.fail("nil subject public key")
	}
	r.subjectPub = pub
	return SubjectStage{req: r}
}

// SubjectStage takes the subject distinguished name.
type SubjectStage struct{ req request }

// WithSubject sets the subject as an RFC 4514 string, e.g. "CN=host,O=Org".
func (s SubjectStage) WithSubject(subject string) RoleStage {
	r := s.req
	r.subject = subject
	return RoleStage{req: r}
}

// ---------------------------------------------------------------------------
// Role
// ---------------------------------------------------------------------------

// RoleStage selects between an intermediate CA and an end-entity certificate.
type RoleStage struct{ req request }

// WithCertificateAuthorityExtensions issues an intermediate CA. pathLen 0
// forbids further intermediates below it; extension.NoPathLength leaves the
// depth unbounded.
func (s RoleStage) WithCertificateAuthorityExtensions(pathLen int) BuildStage {
	r := s.req
	r.role = extension.Intermediate
	r.pathLen = pathLen
	return BuildStage{req: r}
}

// WithEndEntityExtensions issues a leaf certificate that cannot sign other
// certificates.
func (s RoleStage) WithEndEntityExtensions() BuildStage {
	r := s.req
	r.role = extension.EndEntity
	r.pathLen = extension.NoPathLength
	return BuildStage{req: r}
}

// BuildStage holds a complete request.
type BuildStage struct{ req request }

// Role returns the role the certificate will be issued for.
func (s BuildStage) Role() extension.Role { return s.req.role }

// Branch returns to issuer selection with the same algorithm and validity,
// for issuing a sibling or a certificate in another chain.
func (s BuildStage) Branch() IssuerStage {
	r := s.req
	r.signer, r.subjectPub, r.subject = nil, nil, ""
	r.issuerRaw, r.issuerKeyID, r.issuerName = nil, nil, ""
	r.selfSigned = false
	r.pathLen = extension.NoPathLength
	r.err = r.setupErr
	return IssuerStage{req: r}
}
