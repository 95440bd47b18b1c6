// Package keys generates the asymmetric key pairs that certificates are
// issued for and signed with. Generation itself is delegated to crypto/rsa,
// crypto/ecdsa and crypto/ed25519; this package validates the requested
// algorithm and parameters and wraps the result in an immutable KeyPair.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"strings"

	"github.com/jmcleod/ironchain/pkixerr"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrUnsupportedAlgorithm is returned when the algorithm, or the
	// algorithm/parameter combination, is not available.
	ErrUnsupportedAlgorithm = pkixerr.New(pkixerr.ErrConfiguration, "unsupported key algorithm")

	// ErrInvalidParameter is returned when key parameters are out of range or
	// do not apply to the chosen algorithm.
	ErrInvalidParameter = pkixerr.New(pkixerr.ErrConfiguration, "invalid key parameter")

	// ErrGeneration is returned when the underlying primitive fails, usually
	// because the entropy source failed.
	ErrGeneration = pkixerr.New(pkixerr.ErrCryptoOperation, "key generation failed")

	// ErrNotSigner is returned when a private key cannot be used as a
	// crypto.Signer.
	ErrNotSigner = pkixerr.New(pkixerr.ErrConfiguration, "private key does not implement crypto.Signer")
)

// Algorithm names a public key algorithm.
type Algorithm string

const (
	RSA     Algorithm = "RSA"
	EC      Algorithm = "EC"
	Ed25519 Algorithm = "Ed25519"
	// DSA is recognised so that requests for it fail with
	// ErrUnsupportedAlgorithm rather than an unknown-algorithm error:
	// crypto/x509 can neither certify nor sign with DSA keys.
	DSA Algorithm = "DSA"
)

// RSA key size bounds. The Go toolchain rejects keys below 1024 bits.
const (
	MinRSABits     = 1024
	MaxRSABits     = 16384
	DefaultRSABits = 2048
)

// DefaultCurve is used for EC keys when Params.Curve is empty.
const DefaultCurve = "P-256"

var curves = map[string]elliptic.Curve{
	"P-224":      elliptic.P224(),
	"SECP224R1":  elliptic.P224(),
	"P-256":      elliptic.P256(),
	"SECP256R1":  elliptic.P256(),
	"PRIME256V1": elliptic.P256(),
	"P-384":      elliptic.P384(),
	"SECP384R1":  elliptic.P384(),
	"P-521":      elliptic.P521(),
	"SECP521R1":  elliptic.P521(),
}

// Params carries per-algorithm generation parameters. Bits applies to RSA,
// Curve to EC; Ed25519 accepts neither.
type Params struct {
	Bits  int
	Curve string
}

// KeyPair is an algorithm-tagged public/private key pair. It is immutable
// once generated.
type KeyPair struct {
	algorithm Algorithm
	public    crypto.PublicKey
	private   crypto.PrivateKey
}

// Algorithm returns the key algorithm.
func (k *KeyPair) Algorithm() Algorithm { return k.algorithm }

// Public returns the public half of the pair.
func (k *KeyPair) Public() crypto.PublicKey { return k.public }

// Private returns the private half of the pair.
func (k *KeyPair) Private() crypto.PrivateKey { return k.private }

// Signer returns the private key as a crypto.Signer.
func (k *KeyPair) Signer() (crypto.Signer, error) {
	s, ok := k.private.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotSigner, k.private)
	}
	return s, nil
}

// Size returns the key size in bits (RSA modulus, EC curve size, 256 for
// Ed25519).
func (k *KeyPair) Size() int {
	switch pub := k.public.(type) {
	case *rsa.PublicKey:
		return pub.N.BitLen()
	case *ecdsa.PublicKey:
		return pub.Curve.Params().BitSize
	case ed25519.PublicKey:
		return 256
	default:
		return 0
	}
}

// NewKeyPair wraps an existing private key. The algorithm is derived from
// the key type.
func NewKeyPair(priv crypto.Signer) (*KeyPair, error) {
	if priv == nil {
		return nil, fmt.Errorf("%w: nil key", ErrInvalidParameter)
	}
	var alg Algorithm
	switch priv.(type) {
	case *rsa.PrivateKey:
		alg = RSA
	case *ecdsa.PrivateKey:
		alg = EC
	case ed25519.PrivateKey:
		alg = Ed25519
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedAlgorithm, priv)
	}
	return &KeyPair{algorithm: alg, public: priv.Public(), private: priv}, nil
}

// ---------------------------------------------------------------------------
// Generation
// ---------------------------------------------------------------------------

// Option configures a Generator.
type Option func(*Generator)

// WithRandom sets the entropy source. Defaults to crypto/rand.Reader.
func WithRandom(r io.Reader) Option {
	return func(g *Generator) {
		g.rand = r
	}
}

// Generator produces key pairs for one validated algorithm/parameter
// combination. It is safe for concurrent use if its random source is.
type Generator struct {
	algorithm Algorithm
	bits      int
	curve     elliptic.Curve
	rand      io.Reader
}

// NewGenerator validates alg and params and returns a reusable Generator.
func NewGenerator(alg Algorithm, params Params, opts ...Option) (*Generator, error) {
	g := &Generator{algorithm: alg, rand: rand.Reader}
	for _, opt := range opts {
		opt(g)
	}

	switch alg {
	case RSA:
		if params.Curve != "" {
			return nil, fmt.Errorf("%w: RSA does not take a curve", ErrInvalidParameter)
		}
		bits := params.Bits
		if bits == 0 {
			bits = DefaultRSABits
		}
		if bits < MinRSABits || bits > MaxRSABits {
			return nil, fmt.Errorf("%w: RSA key size %d outside [%d, %d]", ErrInvalidParameter, bits, MinRSABits, MaxRSABits)
		}
		g.bits = bits
	case EC:
		if params.Bits != 0 {
			return nil, fmt.Errorf("%w: EC keys are sized by curve, not bits", ErrInvalidParameter)
		}
		name := params.Curve
		if name == "" {
			name = DefaultCurve
		}
		curve, ok := curves[strings.ToUpper(name)]
		if !ok {
			return nil, fmt.Errorf("%w: curve %q", ErrUnsupportedAlgorithm, name)
		}
		g.curve = curve
	case Ed25519:
		if params.Bits != 0 || params.Curve != "" {
			return nil, fmt.Errorf("%w: Ed25519 takes no parameters", ErrInvalidParameter)
		}
	case DSA:
		return nil, fmt.Errorf("%w: DSA keys cannot be certified", ErrUnsupportedAlgorithm)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
	return g, nil
}

// Algorithm returns the generator's algorithm.
func (g *Generator) Algorithm() Algorithm { return g.algorithm }

// Generate creates a new key pair. Two calls never return the same key
// material.
func (g *Generator) Generate() (*KeyPair, error) {
	var (
		priv crypto.Signer
		err  error
	)
	switch g.algorithm {
	case RSA:
		priv, err = rsa.GenerateKey(g.rand, g.bits)
	case EC:
		priv, err = ecdsa.GenerateKey(g.curve, g.rand)
	case Ed25519:
		_, priv, err = ed25519.GenerateKey(g.rand)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, g.algorithm)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrGeneration, g.algorithm, err)
	}
	return &KeyPair{algorithm: g.algorithm, public: priv.Public(), private: priv}, nil
}

// Generate validates alg and params and creates a single key pair.
func Generate(alg Algorithm, params Params, opts ...Option) (*KeyPair, error) {
	g, err := NewGenerator(alg, params, opts...)
	if err != nil {
		return nil, err
	}
	return g.Generate()
}
