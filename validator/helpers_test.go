package validator_test

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/jmcleod/ironchain/certificate"
	"github.com/jmcleod/ironchain/keys"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

type publicKey interface {
	Equal(crypto.PublicKey) bool
}

// node is an issued certificate and the key that goes with it.
type node struct {
	cert *x509.Certificate
	key  *keys.KeyPair
}

func (n node) signer(t *testing.T) crypto.Signer {
	t.Helper()
	s, err := n.key.Signer()
	require.NoError(t, err)
	return s
}

func ecKey(t *testing.T) *keys.KeyPair {
	t.Helper()
	kp, err := keys.Generate(keys.EC, keys.Params{})
	require.NoError(t, err)
	return kp
}

func creator() certificate.IssuerStage {
	return certificate.NewCreator().WithSHA256WithECDSA().WithDuration(30 * day)
}

func newRoot(t *testing.T, subject string, pathLen int) node {
	t.Helper()
	kp := ecKey(t)
	cert, err := creator().WithRootCA(subject, kp, pathLen).Create()
	require.NoError(t, err)
	return node{cert: cert, key: kp}
}

func newCA(t *testing.T, issuer node, subject string, pathLen int) node {
	t.Helper()
	return newCAWith(t, creator(), issuer, subject, pathLen)
}

func newCAWith(t *testing.T, c certificate.IssuerStage, issuer node, subject string, pathLen int) node {
	t.Helper()
	kp := ecKey(t)
	cert, err := c.
		WithIssuer(issuer.cert).
		WithSigningKey(issuer.signer(t)).
		WithPublicKey(kp.Public()).
		WithSubject(subject).
		WithCertificateAuthorityExtensions(pathLen).
		Create()
	require.NoError(t, err)
	return node{cert: cert, key: kp}
}

func newLeaf(t *testing.T, issuer node, subject string) node {
	t.Helper()
	kp := ecKey(t)
	cert, err := creator().
		WithIssuer(issuer.cert).
		WithSigningKey(issuer.signer(t)).
		WithPublicKey(kp.Public()).
		WithSubject(subject).
		WithEndEntityExtensions().
		Create()
	require.NoError(t, err)
	return node{cert: cert, key: kp}
}

// threeTier returns root (path length 2), intermediate (path length 0) and
// leaf.
func threeTier(t *testing.T) (root, inter, leaf node) {
	t.Helper()
	root = newRoot(t, "CN=Test Root,O=Example", 2)
	inter = newCA(t, root, "OU=intermediate CA", 0)
	leaf = newLeaf(t, inter, "CN=leaf.example.com")
	return root, inter, leaf
}

func certs(nodes ...node) []*x509.Certificate {
	out := make([]*x509.Certificate, len(nodes))
	for i, n := range nodes {
		out[i] = n.cert
	}
	return out
}

// tamper flips a bit of the serial number inside the signed content.
func tamper(t *testing.T, cert *x509.Certificate) *x509.Certificate {
	t.Helper()
	raw := bytes.Clone(cert.Raw)
	serial := cert.SerialNumber.Bytes()
	i := bytes.Index(raw, serial)
	require.GreaterOrEqual(t, i, 0)
	raw[i+len(serial)-1] ^= 0x01

	out, err := x509.ParseCertificate(raw)
	require.NoError(t, err)
	return out
}

// caWithoutCertSign is a CA certificate whose key usage omits keyCertSign,
// which the certificate package never produces.
func caWithoutCertSign(t *testing.T, issuer node) node {
	t.Helper()
	kp := ecKey(t)
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(77),
		Subject:               pkix.Name{CommonName: "Signing-only CA"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(30 * day),
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		SubjectKeyId:          []byte{1, 2, 3, 4},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, issuer.cert, kp.Public(), issuer.signer(t))
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return node{cert: cert, key: kp}
}
