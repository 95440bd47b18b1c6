package extension_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/jmcleod/ironchain/extension"
	"github.com/jmcleod/ironchain/pkixerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return k
}

func TestBasicConstraints_Encoding(t *testing.T) {
	tests := []struct {
		name    string
		isCA    bool
		pathLen int
		want    []byte
	}{
		{"EndEntity", false, extension.NoPathLength, []byte{0x30, 0x00}},
		{"CAUnbounded", true, extension.NoPathLength, []byte{0x30, 0x03, 0x01, 0x01, 0xff}},
		{"CAPathLenZero", true, 0, []byte{0x30, 0x06, 0x01, 0x01, 0xff, 0x02, 0x01, 0x00}},
		{"CAPathLenTwo", true, 2, []byte{0x30, 0x06, 0x01, 0x01, 0xff, 0x02, 0x01, 0x02}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext, err := extension.BasicConstraints(tt.isCA, tt.pathLen)
			require.NoError(t, err)
			assert.True(t, ext.Critical)
			assert.True(t, ext.Id.Equal(extension.OIDBasicConstraints))
			assert.Equal(t, tt.want, ext.Value)
		})
	}
}

func TestKeyUsage_Encoding(t *testing.T) {
	tests := []struct {
		name string
		ku   x509.KeyUsage
		want []byte
	}{
		{"CA", x509.KeyUsageCertSign | x509.KeyUsageCRLSign, []byte{0x03, 0x02, 0x01, 0x06}},
		{"EndEntity", x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment, []byte{0x03, 0x02, 0x05, 0xa0}},
		{"DigitalSignatureOnly", x509.KeyUsageDigitalSignature, []byte{0x03, 0x02, 0x07, 0x80}},
		{"DecipherOnly", x509.KeyUsageDecipherOnly, []byte{0x03, 0x03, 0x07, 0x00, 0x80}},
		{"None", 0, []byte{0x03, 0x01, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext, err := extension.KeyUsage(tt.ku)
			require.NoError(t, err)
			assert.True(t, ext.Critical)
			assert.Equal(t, tt.want, ext.Value)
		})
	}
}

func TestAuthorityKeyIDExtension_Encoding(t *testing.T) {
	ext, err := extension.AuthorityKeyIDExtension([]byte{0xaa, 0xbb})
	require.NoError(t, err)
	assert.False(t, ext.Critical)
	assert.Equal(t, []byte{0x30, 0x04, 0x80, 0x02, 0xaa, 0xbb}, ext.Value)
}

func TestSubjectKeyID_MatchesSPKIHash(t *testing.T) {
	k := newKey(t)

	ski, err := extension.SubjectKeyID(k.Public())
	require.NoError(t, err)
	require.Len(t, ski, sha1.Size)

	// For an uncompressed EC point the subjectPublicKey bits are the point.
	point, err := k.PublicKey.Bytes()
	require.NoError(t, err)
	want := sha1.Sum(point) //nolint:gosec
	assert.Equal(t, want[:], ski)

	ext, err := extension.SubjectKeyIDExtension(ski)
	require.NoError(t, err)
	assert.Equal(t, append([]byte{0x04, 0x14}, ski...), ext.Value)
}

func TestSubjectKeyID_Unsupported(t *testing.T) {
	_, err := extension.SubjectKeyID(struct{}{})
	assert.ErrorIs(t, err, extension.ErrUnsupportedPublicKey)
}

func TestFor(t *testing.T) {
	k := newKey(t)
	issuerKeyID := []byte{1, 2, 3, 4}

	tests := []struct {
		name     string
		role     extension.Role
		params   extension.Params
		isCA     bool
		pathLen  int
		ku       x509.KeyUsage
		extCount int
	}{
		{
			name:     "Root",
			role:     extension.Root,
			params:   extension.Params{SubjectPublicKey: k.Public(), PathLen: 2, IssuerKeyID: issuerKeyID},
			isCA:     true,
			pathLen:  2,
			ku:       x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
			extCount: 3,
		},
		{
			name:     "RootUnbounded",
			role:     extension.Root,
			params:   extension.Params{SubjectPublicKey: k.Public(), PathLen: extension.NoPathLength},
			isCA:     true,
			pathLen:  extension.NoPathLength,
			ku:       x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
			extCount: 3,
		},
		{
			name:     "Intermediate",
			role:     extension.Intermediate,
			params:   extension.Params{SubjectPublicKey: k.Public(), PathLen: 0, IssuerKeyID: issuerKeyID},
			isCA:     true,
			pathLen:  0,
			ku:       x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
			extCount: 4,
		},
		{
			name:     "EndEntity",
			role:     extension.EndEntity,
			params:   extension.Params{SubjectPublicKey: k.Public(), PathLen: extension.NoPathLength, IssuerKeyID: issuerKeyID},
			isCA:     false,
			pathLen:  extension.NoPathLength,
			ku:       x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
			extCount: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := extension.For(tt.role, tt.params)
			require.NoError(t, err)

			assert.Equal(t, tt.role, set.Role)
			assert.Equal(t, tt.isCA, set.IsCA)
			assert.Equal(t, tt.pathLen, set.PathLen)
			assert.Equal(t, tt.ku, set.KeyUsage)
			assert.NotEmpty(t, set.SubjectKeyID)
			require.Len(t, set.Extensions, tt.extCount)

			assert.True(t, set.Extensions[0].Id.Equal(extension.OIDBasicConstraints))
			assert.True(t, set.Extensions[1].Id.Equal(extension.OIDKeyUsage))
			assert.True(t, set.Extensions[2].Id.Equal(extension.OIDSubjectKeyID))
			if tt.extCount == 4 {
				assert.True(t, set.Extensions[3].Id.Equal(extension.OIDAuthorityKeyID))
				assert.Equal(t, issuerKeyID, set.AuthorityKeyID)
			} else {
				assert.Nil(t, set.AuthorityKeyID)
			}
		})
	}
}

func TestFor_Errors(t *testing.T) {
	k := newKey(t)

	_, err := extension.For(extension.EndEntity, extension.Params{SubjectPublicKey: k.Public(), PathLen: 1})
	assert.ErrorIs(t, err, extension.ErrPathLengthNotAllowed)
	assert.ErrorIs(t, err, pkixerr.ErrConfiguration)

	_, err = extension.For(extension.Root, extension.Params{})
	assert.ErrorIs(t, err, extension.ErrMissingPublicKey)

	_, err = extension.For(extension.Role(7), extension.Params{SubjectPublicKey: k.Public()})
	assert.ErrorIs(t, err, extension.ErrUnknownRole)
}

// The encoded set must parse back through crypto/x509 to the same values.
func TestFor_ParsedByX509(t *testing.T) {
	k := newKey(t)
	set, err := extension.For(extension.Intermediate, extension.Params{
		SubjectPublicKey: k.Public(),
		PathLen:          0,
		IssuerKeyID:      []byte{9, 9, 9},
	})
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:    big.NewInt(1),
		Subject:         pkix.Name{CommonName: "ext"},
		NotBefore:       time.Now().Add(-time.Minute),
		NotAfter:        time.Now().Add(time.Hour),
		ExtraExtensions: set.Extensions,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, k.Public(), k)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	assert.True(t, cert.BasicConstraintsValid)
	assert.True(t, cert.IsCA)
	assert.Equal(t, 0, cert.MaxPathLen)
	assert.True(t, cert.MaxPathLenZero)
	assert.Equal(t, x509.KeyUsageCertSign|x509.KeyUsageCRLSign, cert.KeyUsage)
	assert.Equal(t, set.SubjectKeyID, cert.SubjectKeyId)
	assert.Equal(t, []byte{9, 9, 9}, cert.AuthorityKeyId)
}

func TestRole_String(t *testing.T) {
	assert.Equal(t, "root", extension.Root.String())
	assert.Equal(t, "intermediate", extension.Intermediate.String())
	assert.Equal(t, "end-entity", extension.EndEntity.String())
	assert.True(t, extension.Intermediate.IsCA())
	assert.False(t, extension.EndEntity.IsCA())
}
