package validator_test

import (
	"bytes"
	"crypto/x509"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jmcleod/ironchain/certificate"
	"github.com/jmcleod/ironchain/extension"
	"github.com/jmcleod/ironchain/keys"
	"github.com/jmcleod/ironchain/pkixerr"
	"github.com/jmcleod/ironchain/truststore"
	"github.com/jmcleod/ironchain/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireReason(t *testing.T, err error, reason error, index int) *validator.PathValidationError {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, reason)
	pve, ok := errors.AsType[*validator.PathValidationError](err)
	require.True(t, ok, "error is %T", err)
	assert.Equal(t, index, pve.Index)
	return pve
}

// ---------------------------------------------------------------------------
// End-to-end
// ---------------------------------------------------------------------------

func TestValidate_EndToEnd(t *testing.T) {
	rsaKey := func() *keys.KeyPair {
		kp, err := keys.Generate(keys.RSA, keys.Params{Bits: 2048})
		require.NoError(t, err)
		return kp
	}
	rootKey, interKey, leafKey := rsaKey(), rsaKey(), rsaKey()

	issuer := certificate.NewCreator().WithSHA256WithRSA().WithDuration(365 * day)

	root, err := issuer.WithRootCA("CN=letsencrypt.derp,O=Root CA", rootKey, 2).Create()
	require.NoError(t, err)

	rootSigner, err := rootKey.Signer()
	require.NoError(t, err)
	inter, err := issuer.
		WithIssuer(root).
		WithSigningKey(rootSigner).
		WithPublicKey(interKey.Public()).
		WithSubject("OU=intermediate CA").
		WithCertificateAuthorityExtensions(0).
		Create()
	require.NoError(t, err)

	interSigner, err := interKey.Signer()
	require.NoError(t, err)
	leaf, err := issuer.
		WithIssuer(inter).
		WithSigningKey(interSigner).
		WithPublicKey(leafKey.Public()).
		WithSubject("CN=tersesystems.com").
		WithEndEntityExtensions().
		Create()
	require.NoError(t, err)

	chain := []*x509.Certificate{leaf, inter, root}

	t.Run("TrustedCertificates", func(t *testing.T) {
		res, err := validator.New().
			WithTrustedCertificates(root).
			WithCertificates(chain...).
			Validate()
		require.NoError(t, err)
		assert.True(t, leafKey.Public().(publicKey).Equal(res.PublicKey))
		assert.Same(t, root, res.TrustAnchor)
		assert.Empty(t, res.TrustAnchorAlias)
		assert.Equal(t, chain, res.Chain)
	})

	t.Run("TrustStore", func(t *testing.T) {
		store, err := truststore.New([]*x509.Certificate{root}, func(*x509.Certificate) string {
			return "letsencrypt.derp"
		})
		require.NoError(t, err)

		res, err := validator.New().
			WithTrustStore(store).
			WithCertificates(chain...).
			Validate()
		require.NoError(t, err)
		assert.True(t, leafKey.Public().(publicKey).Equal(res.PublicKey))
		assert.Equal(t, "letsencrypt.derp", res.TrustAnchorAlias)
	})
}

// ---------------------------------------------------------------------------
// Valid chains
// ---------------------------------------------------------------------------

func TestValidate_ValidShapes(t *testing.T) {
	root := newRoot(t, "CN=Shapes Root", extension.NoPathLength)
	i1 := newCA(t, root, "CN=Issuing CA 1", extension.NoPathLength)
	i2 := newCA(t, i1, "CN=Issuing CA 2", extension.NoPathLength)
	i3 := newCA(t, i2, "CN=Issuing CA 3", 0)

	tests := []struct {
		name  string
		chain []node
	}{
		{"RootOnly", []node{root}},
		{"RootLeaf", []node{newLeaf(t, root, "CN=direct"), root}},
		{"OneIntermediate", []node{newLeaf(t, i1, "CN=one"), i1, root}},
		{"ThreeIntermediates", []node{newLeaf(t, i3, "CN=three"), i3, i2, i1, root}},
		{"AnchorOmitted", []node{newLeaf(t, i2, "CN=omitted"), i2, i1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := validator.New().
				WithTrustedCertificates(root.cert).
				WithCertificates(certs(tt.chain...)...).
				Validate()
			require.NoError(t, err)
			assert.True(t, tt.chain[0].key.Public().(publicKey).Equal(res.PublicKey))
			assert.Same(t, root.cert, res.TrustAnchor)
			assert.Nil(t, res.Policies)
		})
	}
}

func TestValidate_TrustedIntermediate(t *testing.T) {
	_, inter, leaf := threeTier(t)

	res, err := validator.New().
		WithTrustedCertificates(inter.cert).
		WithCertificates(leaf.cert, inter.cert).
		Validate()
	require.NoError(t, err)
	assert.Same(t, inter.cert, res.TrustAnchor)
}

func TestValidate_At(t *testing.T) {
	root, inter, leaf := threeTier(t)
	at := leaf.cert.NotBefore.Add(time.Hour)

	res, err := validator.New().
		WithTrustedCertificates(root.cert).
		WithCertificates(certs(leaf, inter, root)...).
		At(at).
		Validate()
	require.NoError(t, err)
	assert.True(t, at.Equal(res.ValidatedAt))
}

func TestValidate_ReadyStageReusable(t *testing.T) {
	root, inter, leaf := threeTier(t)
	ready := validator.New().WithTrustedCertificates(root.cert).WithCertificates(certs(leaf, inter, root)...)

	_, err := ready.At(leaf.cert.NotAfter.Add(day)).Validate()
	assert.ErrorIs(t, err, validator.ErrExpiredCertificate)

	_, err = ready.Validate()
	assert.NoError(t, err)
}

// ---------------------------------------------------------------------------
// Trust source
// ---------------------------------------------------------------------------

func TestValidate_InvalidTrustSource(t *testing.T) {
	root, inter, leaf := threeTier(t)
	emptyStore, err := truststore.New(nil, truststore.CommonNameAlias)
	require.NoError(t, err)

	// Tampered chain: trust source errors must win over signature errors.
	chain := []*x509.Certificate{tamper(t, leaf.cert), inter.cert, root.cert}

	tests := []struct {
		name  string
		stage validator.ChainStage
	}{
		{"NoCertificates", validator.New().WithTrustedCertificates()},
		{"NilCertificate", validator.New().WithTrustedCertificates(nil)},
		{"NilStore", validator.New().WithTrustStore(nil)},
		{"EmptyStore", validator.New().WithTrustStore(emptyStore)},
		{"NilSource", validator.New().WithTrustSource(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.stage.WithCertificates(chain...).Validate()
			requireReason(t, err, validator.ErrInvalidTrustSource, validator.NoIndex)
			assert.ErrorIs(t, err, pkixerr.ErrConfiguration)
			assert.NotErrorIs(t, err, validator.ErrSignatureVerification)
		})
	}
}

func TestValidate_UntrustedAnchor(t *testing.T) {
	root, inter, leaf := threeTier(t)
	other := newRoot(t, "CN=Other Root", 1)
	impostor := newRoot(t, "CN=Test Root,O=Example", 2)

	t.Run("SelfSignedTopNotTrusted", func(t *testing.T) {
		_, err := validator.New().
			WithTrustedCertificates(other.cert).
			WithCertificates(certs(leaf, inter, root)...).
			Validate()
		requireReason(t, err, validator.ErrUntrustedAnchor, 2)
		assert.ErrorIs(t, err, pkixerr.ErrTrust)
	})

	t.Run("NoAnchorForIssuer", func(t *testing.T) {
		_, err := validator.New().
			WithTrustedCertificates(other.cert).
			WithCertificates(certs(leaf, inter)...).
			Validate()
		requireReason(t, err, validator.ErrUntrustedAnchor, 1)
	})

	t.Run("ImpostorRootInChain", func(t *testing.T) {
		_, err := validator.New().
			WithTrustedCertificates(impostor.cert).
			WithCertificates(certs(leaf, inter, root)...).
			Validate()
		requireReason(t, err, validator.ErrUntrustedAnchor, 2)
	})

	t.Run("ImpostorAnchorSameName", func(t *testing.T) {
		_, err := validator.New().
			WithTrustedCertificates(impostor.cert).
			WithCertificates(certs(leaf, inter)...).
			Validate()
		requireReason(t, err, validator.ErrSignatureVerification, 1)
	})

	t.Run("UnknownAnchorBeforeSignatures", func(t *testing.T) {
		_, err := validator.New().
			WithTrustedCertificates(other.cert).
			WithCertificates(tamper(t, leaf.cert), inter.cert).
			Validate()
		requireReason(t, err, validator.ErrUntrustedAnchor, 1)
		assert.NotErrorIs(t, err, validator.ErrSignatureVerification)

		_, err = validator.New().
			WithTrustedCertificates(other.cert).
			WithCertificates(tamper(t, leaf.cert), inter.cert, root.cert).
			Validate()
		requireReason(t, err, validator.ErrUntrustedAnchor, 2)
		assert.NotErrorIs(t, err, pkixerr.ErrCryptoOperation)
	})
}

// ---------------------------------------------------------------------------
// Chain structure
// ---------------------------------------------------------------------------

func TestValidate_MalformedChain(t *testing.T) {
	root, inter, leaf := threeTier(t)

	t.Run("Empty", func(t *testing.T) {
		_, err := validator.New().WithTrustedCertificates(root.cert).WithCertificates().Validate()
		requireReason(t, err, validator.ErrMalformedChain, validator.NoIndex)
		assert.ErrorIs(t, err, pkixerr.ErrChainStructure)
	})

	t.Run("NilEntry", func(t *testing.T) {
		_, err := validator.New().WithTrustedCertificates(root.cert).
			WithCertificates(leaf.cert, nil, root.cert).Validate()
		requireReason(t, err, validator.ErrMalformedChain, 1)
	})

	t.Run("OutOfOrder", func(t *testing.T) {
		_, err := validator.New().WithTrustedCertificates(root.cert).
			WithCertificates(leaf.cert, root.cert, inter.cert).Validate()
		pve := requireReason(t, err, validator.ErrMalformedChain, 0)
		assert.Equal(t, "OU=intermediate CA", pve.Expected)
		assert.Equal(t, "CN=Test Root,O=Example", pve.Actual)
		assert.Equal(t, "CN=leaf.example.com", pve.Subject)
	})

	t.Run("MissingIntermediate", func(t *testing.T) {
		_, err := validator.New().WithTrustedCertificates(root.cert).
			WithCertificates(leaf.cert, root.cert).Validate()
		requireReason(t, err, validator.ErrMalformedChain, 0)
	})
}

func TestValidate_ChainTooLong(t *testing.T) {
	root, inter, leaf := threeTier(t)

	_, err := validator.New(validator.WithMaxDepth(2)).
		WithTrustedCertificates(root.cert).
		WithCertificates(certs(leaf, inter, root)...).
		Validate()
	pve := requireReason(t, err, validator.ErrChainTooLong, validator.NoIndex)
	assert.Equal(t, "3", pve.Actual)

	_, err = validator.New(validator.WithMaxDepth(3)).
		WithTrustedCertificates(root.cert).
		WithCertificates(certs(leaf, inter, root)...).
		Validate()
	assert.NoError(t, err)
}

// ---------------------------------------------------------------------------
// Signatures
// ---------------------------------------------------------------------------

func TestValidate_TamperedCertificate(t *testing.T) {
	root, inter, leaf := threeTier(t)

	tests := []struct {
		name  string
		chain []*x509.Certificate
		index int
	}{
		{"Leaf", []*x509.Certificate{tamper(t, leaf.cert), inter.cert, root.cert}, 0},
		{"Intermediate", []*x509.Certificate{leaf.cert, tamper(t, inter.cert), root.cert}, 1},
		{"Root", []*x509.Certificate{leaf.cert, inter.cert, tamper(t, root.cert)}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validator.New().
				WithTrustedCertificates(root.cert).
				WithCertificates(tt.chain...).
				Validate()
			pve := requireReason(t, err, validator.ErrSignatureVerification, tt.index)
			assert.ErrorIs(t, err, pkixerr.ErrCryptoOperation)
			assert.Error(t, pve.Err)
		})
	}
}

func TestValidate_WrongSigningKey(t *testing.T) {
	root, inter, _ := threeTier(t)
	stranger := ecKey(t)
	strangerSigner, err := stranger.Signer()
	require.NoError(t, err)

	forged, err := creator().
		WithIssuer(inter.cert).
		WithSigningKey(strangerSigner).
		WithPublicKey(ecKey(t).Public()).
		WithSubject("CN=forged").
		WithEndEntityExtensions().
		Create()
	require.NoError(t, err)

	_, err = validator.New().
		WithTrustedCertificates(root.cert).
		WithCertificates(forged, inter.cert, root.cert).
		Validate()
	requireReason(t, err, validator.ErrSignatureVerification, 0)
}

// ---------------------------------------------------------------------------
// Validity
// ---------------------------------------------------------------------------

func TestValidate_Validity(t *testing.T) {
	root, inter, leaf := threeTier(t)
	chain := certs(leaf, inter, root)

	t.Run("Expired", func(t *testing.T) {
		_, err := validator.New().WithTrustedCertificates(root.cert).WithCertificates(chain...).
			At(leaf.cert.NotAfter.Add(time.Hour)).Validate()
		requireReason(t, err, validator.ErrExpiredCertificate, 0)
		assert.ErrorIs(t, err, pkixerr.ErrTemporal)
	})

	t.Run("NotYetValid", func(t *testing.T) {
		_, err := validator.New().WithTrustedCertificates(root.cert).WithCertificates(chain...).
			At(leaf.cert.NotBefore.Add(-time.Hour)).Validate()
		requireReason(t, err, validator.ErrNotYetValid, 0)
	})

	t.Run("WithinClockSkew", func(t *testing.T) {
		_, err := validator.New(validator.WithClockSkew(time.Minute)).
			WithTrustedCertificates(root.cert).WithCertificates(chain...).
			At(leaf.cert.NotAfter.Add(30 * time.Second)).Validate()
		assert.NoError(t, err)
	})

	t.Run("Clock", func(t *testing.T) {
		future := func() time.Time { return leaf.cert.NotAfter.Add(day) }
		_, err := validator.New(validator.WithClock(future)).
			WithTrustedCertificates(root.cert).WithCertificates(chain...).Validate()
		requireReason(t, err, validator.ErrExpiredCertificate, 0)
	})
}

func TestValidate_ExpiredIntermediate(t *testing.T) {
	root := newRoot(t, "CN=Validity Root", 1)
	past := certificate.NewCreator().WithSHA256WithECDSA().WithValidity(time.Now().Add(-3*day), day)
	inter := newCAWith(t, past, root, "CN=Lapsed CA", 0)
	leaf := newLeaf(t, inter, "CN=still-valid")

	_, err := validator.New().
		WithTrustedCertificates(root.cert).
		WithCertificates(certs(leaf, inter, root)...).
		Validate()
	requireReason(t, err, validator.ErrExpiredCertificate, 1)
}

// ---------------------------------------------------------------------------
// Constraints
// ---------------------------------------------------------------------------

func TestValidate_PathLength(t *testing.T) {
	t.Run("IntermediateZeroThenAnother", func(t *testing.T) {
		root := newRoot(t, "CN=PL Root", 2)
		i1 := newCA(t, root, "CN=PL CA 1", 0)
		i2 := newCA(t, i1, "CN=PL CA 2", extension.NoPathLength)
		leaf := newLeaf(t, i2, "CN=too.deep")

		_, err := validator.New().
			WithTrustedCertificates(root.cert).
			WithCertificates(certs(leaf, i2, i1, root)...).
			Validate()
		pve := requireReason(t, err, validator.ErrPathLengthExceeded, 2)
		assert.ErrorIs(t, err, pkixerr.ErrConstraint)
		assert.Equal(t, "1", pve.Actual)
	})

	t.Run("RootLimitInChain", func(t *testing.T) {
		root := newRoot(t, "CN=PL Root 1", 1)
		i1 := newCA(t, root, "CN=PL CA A", extension.NoPathLength)
		i2 := newCA(t, i1, "CN=PL CA B", extension.NoPathLength)
		leaf := newLeaf(t, i2, "CN=too.deep")

		_, err := validator.New().
			WithTrustedCertificates(root.cert).
			WithCertificates(certs(leaf, i2, i1, root)...).
			Validate()
		requireReason(t, err, validator.ErrPathLengthExceeded, 3)
	})

	t.Run("AnchorOutsideChain", func(t *testing.T) {
		root := newRoot(t, "CN=PL Root 0", 0)
		inter := newCA(t, root, "CN=PL CA", extension.NoPathLength)
		leaf := newLeaf(t, inter, "CN=below.anchor")

		_, err := validator.New().
			WithTrustedCertificates(root.cert).
			WithCertificates(certs(leaf, inter)...).
			Validate()
		pve := requireReason(t, err, validator.ErrPathLengthExceeded, 2)
		assert.Equal(t, "CN=PL Root 0", pve.Subject)
	})

	t.Run("AtLimit", func(t *testing.T) {
		root := newRoot(t, "CN=PL Root 2", 2)
		i1 := newCA(t, root, "CN=PL CA X", 1)
		i2 := newCA(t, i1, "CN=PL CA Y", 0)
		leaf := newLeaf(t, i2, "CN=ok")

		_, err := validator.New().
			WithTrustedCertificates(root.cert).
			WithCertificates(certs(leaf, i2, i1, root)...).
			Validate()
		assert.NoError(t, err)
	})
}

func TestValidate_NotCA(t *testing.T) {
	root, inter, leaf := threeTier(t)
	below := newLeaf(t, leaf, "CN=issued.by.leaf")

	_, err := validator.New().
		WithTrustedCertificates(root.cert).
		WithCertificates(certs(below, leaf, inter, root)...).
		Validate()
	requireReason(t, err, validator.ErrNotCA, 1)
}

func TestValidate_KeyUsage(t *testing.T) {
	root := newRoot(t, "CN=KU Root", 1)
	ca := caWithoutCertSign(t, root)
	leaf := newLeaf(t, ca, "CN=ku.example.com")
	chain := certs(leaf, ca, root)

	_, err := validator.New().WithTrustedCertificates(root.cert).WithCertificates(chain...).Validate()
	requireReason(t, err, validator.ErrKeyUsage, 1)

	policy := validator.DefaultPolicy()
	policy.RequireKeyCertSign = false
	_, err = validator.New(validator.WithPolicy(policy)).
		WithTrustedCertificates(root.cert).WithCertificates(chain...).Validate()
	assert.NoError(t, err)
}

// ---------------------------------------------------------------------------
// Policy and logging
// ---------------------------------------------------------------------------

func TestLoadPolicy(t *testing.T) {
	p, err := validator.LoadPolicy(strings.NewReader("max_chain_depth: 4\nclock_skew: 90s\nrequire_key_cert_sign: false\n"))
	require.NoError(t, err)
	assert.Equal(t, validator.Policy{MaxDepth: 4, ClockSkew: 90 * time.Second, RequireKeyCertSign: false}, p)

	p, err = validator.LoadPolicy(strings.NewReader("clock_skew: 1m\n"))
	require.NoError(t, err)
	assert.Equal(t, validator.DefaultMaxDepth, p.MaxDepth)
	assert.True(t, p.RequireKeyCertSign)

	p, err = validator.LoadPolicy(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, validator.DefaultPolicy(), p)
}

func TestLoadPolicy_Invalid(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"UnknownKey", "max_depth: 3\n"},
		{"ZeroDepth", "max_chain_depth: 0\n"},
		{"NegativeSkew", "clock_skew: -5s\n"},
		{"NotYAML", "max_chain_depth: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validator.LoadPolicy(strings.NewReader(tt.in))
			assert.ErrorIs(t, err, validator.ErrInvalidPolicy)
		})
	}
}

func TestValidate_InvalidPolicyOption(t *testing.T) {
	root, _, _ := threeTier(t)
	_, err := validator.New(validator.WithMaxDepth(0)).
		WithTrustedCertificates(root.cert).
		WithCertificates(root.cert).
		Validate()
	assert.ErrorIs(t, err, validator.ErrInvalidPolicy)
}

func TestPathValidationError_Message(t *testing.T) {
	err := &validator.PathValidationError{
		Reason:   validator.ErrMalformedChain,
		Index:    0,
		Subject:  "CN=leaf",
		Expected: "CN=a",
		Actual:   "CN=b",
	}
	assert.Equal(t, "chain structure error: malformed chain at certificate 0 (CN=leaf): expected CN=a, got CN=b", err.Error())

	cause := errors.New("boom")
	err = &validator.PathValidationError{Reason: validator.ErrSignatureVerification, Index: validator.NoIndex, Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, validator.ErrSignatureVerification)
	assert.Equal(t, "crypto operation error: signature verification failed: boom", err.Error())
}

func TestValidate_Logs(t *testing.T) {
	root, inter, leaf := threeTier(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	_, err := validator.New(validator.WithLogger(logger)).
		WithTrustedCertificates(root.cert).
		WithCertificates(certs(leaf, inter, root)...).
		Validate()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "chain validated")

	buf.Reset()
	_, err = validator.New(validator.WithLogger(logger)).
		WithTrustedCertificates(root.cert).
		WithCertificates(certs(leaf, root)...).
		Validate()
	require.Error(t, err)
	assert.Contains(t, buf.String(), "chain rejected")
	assert.Contains(t, buf.String(), "index=0")
}
