package keys

import (
	"crypto"

	"github.com/jmcleod/ironchain/pkixerr"
)

// KeyStore abstracts private-key custody so that certificates can be signed
// with software keys held in protected memory, HSM-backed keys, or cloud KMS
// keys without changing calling code.
//
// A KeyID uniquely identifies a key managed by the store; its format is
// implementation-defined (a UUID for SoftwareKeyStore, a slot reference or
// key ARN for hardware/KMS stores).
type KeyStore interface {
	// GenerateKey creates a new signing key and returns an opaque identifier.
	// The caller must not assume anything about the key material; for HSM/KMS
	// backends the private key never leaves the device.
	GenerateKey(alg Algorithm, params Params) (keyID string, err error)

	// Import takes custody of an existing key pair and returns its key ID.
	Import(kp *KeyPair) (keyID string, err error)

	// Public returns the public key for keyID. The returned value is what a
	// certificate for this key should carry.
	Public(keyID string) (crypto.PublicKey, error)

	// Signer returns a [crypto.Signer] for keyID, suitable for
	// certificate.SigningKeyStage.WithSigningKey and WithRootCA.
	Signer(keyID string) (crypto.Signer, error)

	// Delete removes the key identified by keyID from the store and wipes
	// any material it holds.
	Delete(keyID string) error
}

var (
	// ErrKeyNotFound is returned when the referenced key ID does not exist.
	ErrKeyNotFound = pkixerr.New(pkixerr.ErrConfiguration, "key not found")

	// ErrSealedKey is returned when a stored key cannot be unsealed for use.
	ErrSealedKey = pkixerr.New(pkixerr.ErrCryptoOperation, "sealed key unavailable")
)
