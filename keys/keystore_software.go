package keys

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"io"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/ironchain/internal/uuid"
)

// ---------------------------------------------------------------------------
// SoftwareKeyStore: memguard enclaves
// ---------------------------------------------------------------------------

// SoftwareKeyStore holds private keys as PKCS#8 bytes sealed in memguard
// enclaves (encrypted at rest in memory). Signers returned by the store open
// the enclave only for the duration of a Sign call.
//
// SoftwareKeyStore is safe for concurrent use.
type SoftwareKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*sealedKey
	opts []Option
}

type sealedKey struct {
	algorithm Algorithm
	public    crypto.PublicKey
	enclave   *memguard.Enclave
}

// Compile-time interface check.
var _ KeyStore = (*SoftwareKeyStore)(nil)

// NewSoftwareKeyStore returns a SoftwareKeyStore ready for use. The options
// are passed to the Generator used by GenerateKey.
func NewSoftwareKeyStore(opts ...Option) *SoftwareKeyStore {
	return &SoftwareKeyStore{
		keys: make(map[string]*sealedKey),
		opts: opts,
	}
}

// GenerateKey creates and seals a new key pair.
func (s *SoftwareKeyStore) GenerateKey(alg Algorithm, params Params) (string, error) {
	kp, err := Generate(alg, params, s.opts...)
	if err != nil {
		return "", err
	}
	return s.Import(kp)
}

// Import seals kp's private key. The caller should drop its own reference to
// kp afterwards; the store cannot wipe key material it does not own.
func (s *SoftwareKeyStore) Import(kp *KeyPair) (string, error) {
	if kp == nil {
		return "", fmt.Errorf("%w: nil key pair", ErrInvalidParameter)
	}
	der, err := x509.MarshalPKCS8PrivateKey(kp.Private())
	if err != nil {
		return "", fmt.Errorf("%w: encoding private key: %v", ErrUnsupportedAlgorithm, err)
	}

	id := uuid.New()
	sealed := &sealedKey{
		algorithm: kp.Algorithm(),
		public:    kp.Public(),
		enclave:   memguard.NewEnclave(der), // wipes der
	}

	s.mu.Lock()
	s.keys[id] = sealed
	s.mu.Unlock()
	return id, nil
}

// Public returns the public key for keyID.
func (s *SoftwareKeyStore) Public(keyID string) (crypto.PublicKey, error) {
	k, err := s.get(keyID)
	if err != nil {
		return nil, err
	}
	return k.public, nil
}

// Signer returns a crypto.Signer that unseals the key for each signature.
func (s *SoftwareKeyStore) Signer(keyID string) (crypto.Signer, error) {
	k, err := s.get(keyID)
	if err != nil {
		return nil, err
	}
	return &enclaveSigner{store: s, keyID: keyID, public: k.public}, nil
}

// Delete drops the enclave for keyID.
func (s *SoftwareKeyStore) Delete(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[keyID]; !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	delete(s.keys, keyID)
	return nil
}

// Len returns the number of keys held.
func (s *SoftwareKeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

func (s *SoftwareKeyStore) get(keyID string) (*sealedKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return k, nil
}

// enclaveSigner looks its key up on every Sign so that a Delete on the store
// takes effect for signers handed out earlier.
type enclaveSigner struct {
	store  *SoftwareKeyStore
	keyID  string
	public crypto.PublicKey
}

func (e *enclaveSigner) Public() crypto.PublicKey { return e.public }

func (e *enclaveSigner) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	k, err := e.store.get(e.keyID)
	if err != nil {
		return nil, err
	}
	buf, err := k.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: opening enclave: %v", ErrSealedKey, err)
	}
	defer buf.Destroy()

	priv, err := x509.ParsePKCS8PrivateKey(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedKey, err)
	}
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotSigner, priv)
	}
	return signer.Sign(rand, digest, opts)
}
