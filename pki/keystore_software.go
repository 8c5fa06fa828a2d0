package pki

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"sync"

	"github.com/awnumar/memguard"
)

// ---------------------------------------------------------------------------
// SoftwareKeyStore is the default KeyStore, backed by sealed memory.
// ---------------------------------------------------------------------------

// SoftwareKeyStore keeps imported private keys as DER sealed in memguard
// enclaves. A key is only decrypted for the duration of a Sign call.
type SoftwareKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*sealedKey
	seq  int
}

// Compile-time interface check.
var _ KeyStore = (*SoftwareKeyStore)(nil)

// NewSoftwareKeyStore returns a SoftwareKeyStore ready for use.
func NewSoftwareKeyStore() *SoftwareKeyStore {
	return &SoftwareKeyStore{keys: make(map[string]*sealedKey)}
}

// ImportPEM accepts "EC PRIVATE KEY" (SEC1), "RSA PRIVATE KEY" (PKCS#1)
// and "PRIVATE KEY" (PKCS#8 ECDSA, RSA or Ed25519) blocks.
func (s *SoftwareKeyStore) ImportPEM(pemData []byte) (string, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return "", fmt.Errorf("%w: no PEM block found", ErrInvalidPEM)
	}

	priv, err := parsePrivateKey(block.Type, block.Bytes)
	if err != nil {
		return "", err
	}

	der := make([]byte, len(block.Bytes))
	copy(der, block.Bytes)
	enclave := memguard.NewEnclave(der)
	if enclave == nil {
		return "", fmt.Errorf("%w: empty key", ErrInvalidPEM)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("sw-%d", s.seq)
	s.keys[id] = &sealedKey{
		pemType: block.Type,
		enclave: enclave,
		public:  priv.Public(),
	}
	return id, nil
}

// Signer returns a signer that unseals the key on every Sign call.
func (s *SoftwareKeyStore) Signer(keyID string) (crypto.Signer, error) {
	s.mu.RLock()
	key, ok := s.keys[keyID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return key, nil
}

// Delete forgets the key. Signers already handed out keep working.
func (s *SoftwareKeyStore) Delete(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[keyID]; !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	delete(s.keys, keyID)
	return nil
}

// sealedKey implements crypto.Signer over an enclave-held DER key.
type sealedKey struct {
	pemType string
	enclave *memguard.Enclave
	public  crypto.PublicKey
}

func (k *sealedKey) Public() crypto.PublicKey { return k.public }

func (k *sealedKey) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	buf, err := k.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("unsealing key: %w", err)
	}
	defer buf.Destroy()

	priv, err := parsePrivateKey(k.pemType, buf.Bytes())
	if err != nil {
		return nil, err
	}
	return priv.Sign(rand, digest, opts)
}

func parsePrivateKey(pemType string, der []byte) (crypto.Signer, error) {
	var (
		key any
		err error
	)
	switch pemType {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(der)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(der)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(der)
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPEM, pemType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrInvalidPEM, key)
	}
	return signer, nil
}
