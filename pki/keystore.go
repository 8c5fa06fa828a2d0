package pki

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// KeyStore abstracts where the CA private key lives so the Issuer and the
// RevocationListBuilder only ever see a crypto.Signer.
//
// A key ID uniquely identifies a key managed by the store; its format is
// implementation-defined. Key generation is deliberately not part of the
// interface: CA keys are created outside this system and imported.
type KeyStore interface {
	// ImportPEM loads a PEM-encoded private key into the store and returns
	// its key ID.
	ImportPEM(pemData []byte) (keyID string, err error)

	// Signer returns a [crypto.Signer] for the key identified by keyID.
	Signer(keyID string) (crypto.Signer, error)

	// Delete removes the key identified by keyID from the store.
	Delete(keyID string) error
}

// ErrKeyNotFound is returned when the referenced key ID does not exist.
var ErrKeyNotFound = errors.New("key not found")

// LoadAuthority builds a CertificateAuthority from a PEM CA certificate and
// a PEM private key. The key is imported into ks, or into a fresh
// SoftwareKeyStore when ks is nil. Every failure wraps ErrSigningKey.
func LoadAuthority(certPEM, keyPEM []byte, ks KeyStore) (*CertificateAuthority, error) {
	if ks == nil {
		ks = NewSoftwareKeyStore()
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != pemTypeCertificate {
		return nil, fmt.Errorf("%w: CA certificate: %w", ErrSigningKey, ErrInvalidPEM)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing CA certificate: %v", ErrSigningKey, err)
	}

	keyID, err := ks.ImportPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: importing CA key: %w", ErrSigningKey, err)
	}
	signer, err := ks.Signer(keyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigningKey, err)
	}

	authority := &CertificateAuthority{Certificate: cert, Signer: signer}
	if err := authority.Validate(); err != nil {
		_ = ks.Delete(keyID)
		return nil, err
	}
	return authority, nil
}
