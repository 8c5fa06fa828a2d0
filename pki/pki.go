// Package pki is the signing core of the certificate authority. It turns a
// certificate signing request into a certificate signed by the CA key
// (Issuer) and produces certificate revocation lists from the current
// revocation state of issued certificates (RevocationListBuilder).
//
// Nothing in this package persists state or loads files on its own; the CA
// key material is passed in explicitly as a CertificateAuthority and the
// resulting records are handed back to the caller for storage.
package pki

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrMalformedRequest is returned when a CSR cannot be parsed, carries an
	// invalid self-signature, or lacks a subject common name.
	ErrMalformedRequest = errors.New("malformed certificate signing request")

	// ErrSigningKey is returned when the CA key or certificate cannot be
	// used to sign.
	ErrSigningKey = errors.New("unusable CA signing key or certificate")

	// ErrSerialCollision is returned when no unused serial number could be
	// allocated within the bounded number of attempts.
	ErrSerialCollision = errors.New("serial number collision")

	// ErrDestinationUnavailable is returned when CRL output cannot be written
	// to the requested location.
	ErrDestinationUnavailable = errors.New("output destination unavailable")

	// ErrInvalidValidity is returned for a validity period that is negative
	// or ends past year 9999.
	ErrInvalidValidity = errors.New("invalid validity period")

	// ErrUnsupportedDigest is returned for an unknown digest algorithm name.
	ErrUnsupportedDigest = errors.New("unsupported digest algorithm")

	// ErrUnknownReason is returned for a revocation reason outside the
	// RFC 5280 enumeration.
	ErrUnknownReason = errors.New("unknown revocation reason")

	// ErrAlreadyRevoked is returned when revoking a certificate twice.
	ErrAlreadyRevoked = errors.New("certificate is already revoked")

	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")
)

// PEM block types.
const (
	pemTypeCertificate = "CERTIFICATE"
	pemTypeCSR         = "CERTIFICATE REQUEST"
	pemTypeCSRLegacy   = "NEW CERTIFICATE REQUEST"
	pemTypeCRL         = "X509 CRL"
)

// CertificateAuthority is the signing context handed to the Issuer and the
// RevocationListBuilder: the CA's own certificate and a signer for its
// private key.
type CertificateAuthority struct {
	Certificate *x509.Certificate
	Signer      crypto.Signer
}

// publicKeyEqual is implemented by every public key type in the standard
// library.
type publicKeyEqual interface {
	Equal(crypto.PublicKey) bool
}

// Validate reports ErrSigningKey when the authority is incomplete or its
// signer does not belong to its certificate.
func (a *CertificateAuthority) Validate() error {
	if a == nil || a.Certificate == nil {
		return fmt.Errorf("%w: missing CA certificate", ErrSigningKey)
	}
	if a.Signer == nil {
		return fmt.Errorf("%w: missing CA private key", ErrSigningKey)
	}
	pub, ok := a.Signer.Public().(publicKeyEqual)
	if !ok {
		return fmt.Errorf("%w: unsupported key type %T", ErrSigningKey, a.Signer.Public())
	}
	if !pub.Equal(a.Certificate.PublicKey) {
		return fmt.Errorf("%w: private key does not match CA certificate", ErrSigningKey)
	}
	return nil
}
