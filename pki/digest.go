package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"strings"
)

// Digest names the hash used when signing certificates and CRLs.
type Digest string

const (
	SHA256 Digest = "sha256"
	SHA384 Digest = "sha384"
	SHA512 Digest = "sha512"
)

// Defaults used when neither the caller nor the configuration picks a
// digest. CRLs are signed with a stronger hash than certificates.
const (
	DefaultCertificateDigest = SHA256
	DefaultCRLDigest         = SHA512
)

// ParseDigest normalises spellings such as "SHA-512" or "sha_512".
func ParseDigest(s string) (Digest, error) {
	norm := strings.ToLower(strings.NewReplacer("-", "", "_", "").Replace(strings.TrimSpace(s)))
	switch Digest(norm) {
	case SHA256, SHA384, SHA512:
		return Digest(norm), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDigest, s)
	}
}

// SignatureAlgorithm picks the x509 signature algorithm for a CA public key
// and digest. Ed25519 has its hash built in, so the digest only needs to be
// a known one.
func (d Digest) SignatureAlgorithm(pub crypto.PublicKey) (x509.SignatureAlgorithm, error) {
	d, err := ParseDigest(string(d))
	if err != nil {
		return x509.UnknownSignatureAlgorithm, err
	}
	switch pub.(type) {
	case *ecdsa.PublicKey:
		switch d {
		case SHA256:
			return x509.ECDSAWithSHA256, nil
		case SHA384:
			return x509.ECDSAWithSHA384, nil
		default:
			return x509.ECDSAWithSHA512, nil
		}
	case *rsa.PublicKey:
		switch d {
		case SHA256:
			return x509.SHA256WithRSA, nil
		case SHA384:
			return x509.SHA384WithRSA, nil
		default:
			return x509.SHA512WithRSA, nil
		}
	case ed25519.PublicKey:
		return x509.PureEd25519, nil
	default:
		return x509.UnknownSignatureAlgorithm, fmt.Errorf("%w: unsupported key type %T", ErrSigningKey, pub)
	}
}
