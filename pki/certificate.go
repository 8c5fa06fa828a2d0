package pki

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// RevocationReason is a CRL reason name. The zero value means the
// certificate has not been revoked.
type RevocationReason string

const (
	ReasonUnspecified          RevocationReason = "unspecified"
	ReasonKeyCompromise        RevocationReason = "key_compromise"
	ReasonCACompromise         RevocationReason = "ca_compromise"
	ReasonAffiliationChanged   RevocationReason = "affiliation_changed"
	ReasonSuperseded           RevocationReason = "superseded"
	ReasonCessationOfOperation RevocationReason = "cessation_of_operation"
	ReasonCertificateHold      RevocationReason = "certificate_hold"
	ReasonRemoveFromCRL        RevocationReason = "remove_from_crl"
	ReasonPrivilegeWithdrawn   RevocationReason = "privilege_withdrawn"
	ReasonAACompromise         RevocationReason = "aa_compromise"
)

// RFC 5280 section 5.3.1 CRLReason codes. Code 7 is unused.
var reasonCodes = map[RevocationReason]int{
	ReasonUnspecified:          0,
	ReasonKeyCompromise:        1,
	ReasonCACompromise:         2,
	ReasonAffiliationChanged:   3,
	ReasonSuperseded:           4,
	ReasonCessationOfOperation: 5,
	ReasonCertificateHold:      6,
	ReasonRemoveFromCRL:        8,
	ReasonPrivilegeWithdrawn:   9,
	ReasonAACompromise:         10,
}

// Reasons returns every supported revocation reason ordered by code.
func Reasons() []RevocationReason {
	return []RevocationReason{
		ReasonUnspecified,
		ReasonKeyCompromise,
		ReasonCACompromise,
		ReasonAffiliationChanged,
		ReasonSuperseded,
		ReasonCessationOfOperation,
		ReasonCertificateHold,
		ReasonRemoveFromCRL,
		ReasonPrivilegeWithdrawn,
		ReasonAACompromise,
	}
}

// Code returns the RFC 5280 reason code, or -1 for an unknown reason.
func (r RevocationReason) Code() int {
	code, ok := reasonCodes[r]
	if !ok {
		return -1
	}
	return code
}

// Valid reports whether r is one of the supported reasons.
func (r RevocationReason) Valid() bool {
	_, ok := reasonCodes[r]
	return ok
}

// ReasonFromCode maps an RFC 5280 reason code back to its name.
func ReasonFromCode(code int) (RevocationReason, bool) {
	for reason, c := range reasonCodes {
		if c == code {
			return reason, true
		}
	}
	return "", false
}

// ParseRevocationReason accepts the canonical names as well as camelCase and
// hyphenated spellings ("keyCompromise", "key-compromise"). An empty string
// parses as ReasonUnspecified.
func ParseRevocationReason(s string) (RevocationReason, error) {
	if s == "" {
		return ReasonUnspecified, nil
	}
	norm := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(s))
	for reason := range reasonCodes {
		if strings.ReplaceAll(string(reason), "_", "") == norm {
			return reason, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownReason, s)
}

// Certificate is the record produced by the Issuer. Apart from the
// revocation fields it is never modified after creation.
type Certificate struct {
	Serial     *big.Int
	CommonName string
	NotBefore  time.Time
	NotAfter   time.Time
	PublicKey  crypto.PublicKey
	Extensions []pkix.Extension
	DER        []byte
	CSR        []byte

	Revoked       bool
	RevokedAt     time.Time
	RevokedReason RevocationReason
}

// ParseCertificate rebuilds a record from a DER certificate. Revocation
// fields are left unset.
func ParseCertificate(der []byte) (*Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}
	return &Certificate{
		Serial:     new(big.Int).Set(cert.SerialNumber),
		CommonName: cert.Subject.CommonName,
		NotBefore:  cert.NotBefore.UTC(),
		NotAfter:   cert.NotAfter.UTC(),
		PublicKey:  cert.PublicKey,
		Extensions: cloneExtensions(cert.Extensions),
		DER:        append([]byte(nil), der...),
	}, nil
}

func cloneExtensions(exts []pkix.Extension) []pkix.Extension {
	cp := make([]pkix.Extension, len(exts))
	for i, ext := range exts {
		cp[i] = pkix.Extension{
			Id:       append([]int(nil), ext.Id...),
			Critical: ext.Critical,
			Value:    append([]byte(nil), ext.Value...),
		}
	}
	return cp
}

// SerialHex returns the serial number as lower-case hex.
func (c *Certificate) SerialHex() string {
	return c.Serial.Text(16)
}

// PEM returns the certificate PEM-encoded.
func (c *Certificate) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: c.DER})
}

// X509 parses the signed certificate.
func (c *Certificate) X509() (*x509.Certificate, error) {
	return x509.ParseCertificate(c.DER)
}

// Expired reports whether the certificate is no longer valid at t.
func (c *Certificate) Expired(t time.Time) bool {
	return !t.Before(c.NotAfter)
}

// Revoke moves the certificate to its terminal revoked state. An empty
// reason is recorded as ReasonUnspecified.
func (c *Certificate) Revoke(reason RevocationReason, at time.Time) error {
	if c.Revoked {
		return fmt.Errorf("%s: %w", c.SerialHex(), ErrAlreadyRevoked)
	}
	if reason == "" {
		reason = ReasonUnspecified
	}
	if !reason.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownReason, reason)
	}
	c.Revoked = true
	c.RevokedAt = at.UTC().Truncate(time.Second)
	c.RevokedReason = reason
	return nil
}

// Clone returns a deep copy of the record.
func (c *Certificate) Clone() *Certificate {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Serial != nil {
		cp.Serial = new(big.Int).Set(c.Serial)
	}
	cp.DER = append([]byte(nil), c.DER...)
	cp.CSR = append([]byte(nil), c.CSR...)
	cp.Extensions = cloneExtensions(c.Extensions)
	return &cp
}
