package storage

import (
	"encoding/json"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/jmcleod/ironca/pki"
)

// Record is the serialised form of a certificate. Everything except the
// CSR and the revocation state can be recovered from DER, so only those
// are stored alongside it; the remaining fields are kept for readability
// of raw database dumps.
type Record struct {
	Serial        string     `json:"serial"`
	CommonName    string     `json:"common_name"`
	NotBefore     time.Time  `json:"not_before"`
	NotAfter      time.Time  `json:"not_after"`
	DER           []byte     `json:"der"`
	CSR           []byte     `json:"csr,omitempty"`
	Revoked       bool       `json:"revoked"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokedReason string     `json:"revoked_reason,omitempty"`
}

// NewRecord converts a certificate into its stored form.
func NewRecord(cert *pki.Certificate) *Record {
	rec := &Record{
		Serial:        SerialKey(cert.Serial),
		CommonName:    cert.CommonName,
		NotBefore:     cert.NotBefore.UTC(),
		NotAfter:      cert.NotAfter.UTC(),
		DER:           cert.DER,
		CSR:           cert.CSR,
		Revoked:       cert.Revoked,
		RevokedReason: string(cert.RevokedReason),
	}
	if cert.Revoked {
		at := cert.RevokedAt.UTC()
		rec.RevokedAt = &at
	}
	return rec
}

// Certificate rebuilds the certificate from the record.
func (r *Record) Certificate() (*pki.Certificate, error) {
	cert, err := pki.ParseCertificate(r.DER)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", r.Serial, err)
	}
	cert.CSR = append([]byte(nil), r.CSR...)
	cert.Revoked = r.Revoked
	cert.RevokedReason = pki.RevocationReason(r.RevokedReason)
	if r.RevokedAt != nil {
		cert.RevokedAt = r.RevokedAt.UTC()
	}
	return cert, nil
}

// MarshalCertificate encodes cert as JSON.
func MarshalCertificate(cert *pki.Certificate) ([]byte, error) {
	return json.Marshal(NewRecord(cert))
}

// UnmarshalCertificate decodes JSON produced by MarshalCertificate.
func UnmarshalCertificate(data []byte) (*pki.Certificate, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return rec.Certificate()
}

// SerialKey is the canonical lower-case hex key for a serial number.
func SerialKey(serial *big.Int) string {
	return serial.Text(16)
}

// ParseSerial parses a hex serial, with or without colons or a 0x prefix.
func ParseSerial(s string) (*big.Int, error) {
	hex := strings.ReplaceAll(strings.TrimSpace(s), ":", "")
	hex = strings.TrimPrefix(strings.TrimPrefix(hex, "0x"), "0X")
	n, ok := new(big.Int).SetString(hex, 16)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSerial, s)
	}
	return n, nil
}

// SortCertificates orders certificates by NotBefore, then serial.
func SortCertificates(certs []*pki.Certificate) {
	slices.SortFunc(certs, func(a, b *pki.Certificate) int {
		if c := a.NotBefore.Compare(b.NotBefore); c != 0 {
			return c
		}
		return a.Serial.Cmp(b.Serial)
	})
}
