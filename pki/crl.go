package pki

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/WatchBeam/clock"
)

// DefaultCRLValidity is the gap between a CRL's this-update and
// next-update when none is configured.
const DefaultCRLValidity = 24 * time.Hour

// RevocationEntry is one revoked certificate as listed in a CRL. Reason is
// ReasonUnspecified for entries without a reasonCode extension.
type RevocationEntry struct {
	Serial    *big.Int
	RevokedAt time.Time
	Reason    RevocationReason
}

// RevocationList is a signed CRL together with the values it was built
// from.
type RevocationList struct {
	DER        []byte
	Number     *big.Int
	ThisUpdate time.Time
	NextUpdate time.Time
	Entries    []RevocationEntry
}

// PEM returns the CRL as an "X509 CRL" PEM block.
func (l *RevocationList) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCRL, Bytes: l.DER})
}

// Encoding selects the output format of a CRL.
type Encoding string

const (
	EncodingPEM Encoding = "pem"
	EncodingDER Encoding = "der"
)

// ParseEncoding accepts "pem" or "der" in any case. Empty means PEM.
func ParseEncoding(s string) (Encoding, error) {
	switch e := Encoding(strings.ToLower(strings.TrimSpace(s))); e {
	case "":
		return EncodingPEM, nil
	case EncodingPEM, EncodingDER:
		return e, nil
	default:
		return "", fmt.Errorf("unknown CRL encoding %q", s)
	}
}

// Encode returns the CRL in the requested encoding.
func (l *RevocationList) Encode(enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingPEM, "":
		return l.PEM(), nil
	case EncodingDER:
		return append([]byte(nil), l.DER...), nil
	default:
		return nil, fmt.Errorf("unknown CRL encoding %q", enc)
	}
}

// CRLOptions overrides builder defaults for a single CRL.
type CRLOptions struct {
	// Number is the CRL number. Nil uses this-update as Unix seconds.
	Number *big.Int

	// Digest overrides the builder's CRL digest.
	Digest Digest

	// NextUpdate overrides this-update plus the builder's validity.
	NextUpdate time.Time
}

// RevocationListBuilder produces signed CRLs from certificate records.
type RevocationListBuilder struct {
	clock    clock.Clock
	digest   Digest
	validity time.Duration
}

// CRLOption configures a RevocationListBuilder.
type CRLOption func(*RevocationListBuilder)

// WithCRLClock sets the time source for this-update.
func WithCRLClock(c clock.Clock) CRLOption {
	return func(b *RevocationListBuilder) { b.clock = c }
}

// WithCRLDigest sets the CRL signing digest. It is independent of the
// digest used for certificates.
func WithCRLDigest(d Digest) CRLOption {
	return func(b *RevocationListBuilder) {
		if d != "" {
			b.digest = d
		}
	}
}

// WithCRLValidity sets the default next-update distance.
func WithCRLValidity(d time.Duration) CRLOption {
	return func(b *RevocationListBuilder) {
		if d > 0 {
			b.validity = d
		}
	}
}

// NewRevocationListBuilder returns a builder with the given options applied.
func NewRevocationListBuilder(opts ...CRLOption) *RevocationListBuilder {
	b := &RevocationListBuilder{
		clock:    clock.C,
		digest:   DefaultCRLDigest,
		validity: DefaultCRLValidity,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build signs a CRL listing every revoked, unexpired certificate in certs.
// Certificates that are not revoked are ignored. An empty result is still a
// valid signed CRL.
func (b *RevocationListBuilder) Build(ctx context.Context, authority *CertificateAuthority, certs []*Certificate, opts CRLOptions) (*RevocationList, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := authority.Validate(); err != nil {
		return nil, err
	}

	digest := opts.Digest
	if digest == "" {
		digest = b.digest
	}
	sigAlg, err := digest.SignatureAlgorithm(authority.Signer.Public())
	if err != nil {
		return nil, err
	}

	now := b.clock.Now().UTC().Truncate(time.Second)
	next := opts.NextUpdate
	if next.IsZero() {
		next = now.Add(b.validity)
	}
	if !next.After(now) {
		return nil, fmt.Errorf("%w: next update %s is not after %s", ErrInvalidValidity, next, now)
	}
	number := opts.Number
	if number == nil {
		number = big.NewInt(now.Unix())
	}

	var (
		entries     []RevocationEntry
		listEntries []x509.RevocationListEntry
	)
	for _, c := range certs {
		if c == nil || !c.Revoked || c.Expired(now) {
			continue
		}
		reason := c.RevokedReason
		if reason == "" {
			reason = ReasonUnspecified
		}
		code := reason.Code()
		if code < 0 {
			return nil, fmt.Errorf("%s: %w: %q", c.SerialHex(), ErrUnknownReason, reason)
		}
		entries = append(entries, RevocationEntry{
			Serial:    new(big.Int).Set(c.Serial),
			RevokedAt: c.RevokedAt.UTC(),
			Reason:    reason,
		})
		// A zero ReasonCode emits no reasonCode extension.
		listEntries = append(listEntries, x509.RevocationListEntry{
			SerialNumber:   c.Serial,
			RevocationTime: c.RevokedAt.UTC(),
			ReasonCode:     code,
		})
	}

	template := &x509.RevocationList{
		SignatureAlgorithm:        sigAlg,
		Number:                    number,
		ThisUpdate:                now,
		NextUpdate:                next.UTC(),
		RevokedCertificateEntries: listEntries,
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, authority.Certificate, authority.Signer)
	if err != nil {
		return nil, fmt.Errorf("%w: creating CRL: %v", ErrSigningKey, err)
	}

	return &RevocationList{
		DER:        der,
		Number:     new(big.Int).Set(number),
		ThisUpdate: now,
		NextUpdate: next.UTC(),
		Entries:    entries,
	}, nil
}

// ParseRevocationList decodes a PEM or DER CRL. Entry reasons are read
// from their reasonCode extension; entries without one are reported as
// ReasonUnspecified. The signature is not checked.
func ParseRevocationList(data []byte) (*RevocationList, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != pemTypeCRL {
			return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPEM, block.Type)
		}
		der = block.Bytes
	}
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("parsing CRL: %w", err)
	}

	list := &RevocationList{
		DER:        append([]byte(nil), der...),
		Number:     crl.Number,
		ThisUpdate: crl.ThisUpdate.UTC(),
		NextUpdate: crl.NextUpdate.UTC(),
	}
	for _, e := range crl.RevokedCertificateEntries {
		entry := RevocationEntry{
			Serial:    e.SerialNumber,
			RevokedAt: e.RevocationTime.UTC(),
			Reason:    ReasonUnspecified,
		}
		for _, ext := range e.Extensions {
			if !ext.Id.Equal(oidCRLReasonCode) {
				continue
			}
			reason, err := reasonCodeExtension(ext)
			if err != nil {
				return nil, fmt.Errorf("entry %x: %w", e.SerialNumber, err)
			}
			entry.Reason = reason
		}
		list.Entries = append(list.Entries, entry)
	}
	return list, nil
}

// CheckDestination reports ErrDestinationUnavailable unless the directory
// that would hold path exists.
func CheckDestination(path string) error {
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: directory %s does not exist", ErrDestinationUnavailable, dir)
		}
		return fmt.Errorf("%w: %v", ErrDestinationUnavailable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrDestinationUnavailable, dir)
	}
	return nil
}

// WriteFile writes CRL bytes to path. The parent directory must already
// exist. Data goes to a temporary file in the same directory which is then
// renamed over path, so readers never observe a partial CRL.
func WriteFile(path string, data []byte) error {
	if err := CheckDestination(path); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDestinationUnavailable, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: writing %s: %v", ErrDestinationUnavailable, path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: syncing %s: %v", ErrDestinationUnavailable, path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: closing %s: %v", ErrDestinationUnavailable, path, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("%w: %v", ErrDestinationUnavailable, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("%w: renaming into %s: %v", ErrDestinationUnavailable, path, err)
	}
	return nil
}
