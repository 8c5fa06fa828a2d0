package pki

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/WatchBeam/clock"
)

// DefaultValidityDays is used when neither the request nor the issuer
// configuration sets a validity period.
const DefaultValidityDays = 730

// IssueRequest holds the parameters for signing a CSR.
type IssueRequest struct {
	// CSR is the signing request, PEM or DER encoded.
	CSR []byte

	// SubjectAltNames are DNS names for the SubjectAltName extension, in
	// the order they should appear.
	SubjectAltNames []string

	// ValidityDays is the number of whole days the certificate is valid
	// for past the day of issuance. Zero selects the issuer default.
	ValidityDays int

	// Digest selects the signing hash. Empty selects the issuer default.
	Digest Digest

	// Extensions are attached after the issuer's policy extensions.
	Extensions []pkix.Extension
}

// Issuer signs certificate signing requests with a CA key.
type Issuer struct {
	clock        clock.Clock
	serials      *SerialAllocator
	validityDays int
	digest       Digest
	extensions   []pkix.Extension
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithClock sets the time source used for the validity window.
func WithClock(c clock.Clock) IssuerOption {
	return func(i *Issuer) { i.clock = c }
}

// WithSerialAllocator replaces the default allocator, which does not
// check for existing serials.
func WithSerialAllocator(a *SerialAllocator) IssuerOption {
	return func(i *Issuer) { i.serials = a }
}

// WithDefaultValidityDays sets the validity used for requests without one.
func WithDefaultValidityDays(days int) IssuerOption {
	return func(i *Issuer) {
		if days > 0 {
			i.validityDays = days
		}
	}
}

// WithDefaultDigest sets the digest used for requests without one.
func WithDefaultDigest(d Digest) IssuerOption {
	return func(i *Issuer) {
		if d != "" {
			i.digest = d
		}
	}
}

// WithExtensions sets policy-mandated extensions added to every
// certificate, e.g. basic constraints or key usage.
func WithExtensions(exts ...pkix.Extension) IssuerOption {
	return func(i *Issuer) { i.extensions = append(i.extensions, exts...) }
}

// NewIssuer returns an Issuer with the given options applied.
func NewIssuer(opts ...IssuerOption) *Issuer {
	i := &Issuer{
		clock:        clock.C,
		validityDays: DefaultValidityDays,
		digest:       DefaultCertificateDigest,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.serials == nil {
		i.serials = NewSerialAllocator()
	}
	return i
}

// Issue signs req.CSR with the authority's key. The returned record is not
// persisted.
func (i *Issuer) Issue(ctx context.Context, authority *CertificateAuthority, req IssueRequest) (*Certificate, error) {
	if err := authority.Validate(); err != nil {
		return nil, err
	}

	csr, err := ParseCSR(req.CSR)
	if err != nil {
		return nil, err
	}

	days := req.ValidityDays
	if days == 0 {
		days = i.validityDays
	}
	if days < 0 {
		return nil, fmt.Errorf("%w: %d days", ErrInvalidValidity, days)
	}
	now := i.clock.Now().UTC()
	notAfter := maxNotAfter
	if days <= maxValidityDays {
		notAfter = ExpiresAt(now, days)
	}
	if !notAfter.Before(maxNotAfter) {
		return nil, fmt.Errorf("%w: %d days ends outside the X.509 time range", ErrInvalidValidity, days)
	}

	digest := req.Digest
	if digest == "" {
		digest = i.digest
	}
	sigAlg, err := digest.SignatureAlgorithm(authority.Signer.Public())
	if err != nil {
		return nil, err
	}

	exts, err := i.collectExtensions(req)
	if err != nil {
		return nil, err
	}

	serial, err := i.serials.Next(ctx)
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber:       serial,
		RawSubject:         csr.RawSubject,
		NotBefore:          now.Truncate(time.Second),
		NotAfter:           notAfter,
		SignatureAlgorithm: sigAlg,
		ExtraExtensions:    exts,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, authority.Certificate, csr.PublicKey, authority.Signer)
	if err != nil {
		return nil, fmt.Errorf("%w: signing certificate: %v", ErrSigningKey, err)
	}

	cert, err := ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	cert.CSR = append([]byte(nil), req.CSR...)
	return cert, nil
}

// collectExtensions orders policy extensions, request extensions and the
// SubjectAltName extension, rejecting duplicate OIDs.
func (i *Issuer) collectExtensions(req IssueRequest) ([]pkix.Extension, error) {
	var exts []pkix.Extension
	exts = append(exts, i.extensions...)
	exts = append(exts, req.Extensions...)
	if len(req.SubjectAltNames) > 0 {
		san, err := SubjectAltNameExtension(req.SubjectAltNames)
		if err != nil {
			return nil, err
		}
		exts = append(exts, san)
	}

	seen := make(map[string]bool, len(exts))
	for _, ext := range exts {
		oid := ext.Id.String()
		if seen[oid] {
			return nil, fmt.Errorf("%w: duplicate extension %s", ErrMalformedRequest, oid)
		}
		seen[oid] = true
	}
	return exts, nil
}

// maxNotAfter is the first instant past the GeneralizedTime range.
// maxValidityDays keeps ExpiresAt's day arithmetic from overflowing.
var maxNotAfter = time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)

const maxValidityDays = 10000 * 366

// ExpiresAt returns midnight UTC of the day validityDays+1 days after now.
// Every certificate issued on the same calendar day expires at the same
// instant.
func ExpiresAt(now time.Time, validityDays int) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+validityDays+1, 0, 0, 0, 0, time.UTC)
}

// ParseCSR decodes a PEM or DER signing request and checks its signature
// and subject common name.
func ParseCSR(data []byte) (*x509.CertificateRequest, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != pemTypeCSR && block.Type != pemTypeCSRLegacy {
			return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrMalformedRequest, block.Type)
		}
		der = block.Bytes
	}
	if len(der) == 0 {
		return nil, fmt.Errorf("%w: empty request", ErrMalformedRequest)
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformedRequest, err)
	}
	if csr.Subject.CommonName == "" {
		return nil, fmt.Errorf("%w: subject has no common name", ErrMalformedRequest)
	}
	return csr, nil
}
