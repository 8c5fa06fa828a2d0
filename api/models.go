package api

import (
	"time"

	"github.com/jmcleod/ironca/pki"
)

// SignRequest is the body of POST /certificates.
type SignRequest struct {
	CSR             string   `json:"csr"`
	SubjectAltNames []string `json:"subject_alt_names,omitempty"`
	ValidityDays    int      `json:"validity_days,omitempty"`
	Digest          string   `json:"digest,omitempty"`
}

// RevokeRequest is the body of POST /certificates/{serial}/revoke. An empty
// body revokes with reason "unspecified".
type RevokeRequest struct {
	Reason string `json:"reason"`
}

// CertificateResponse describes a stored certificate.
type CertificateResponse struct {
	Serial           string     `json:"serial"`
	CommonName       string     `json:"common_name"`
	SubjectAltNames  []string   `json:"subject_alt_names,omitempty"`
	NotBefore        time.Time  `json:"not_before"`
	NotAfter         time.Time  `json:"not_after"`
	Revoked          bool       `json:"revoked"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
	Certificate      string     `json:"certificate,omitempty"`
}

// ListCertificatesResponse is a page of stored certificates. PEM bodies are
// omitted; fetch them per serial.
type ListCertificatesResponse struct {
	Certificates []CertificateResponse `json:"certificates"`
	PaginationMeta
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}

func newCertificateResponse(cert *pki.Certificate, withPEM bool) CertificateResponse {
	resp := CertificateResponse{
		Serial:     cert.SerialHex(),
		CommonName: cert.CommonName,
		NotBefore:  cert.NotBefore,
		NotAfter:   cert.NotAfter,
		Revoked:    cert.Revoked,
	}
	if parsed, err := cert.X509(); err == nil {
		resp.SubjectAltNames = parsed.DNSNames
	}
	if cert.Revoked {
		at := cert.RevokedAt
		resp.RevokedAt = &at
		resp.RevocationReason = string(cert.RevokedReason)
	}
	if withPEM {
		resp.Certificate = string(cert.PEM())
	}
	return resp
}
