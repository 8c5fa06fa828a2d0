package ca

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
)

var (
	// certificatesIssued counts certificates signed and persisted.
	certificatesIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ironca_certificates_issued_total",
			Help: "Total number of certificates issued",
		},
	)

	// certificatesRevoked counts revocations.
	// Labels: reason (RFC 5280 reason name)
	certificatesRevoked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ironca_certificates_revoked_total",
			Help: "Total number of certificates revoked grouped by reason",
		},
		[]string{"reason"},
	)

	crlGenerated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ironca_crl_generated_total",
			Help: "Total number of CRLs signed",
		},
	)

	// crlEntries is the entry count of the most recent CRL.
	crlEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ironca_crl_entries",
			Help: "Number of entries in the most recently generated CRL",
		},
	)

	serialCollisions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ironca_serial_collisions_total",
			Help: "Total number of serial numbers rejected as already in use",
		},
	)

	// issueFailures counts failed issuances.
	// Labels: error (malformed_request, signing_key, serial_collision, invalid_validity, unsupported_digest, other)
	issueFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ironca_issue_failures_total",
			Help: "Total number of failed certificate issuances grouped by error",
		},
		[]string{"error"},
	)

	// issueDuration tracks sign + persist latency.
	// Buckets: 5ms .. 5s
	issueDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ironca_issue_duration_seconds",
			Help:    "Duration of certificate issuance in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	hookFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ironca_hook_failures_total",
			Help: "Total number of post-issuance hook failures",
		},
	)
)

// errorLabel maps an issuance error onto a bounded label value.
func errorLabel(err error) string {
	switch {
	case errors.Is(err, pki.ErrMalformedRequest):
		return "malformed_request"
	case errors.Is(err, pki.ErrSigningKey):
		return "signing_key"
	case errors.Is(err, pki.ErrSerialCollision), errors.Is(err, storage.ErrSerialExists):
		return "serial_collision"
	case errors.Is(err, pki.ErrInvalidValidity):
		return "invalid_validity"
	case errors.Is(err, pki.ErrUnsupportedDigest):
		return "unsupported_digest"
	default:
		return "other"
	}
}
