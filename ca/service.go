// Package ca ties the signing core to a certificate store. It is the single
// entry point used by the HTTP API and the CLI: every issuance is persisted
// before it is returned, and every CRL is built from a snapshot of the
// store.
package ca

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/WatchBeam/clock"

	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
)

// DefaultIssueAttempts bounds how often Sign retries after the store
// rejects a serial that another signer claimed first.
const DefaultIssueAttempts = 3

// IssueHook runs after a certificate has been persisted. A failing hook is
// logged but does not undo the issuance.
type IssueHook func(ctx context.Context, cert *pki.Certificate) error

// Service issues, revokes and lists certificates for a single CA.
type Service struct {
	authority *pki.CertificateAuthority
	store     storage.Store
	issuer    *pki.Issuer
	crl       *pki.RevocationListBuilder
	clock     clock.Clock
	logger    *slog.Logger
	hooks     []IssueHook
	attempts  int

	issuerOpts []pki.IssuerOption
	crlOpts    []pki.CRLOption
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source for issuance, revocation and CRLs.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithIssuerOptions passes options through to the pki.Issuer.
func WithIssuerOptions(opts ...pki.IssuerOption) Option {
	return func(s *Service) { s.issuerOpts = append(s.issuerOpts, opts...) }
}

// WithCRLOptions passes options through to the pki.RevocationListBuilder.
func WithCRLOptions(opts ...pki.CRLOption) Option {
	return func(s *Service) { s.crlOpts = append(s.crlOpts, opts...) }
}

// WithIssueHook registers a post-issuance hook. Hooks run in order.
func WithIssueHook(h IssueHook) Option {
	return func(s *Service) { s.hooks = append(s.hooks, h) }
}

// WithIssueAttempts overrides DefaultIssueAttempts.
func WithIssueAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// New returns a Service signing with authority and persisting to store.
func New(authority *pki.CertificateAuthority, store storage.Store, opts ...Option) (*Service, error) {
	if err := authority.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("ca: nil store")
	}

	s := &Service{
		authority: authority,
		store:     store,
		clock:     clock.C,
		attempts:  DefaultIssueAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "ca")

	serials := pki.NewSerialAllocator(pki.WithSerialChecker(store))
	s.issuer = pki.NewIssuer(append([]pki.IssuerOption{
		pki.WithClock(s.clock),
		pki.WithSerialAllocator(serials),
	}, s.issuerOpts...)...)
	s.crl = pki.NewRevocationListBuilder(append([]pki.CRLOption{
		pki.WithCRLClock(s.clock),
	}, s.crlOpts...)...)
	return s, nil
}

// Authority returns the CA the service signs with.
func (s *Service) Authority() *pki.CertificateAuthority {
	return s.authority
}

// Sign issues a certificate for req and persists it. If the store reports
// the serial as taken the request is re-issued with a fresh serial, up to
// the configured number of attempts.
func (s *Service) Sign(ctx context.Context, req pki.IssueRequest) (*pki.Certificate, error) {
	start := time.Now()
	defer func() { issueDuration.Observe(time.Since(start).Seconds()) }()

	cert, err := s.issueAndStore(ctx, req)
	if err != nil {
		issueFailures.WithLabelValues(errorLabel(err)).Inc()
		s.logger.WarnContext(ctx, "certificate issuance failed", "error", err)
		return nil, err
	}

	certificatesIssued.Inc()
	s.logger.InfoContext(ctx, "certificate issued",
		"serial", cert.SerialHex(),
		"cn", cert.CommonName,
		"not_after", cert.NotAfter,
	)
	s.runHooks(ctx, cert)
	return cert, nil
}

func (s *Service) issueAndStore(ctx context.Context, req pki.IssueRequest) (*pki.Certificate, error) {
	for attempt := 1; attempt <= s.attempts; attempt++ {
		cert, err := s.issuer.Issue(ctx, s.authority, req)
		if err != nil {
			if errors.Is(err, pki.ErrSerialCollision) {
				serialCollisions.Inc()
			}
			return nil, err
		}

		err = s.store.Create(ctx, cert)
		if err == nil {
			return cert, nil
		}
		if !errors.Is(err, storage.ErrSerialExists) {
			return nil, fmt.Errorf("storing certificate: %w", err)
		}
		serialCollisions.Inc()
		s.logger.WarnContext(ctx, "serial already stored, re-issuing",
			"serial", cert.SerialHex(),
			"attempt", attempt,
		)
	}
	return nil, fmt.Errorf("%w: store rejected %d serials", pki.ErrSerialCollision, s.attempts)
}

func (s *Service) runHooks(ctx context.Context, cert *pki.Certificate) {
	for _, hook := range s.hooks {
		if err := hook(ctx, cert.Clone()); err != nil {
			hookFailures.Inc()
			s.logger.ErrorContext(ctx, "post-issuance hook failed",
				"serial", cert.SerialHex(),
				"error", err,
			)
		}
	}
}

// Revoke marks the certificate revoked at the current time.
func (s *Service) Revoke(ctx context.Context, serial *big.Int, reason pki.RevocationReason) (*pki.Certificate, error) {
	if reason == "" {
		reason = pki.ReasonUnspecified
	}
	if !reason.Valid() {
		return nil, fmt.Errorf("%w: %q", pki.ErrUnknownReason, reason)
	}
	cert, err := s.store.Revoke(ctx, serial, reason, s.clock.Now())
	if err != nil {
		return nil, err
	}
	certificatesRevoked.WithLabelValues(string(reason)).Inc()
	s.logger.InfoContext(ctx, "certificate revoked",
		"serial", cert.SerialHex(),
		"cn", cert.CommonName,
		"reason", string(reason),
	)
	return cert, nil
}

// Certificate returns the stored record for serial.
func (s *Service) Certificate(ctx context.Context, serial *big.Int) (*pki.Certificate, error) {
	return s.store.Get(ctx, serial)
}

// Certificates lists stored records matching filter.
func (s *Service) Certificates(ctx context.Context, filter storage.Filter) ([]*pki.Certificate, error) {
	return s.store.List(ctx, filter)
}

// CRL builds a CRL from the store's current revocation state. When
// opts.Number is nil the store's CRL counter supplies it.
func (s *Service) CRL(ctx context.Context, opts pki.CRLOptions) (*pki.RevocationList, error) {
	revoked, err := s.store.List(ctx, storage.Filter{RevokedOnly: true})
	if err != nil {
		return nil, fmt.Errorf("listing revoked certificates: %w", err)
	}
	if opts.Number == nil {
		opts.Number, err = s.store.NextCRLNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("allocating CRL number: %w", err)
		}
	}

	list, err := s.crl.Build(ctx, s.authority, revoked, opts)
	if err != nil {
		return nil, err
	}
	crlGenerated.Inc()
	crlEntries.Set(float64(len(list.Entries)))
	s.logger.InfoContext(ctx, "CRL generated",
		"number", list.Number.String(),
		"entries", len(list.Entries),
		"next_update", list.NextUpdate,
	)
	return list, nil
}
