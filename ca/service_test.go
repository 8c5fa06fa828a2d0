package ca_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/ca"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
	"github.com/jmcleod/ironca/storage/memory"
)

func newAuthority(t *testing.T) *pki.CertificateAuthority {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Service Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(5, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &pki.CertificateAuthority{Certificate: cert, Signer: key}
}

func newCSR(t *testing.T, cn string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: cn},
	}, key)
	require.NoError(t, err)
	return der
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newService(t *testing.T, store storage.Store, opts ...ca.Option) *ca.Service {
	t.Helper()
	svc, err := ca.New(newAuthority(t), store, append([]ca.Option{ca.WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	return svc
}

func TestNew_RejectsBrokenAuthority(t *testing.T) {
	authority := newAuthority(t)
	_, err := ca.New(&pki.CertificateAuthority{Certificate: authority.Certificate}, memory.NewStore())
	assert.ErrorIs(t, err, pki.ErrSigningKey)

	_, err = ca.New(authority, nil)
	assert.Error(t, err)
}

func TestSign_PersistsCertificate(t *testing.T) {
	ctx := t.Context()
	store := memory.NewStore()
	svc := newService(t, store)
	before := testutil.ToFloat64(ca.MetricCertificatesIssued())

	cert, err := svc.Sign(ctx, pki.IssueRequest{CSR: newCSR(t, "svc.example.com"), SubjectAltNames: []string{"svc.example.com"}})
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(ca.MetricCertificatesIssued()))

	stored, err := svc.Certificate(ctx, cert.Serial)
	require.NoError(t, err)
	assert.Equal(t, cert.DER, stored.DER)

	parsed, err := stored.X509()
	require.NoError(t, err)
	require.NoError(t, parsed.CheckSignatureFrom(svc.Authority().Certificate))
}

func TestSign_SerialsDistinct(t *testing.T) {
	ctx := t.Context()
	svc := newService(t, memory.NewStore())
	csr := newCSR(t, "many.example.com")

	seen := map[string]bool{}
	for range 25 {
		cert, err := svc.Sign(ctx, pki.IssueRequest{CSR: csr})
		require.NoError(t, err)
		require.False(t, seen[cert.SerialHex()])
		seen[cert.SerialHex()] = true
	}

	all, err := svc.Certificates(ctx, storage.Filter{CommonName: "many.example.com"})
	require.NoError(t, err)
	assert.Len(t, all, 25)
}

// collidingStore rejects the first n creates as duplicates, simulating a
// concurrent signer that claimed the serial between check and insert.
type collidingStore struct {
	*memory.Store
	remaining atomic.Int32
}

func (s *collidingStore) Create(ctx context.Context, cert *pki.Certificate) error {
	if s.remaining.Add(-1) >= 0 {
		return storage.ErrSerialExists
	}
	return s.Store.Create(ctx, cert)
}

func TestSign_RetriesOnStoreCollision(t *testing.T) {
	store := &collidingStore{Store: memory.NewStore()}
	store.remaining.Store(2)
	svc := newService(t, store)
	before := testutil.ToFloat64(ca.MetricSerialCollisions())

	cert, err := svc.Sign(t.Context(), pki.IssueRequest{CSR: newCSR(t, "retry.example.com")})
	require.NoError(t, err)
	assert.NotNil(t, cert)
	assert.Equal(t, before+2, testutil.ToFloat64(ca.MetricSerialCollisions()))
}

func TestSign_GivesUpAfterBoundedAttempts(t *testing.T) {
	store := &collidingStore{Store: memory.NewStore()}
	store.remaining.Store(100)
	svc := newService(t, store)

	_, err := svc.Sign(t.Context(), pki.IssueRequest{CSR: newCSR(t, "unlucky.example.com")})
	require.ErrorIs(t, err, pki.ErrSerialCollision)
	assert.Equal(t, int32(100-ca.DefaultIssueAttempts), store.remaining.Load())

	all, err := svc.Certificates(t.Context(), storage.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSign_MalformedRequest(t *testing.T) {
	svc := newService(t, memory.NewStore())
	before := testutil.ToFloat64(ca.MetricIssueFailures("malformed_request"))

	_, err := svc.Sign(t.Context(), pki.IssueRequest{CSR: []byte("garbage")})
	assert.ErrorIs(t, err, pki.ErrMalformedRequest)
	assert.Equal(t, before+1, testutil.ToFloat64(ca.MetricIssueFailures("malformed_request")))
}

func TestSign_HookFailureKeepsCertificate(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	var called []string
	svc, err := ca.New(newAuthority(t), memory.NewStore(),
		ca.WithLogger(logger),
		ca.WithIssueHook(func(_ context.Context, cert *pki.Certificate) error {
			called = append(called, "first:"+cert.CommonName)
			return errors.New("smtp unreachable")
		}),
		ca.WithIssueHook(func(_ context.Context, cert *pki.Certificate) error {
			called = append(called, "second:"+cert.CommonName)
			return nil
		}),
	)
	require.NoError(t, err)
	before := testutil.ToFloat64(ca.MetricHookFailures())

	cert, err := svc.Sign(t.Context(), pki.IssueRequest{CSR: newCSR(t, "hook.example.com")})
	require.NoError(t, err)
	assert.Equal(t, []string{"first:hook.example.com", "second:hook.example.com"}, called)
	assert.Equal(t, before+1, testutil.ToFloat64(ca.MetricHookFailures()))
	assert.Contains(t, buf.String(), "smtp unreachable")
	assert.Contains(t, buf.String(), `"component":"ca"`)

	_, err = svc.Certificate(t.Context(), cert.Serial)
	require.NoError(t, err)
}

func TestRevokeAndCRL(t *testing.T) {
	ctx := t.Context()
	mock := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := newService(t, memory.NewStore(), ca.WithClock(mock))

	keep, err := svc.Sign(ctx, pki.IssueRequest{CSR: newCSR(t, "keep.example.com")})
	require.NoError(t, err)
	gone, err := svc.Sign(ctx, pki.IssueRequest{CSR: newCSR(t, "gone.example.com")})
	require.NoError(t, err)

	revoked, err := svc.Revoke(ctx, gone.Serial, pki.ReasonKeyCompromise)
	require.NoError(t, err)
	assert.True(t, revoked.Revoked)
	assert.True(t, mock.Now().Equal(revoked.RevokedAt))

	_, err = svc.Revoke(ctx, gone.Serial, pki.ReasonSuperseded)
	assert.ErrorIs(t, err, pki.ErrAlreadyRevoked)
	_, err = svc.Revoke(ctx, big.NewInt(12345), pki.ReasonSuperseded)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = svc.Revoke(ctx, keep.Serial, "bored")
	assert.ErrorIs(t, err, pki.ErrUnknownReason)

	first, err := svc.CRL(ctx, pki.CRLOptions{})
	require.NoError(t, err)
	require.Len(t, first.Entries, 1)
	assert.Equal(t, gone.SerialHex(), first.Entries[0].Serial.Text(16))
	assert.Equal(t, pki.ReasonKeyCompromise, first.Entries[0].Reason)

	second, err := svc.CRL(ctx, pki.CRLOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Number.Cmp(first.Number))

	parsed, err := x509.ParseRevocationList(second.DER)
	require.NoError(t, err)
	require.NoError(t, parsed.CheckSignatureFrom(svc.Authority().Certificate))
	assert.Equal(t, x509.ECDSAWithSHA512, parsed.SignatureAlgorithm)
	assert.Equal(t, float64(1), testutil.ToFloat64(ca.MetricCRLEntries()))
}

func TestCRL_ExplicitNumberAndDigest(t *testing.T) {
	svc := newService(t, memory.NewStore(), ca.WithCRLOptions(pki.WithCRLDigest(pki.SHA256)))

	list, err := svc.CRL(t.Context(), pki.CRLOptions{Number: big.NewInt(99)})
	require.NoError(t, err)
	assert.Equal(t, int64(99), list.Number.Int64())

	parsed, err := x509.ParseRevocationList(list.DER)
	require.NoError(t, err)
	assert.Equal(t, x509.ECDSAWithSHA256, parsed.SignatureAlgorithm)
}
