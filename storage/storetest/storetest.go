// Package storetest holds the behaviour every storage.Store backend must
// share. Backend packages call Run from their own tests.
package storetest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
)

// Run exercises a fresh store returned by newStore for every subtest.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, newStore(t)) })
	t.Run("DuplicateSerial", func(t *testing.T) { testDuplicateSerial(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("List", func(t *testing.T) { testList(t, newStore(t)) })
	t.Run("Revoke", func(t *testing.T) { testRevoke(t, newStore(t)) })
	t.Run("CRLNumber", func(t *testing.T) { testCRLNumber(t, newStore(t)) })
	t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, newStore(t)) })
}

// Certificate issues a certificate for cn under a throwaway CA.
func Certificate(t *testing.T, cn string) *pki.Certificate {
	t.Helper()
	authority := authority(t)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: cn},
	}, key)
	require.NoError(t, err)

	cert, err := pki.NewIssuer().Issue(t.Context(), authority, pki.IssueRequest{CSR: csr, ValidityDays: 30})
	require.NoError(t, err)
	return cert
}

var (
	authorityOnce sync.Once
	authorityVal  *pki.CertificateAuthority
	authorityErr  error
)

func authority(t *testing.T) *pki.CertificateAuthority {
	t.Helper()
	authorityOnce.Do(func() {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			authorityErr = err
			return
		}
		template := &x509.Certificate{
			SerialNumber:          big.NewInt(1),
			Subject:               pkix.Name{CommonName: "Store Test CA"},
			NotBefore:             time.Now().Add(-time.Hour),
			NotAfter:              time.Now().AddDate(1, 0, 0),
			KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
			BasicConstraintsValid: true,
			IsCA:                  true,
		}
		der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
		if err != nil {
			authorityErr = err
			return
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			authorityErr = err
			return
		}
		authorityVal = &pki.CertificateAuthority{Certificate: cert, Signer: key}
	})
	require.NoError(t, authorityErr)
	return authorityVal
}

func testCreateGet(t *testing.T, s storage.Store) {
	ctx := t.Context()
	cert := Certificate(t, "get.example.com")
	cert.CSR = []byte("csr bytes")
	require.NoError(t, s.Create(ctx, cert))

	exists, err := s.SerialExists(ctx, cert.Serial)
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := s.Get(ctx, cert.Serial)
	require.NoError(t, err)
	assert.Equal(t, cert.SerialHex(), got.SerialHex())
	assert.Equal(t, "get.example.com", got.CommonName)
	assert.Equal(t, cert.DER, got.DER)
	assert.Equal(t, cert.CSR, got.CSR)
	assert.True(t, cert.NotAfter.Equal(got.NotAfter))
	assert.False(t, got.Revoked)

	// Returned records are copies.
	got.DER[0] ^= 0xff
	again, err := s.Get(ctx, cert.Serial)
	require.NoError(t, err)
	assert.Equal(t, cert.DER, again.DER)
}

func testDuplicateSerial(t *testing.T, s storage.Store) {
	ctx := t.Context()
	cert := Certificate(t, "dup.example.com")
	require.NoError(t, s.Create(ctx, cert))
	assert.ErrorIs(t, s.Create(ctx, cert), storage.ErrSerialExists)
}

func testNotFound(t *testing.T, s storage.Store) {
	ctx := t.Context()
	_, err := s.Get(ctx, big.NewInt(404))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.Revoke(ctx, big.NewInt(404), pki.ReasonSuperseded, time.Now())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	exists, err := s.SerialExists(ctx, big.NewInt(404))
	require.NoError(t, err)
	assert.False(t, exists)
}

func testList(t *testing.T, s storage.Store) {
	ctx := t.Context()
	a := Certificate(t, "a.example.com")
	b := Certificate(t, "b.example.com")
	c := Certificate(t, "a.example.com")
	for _, cert := range []*pki.Certificate{a, b, c} {
		require.NoError(t, s.Create(ctx, cert))
	}
	_, err := s.Revoke(ctx, b.Serial, pki.ReasonKeyCompromise, time.Now())
	require.NoError(t, err)

	all, err := s.List(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	revoked, err := s.List(ctx, storage.Filter{RevokedOnly: true})
	require.NoError(t, err)
	require.Len(t, revoked, 1)
	assert.Equal(t, b.SerialHex(), revoked[0].SerialHex())

	byName, err := s.List(ctx, storage.Filter{CommonName: "a.example.com"})
	require.NoError(t, err)
	assert.Len(t, byName, 2)
}

func testRevoke(t *testing.T, s storage.Store) {
	ctx := t.Context()
	cert := Certificate(t, "revoke.example.com")
	require.NoError(t, s.Create(ctx, cert))

	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	updated, err := s.Revoke(ctx, cert.Serial, pki.ReasonCessationOfOperation, at)
	require.NoError(t, err)
	assert.True(t, updated.Revoked)
	assert.Equal(t, pki.ReasonCessationOfOperation, updated.RevokedReason)

	got, err := s.Get(ctx, cert.Serial)
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	assert.True(t, at.Equal(got.RevokedAt))
	assert.Equal(t, pki.ReasonCessationOfOperation, got.RevokedReason)

	_, err = s.Revoke(ctx, cert.Serial, pki.ReasonKeyCompromise, time.Now())
	assert.ErrorIs(t, err, pki.ErrAlreadyRevoked)

	got, err = s.Get(ctx, cert.Serial)
	require.NoError(t, err)
	assert.Equal(t, pki.ReasonCessationOfOperation, got.RevokedReason)
}

func testCRLNumber(t *testing.T, s storage.Store) {
	ctx := t.Context()
	prev, err := s.NextCRLNumber(ctx)
	require.NoError(t, err)
	for range 5 {
		n, err := s.NextCRLNumber(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n.Cmp(prev), "CRL numbers must increase")
		prev = n
	}
}

func testConcurrentCreate(t *testing.T, s storage.Store) {
	ctx := t.Context()
	cert := Certificate(t, "race.example.com")

	const workers = 8
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Create(ctx, cert.Clone())
		}()
	}
	wg.Wait()
	close(errs)

	var ok, dup int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, storage.ErrSerialExists):
			dup++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, dup)
}
