// Package postgres implements storage.Store backed by PostgreSQL.
//
// The certificates table uses a composite primary key (ca, serial) so that
// several CAs can share a database, and so that the database rejects a
// duplicate serial even when two signers race on the same value. Record
// fields are stored as individual columns; the DER certificate is the
// source of truth for everything else that is derived from it.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	ca   string
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store for the CA named caName using the given pool.
func NewStore(pool *pgxpool.Pool, caName string) *Store {
	return &Store{pool: pool, ca: caName}
}

// NewStoreFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Store.
func NewStoreFromDSN(ctx context.Context, dsn, caName string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewStore(pool, caName), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ---------------------------------------------------------------------------
// Store interface implementation
// ---------------------------------------------------------------------------

const selectColumns = `serial, common_name, not_before, not_after, der, csr, revoked, revoked_at, revoked_reason`

func (s *Store) Create(ctx context.Context, cert *pki.Certificate) error {
	rec := storage.NewRecord(cert)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO certificates (ca, serial, common_name, not_before, not_after, der, csr, revoked, revoked_at, revoked_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ca, rec.Serial, rec.CommonName, rec.NotBefore, rec.NotAfter,
		rec.DER, rec.CSR, rec.Revoked, rec.RevokedAt, rec.RevokedReason)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", rec.Serial, storage.ErrSerialExists)
	}
	return err
}

func (s *Store) Get(ctx context.Context, serial *big.Int) (*pki.Certificate, error) {
	key := storage.SerialKey(serial)
	row := s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM certificates WHERE ca = $1 AND serial = $2`,
		s.ca, key)
	cert, err := scanCertificate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	return cert, err
}

func (s *Store) List(ctx context.Context, filter storage.Filter) ([]*pki.Certificate, error) {
	var (
		where = []string{"ca = $1"}
		args  = []any{s.ca}
	)
	if filter.RevokedOnly {
		where = append(where, "revoked")
	}
	if filter.CommonName != "" {
		args = append(args, filter.CommonName)
		where = append(where, fmt.Sprintf("common_name = $%d", len(args)))
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM certificates WHERE `+strings.Join(where, " AND ")+` ORDER BY not_before, serial`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*pki.Certificate
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cert)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Hex text ordering differs from numeric ordering for serials of
	// different lengths.
	storage.SortCertificates(out)
	return out, nil
}

func (s *Store) Revoke(ctx context.Context, serial *big.Int, reason pki.RevocationReason, at time.Time) (*pki.Certificate, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	key := storage.SerialKey(serial)
	row := tx.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM certificates WHERE ca = $1 AND serial = $2 FOR UPDATE`,
		s.ca, key)
	cert, err := scanCertificate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := cert.Revoke(reason, at); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE certificates SET revoked = TRUE, revoked_at = $3, revoked_reason = $4
		 WHERE ca = $1 AND serial = $2`,
		s.ca, key, cert.RevokedAt, string(cert.RevokedReason))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return cert, nil
}

func (s *Store) SerialExists(ctx context.Context, serial *big.Int) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM certificates WHERE ca = $1 AND serial = $2)`,
		s.ca, storage.SerialKey(serial)).Scan(&exists)
	return exists, err
}

func (s *Store) NextCRLNumber(ctx context.Context) (*big.Int, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO crl_numbers (ca, last_number) VALUES ($1, 1)
		 ON CONFLICT (ca) DO UPDATE SET last_number = crl_numbers.last_number + 1
		 RETURNING last_number`,
		s.ca).Scan(&n)
	if err != nil {
		return nil, err
	}
	return big.NewInt(n), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func scanCertificate(row pgx.Row) (*pki.Certificate, error) {
	var rec storage.Record
	err := row.Scan(&rec.Serial, &rec.CommonName, &rec.NotBefore, &rec.NotAfter,
		&rec.DER, &rec.CSR, &rec.Revoked, &rec.RevokedAt, &rec.RevokedReason)
	if err != nil {
		return nil, err
	}
	return rec.Certificate()
}
