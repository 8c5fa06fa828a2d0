package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ironca/storage"
	"github.com/jmcleod/ironca/storage/storetest"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("IRONCA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("IRONCA_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("could not connect to postgres: %v", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("could not ensure schema: %v", err)
	}

	// Clean tables for test isolation.
	pool.Exec(ctx, "DELETE FROM certificates") //nolint:errcheck
	pool.Exec(ctx, "DELETE FROM crl_numbers")  //nolint:errcheck

	t.Cleanup(func() {
		pool.Exec(ctx, "DELETE FROM certificates") //nolint:errcheck
		pool.Exec(ctx, "DELETE FROM crl_numbers")  //nolint:errcheck
		pool.Close()
	})
	return pool
}

func TestPostgresStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		return NewStore(newTestPool(t), "test-ca")
	})
}

func TestPostgresStore_SeparateAuthorities(t *testing.T) {
	pool := newTestPool(t)
	ctx := t.Context()
	first := NewStore(pool, "first")
	second := NewStore(pool, "second")

	cert := storetest.Certificate(t, "scoped.example.com")
	if err := first.Create(ctx, cert); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	// The same serial under a different CA is a different row.
	if err := second.Create(ctx, cert); err != nil {
		t.Fatalf("Create under second CA failed: %v", err)
	}

	n1, err := first.NextCRLNumber(ctx)
	if err != nil {
		t.Fatalf("NextCRLNumber failed: %v", err)
	}
	n2, err := second.NextCRLNumber(ctx)
	if err != nil {
		t.Fatalf("NextCRLNumber failed: %v", err)
	}
	if n1.Int64() != 1 || n2.Int64() != 1 {
		t.Errorf("expected independent CRL counters starting at 1, got %v and %v", n1, n2)
	}
}
