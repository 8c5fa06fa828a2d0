package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/ironca/ca"
	"github.com/jmcleod/ironca/config"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
	bboltstorage "github.com/jmcleod/ironca/storage/bbolt"
	"github.com/jmcleod/ironca/storage/memory"
	"github.com/jmcleod/ironca/storage/postgres"
)

// bboltLockTimeout bounds how long a CLI command waits for a running
// server to release the database file.
const bboltLockTimeout = 2 * time.Second

// instance is an opened CA service plus whatever must be released after
// the command finishes.
type instance struct {
	cfg    *config.Config
	logger *slog.Logger
	svc    *ca.Service
	close  func()
}

func (o *globalOptions) open(ctx context.Context, logOut io.Writer) (*instance, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logging.NewLogger(logOut)

	authority, err := loadAuthority(cfg.CA)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	svc, err := ca.New(authority, store,
		ca.WithLogger(logger.With("ca", cfg.CA.Name)),
		ca.WithIssuerOptions(
			pki.WithDefaultValidityDays(cfg.CA.ValidityDays),
			pki.WithDefaultDigest(cfg.CA.Digest),
		),
		ca.WithCRLOptions(
			pki.WithCRLDigest(cfg.CRL.Digest),
			pki.WithCRLValidity(cfg.CRL.Validity),
		),
	)
	if err != nil {
		closeStore()
		return nil, err
	}
	return &instance{cfg: cfg, logger: logger, svc: svc, close: closeStore}, nil
}

func loadAuthority(cfg config.CAConfig) (*pki.CertificateAuthority, error) {
	certPEM, err := os.ReadFile(cfg.Certificate)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("reading CA private key: %w", err)
	}
	return pki.LoadAuthority(certPEM, keyPEM, pki.NewSoftwareKeyStore())
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		return memory.NewStore(), func() {}, nil
	case config.DriverBBolt:
		s, err := bboltstorage.NewStoreFromFile(cfg.Storage.Path, cfg.CA.Name, &bbolt.Options{Timeout: bboltLockTimeout})
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.DriverPostgres:
		s, err := postgres.NewStoreFromDSN(ctx, cfg.Storage.DSN, cfg.CA.Name)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
