// Package bbolt provides a BBolt-backed certificate store.
package bbolt

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
)

// DefaultBucket is used when no CA name is given.
const DefaultBucket = "default"

// Store implements storage.Store backed by a BBolt database. Each CA has
// its own top-level bucket keyed by serial hex; the bucket's sequence is the
// CRL number counter.
type Store struct {
	db     *bbolt.DB
	bucket []byte
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store for the CA named caName in db.
func NewStore(db *bbolt.DB, caName string) (*Store, error) {
	if caName == "" {
		caName = DefaultBucket
	}
	s := &Store{db: db, bucket: []byte(caName)}
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating bucket %q: %w", caName, err)
	}
	return s, nil
}

// NewStoreFromFile opens a BBolt database at the given path and returns a new Store.
func NewStoreFromFile(path, caName string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewStore(db, caName)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) getBucket(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	b := tx.Bucket(s.bucket)
	if b == nil {
		return nil, fmt.Errorf("bucket %q missing", s.bucket)
	}
	return b, nil
}

func (s *Store) Create(ctx context.Context, cert *pki.Certificate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := storage.MarshalCertificate(cert)
	if err != nil {
		return err
	}
	key := []byte(storage.SerialKey(cert.Serial))
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := s.getBucket(tx)
		if err != nil {
			return err
		}
		if b.Get(key) != nil {
			return fmt.Errorf("%s: %w", key, storage.ErrSerialExists)
		}
		return b.Put(key, data)
	})
}

func (s *Store) Get(ctx context.Context, serial *big.Int) (*pki.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var cert *pki.Certificate
	key := []byte(storage.SerialKey(serial))
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := s.getBucket(tx)
		if err != nil {
			return err
		}
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("%s: %w", key, storage.ErrNotFound)
		}
		cert, err = storage.UnmarshalCertificate(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cert, nil
}

func (s *Store) List(ctx context.Context, filter storage.Filter) ([]*pki.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*pki.Certificate
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := s.getBucket(tx)
		if err != nil {
			return err
		}
		return b.ForEach(func(_, v []byte) error {
			cert, err := storage.UnmarshalCertificate(v)
			if err != nil {
				return err
			}
			if filter.Match(cert) {
				out = append(out, cert)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	storage.SortCertificates(out)
	return out, nil
}

func (s *Store) Revoke(ctx context.Context, serial *big.Int, reason pki.RevocationReason, at time.Time) (*pki.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var cert *pki.Certificate
	key := []byte(storage.SerialKey(serial))
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := s.getBucket(tx)
		if err != nil {
			return err
		}
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("%s: %w", key, storage.ErrNotFound)
		}
		cert, err = storage.UnmarshalCertificate(data)
		if err != nil {
			return err
		}
		if err := cert.Revoke(reason, at); err != nil {
			return err
		}
		updated, err := storage.MarshalCertificate(cert)
		if err != nil {
			return err
		}
		return b.Put(key, updated)
	})
	if err != nil {
		return nil, err
	}
	return cert, nil
}

func (s *Store) SerialExists(ctx context.Context, serial *big.Int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var exists bool
	key := []byte(storage.SerialKey(serial))
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := s.getBucket(tx)
		if err != nil {
			return err
		}
		exists = b.Get(key) != nil
		return nil
	})
	return exists, err
}

func (s *Store) NextCRLNumber(ctx context.Context) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var seq uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := s.getBucket(tx)
		if err != nil {
			return err
		}
		seq, err = b.NextSequence()
		return err
	})
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(seq), nil
}
