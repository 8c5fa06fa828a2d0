// Package memory provides a thread-safe in-memory implementation of storage.Store.
package memory

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
)

// Store is a thread-safe in-memory implementation of storage.Store.
// Suitable for testing, demos, and single-process use cases.
type Store struct {
	mu        sync.RWMutex
	certs     map[string]*pki.Certificate
	crlNumber *big.Int
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a new empty in-memory Store.
func NewStore() *Store {
	return &Store{
		certs:     make(map[string]*pki.Certificate),
		crlNumber: new(big.Int),
	}
}

func (s *Store) Create(_ context.Context, cert *pki.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storage.SerialKey(cert.Serial)
	if _, ok := s.certs[key]; ok {
		return fmt.Errorf("%s: %w", key, storage.ErrSerialExists)
	}
	s.certs[key] = cert.Clone()
	return nil
}

func (s *Store) Get(_ context.Context, serial *big.Int) (*pki.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := storage.SerialKey(serial)
	cert, ok := s.certs[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	return cert.Clone(), nil
}

func (s *Store) List(_ context.Context, filter storage.Filter) ([]*pki.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*pki.Certificate
	for _, cert := range s.certs {
		if filter.Match(cert) {
			out = append(out, cert.Clone())
		}
	}
	storage.SortCertificates(out)
	return out, nil
}

func (s *Store) Revoke(_ context.Context, serial *big.Int, reason pki.RevocationReason, at time.Time) (*pki.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storage.SerialKey(serial)
	cert, ok := s.certs[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	updated := cert.Clone()
	if err := updated.Revoke(reason, at); err != nil {
		return nil, err
	}
	s.certs[key] = updated
	return updated.Clone(), nil
}

func (s *Store) SerialExists(_ context.Context, serial *big.Int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.certs[storage.SerialKey(serial)]
	return ok, nil
}

func (s *Store) NextCRLNumber(_ context.Context) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crlNumber.Add(s.crlNumber, big.NewInt(1))
	return new(big.Int).Set(s.crlNumber), nil
}
