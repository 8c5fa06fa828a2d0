// Package storage defines where issued certificate records live.
//
// Three backends are provided: memory (tests and single-process use), bbolt
// (embedded, single node) and postgres (shared by several signers). All of
// them enforce serial number uniqueness on Create, which is the final check
// against two concurrent issuances picking the same serial.
package storage

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/jmcleod/ironca/pki"
)

var (
	// ErrNotFound is returned when no certificate has the requested serial.
	ErrNotFound = errors.New("certificate not found")

	// ErrSerialExists is returned by Create when the serial is already
	// stored.
	ErrSerialExists = errors.New("serial number already exists")

	// ErrInvalidSerial is returned when a serial number string is not hex.
	ErrInvalidSerial = errors.New("invalid serial number")
)

// Filter narrows List results. The zero value matches every record.
type Filter struct {
	RevokedOnly bool
	CommonName  string
}

// Match reports whether cert passes the filter.
func (f Filter) Match(cert *pki.Certificate) bool {
	if f.RevokedOnly && !cert.Revoked {
		return false
	}
	if f.CommonName != "" && f.CommonName != cert.CommonName {
		return false
	}
	return true
}

// Store persists certificate records for a single CA.
type Store interface {
	// Create stores a newly issued certificate. It fails with
	// ErrSerialExists when the serial is taken.
	Create(ctx context.Context, cert *pki.Certificate) error

	// Get returns the record for serial, or ErrNotFound.
	Get(ctx context.Context, serial *big.Int) (*pki.Certificate, error)

	// List returns every record matching the filter, ordered by NotBefore
	// then serial.
	List(ctx context.Context, filter Filter) ([]*pki.Certificate, error)

	// Revoke marks the record revoked and returns the updated record. It
	// fails with ErrNotFound or pki.ErrAlreadyRevoked.
	Revoke(ctx context.Context, serial *big.Int, reason pki.RevocationReason, at time.Time) (*pki.Certificate, error)

	// SerialExists reports whether serial is stored.
	SerialExists(ctx context.Context, serial *big.Int) (bool, error)

	// NextCRLNumber returns a number strictly greater than every number it
	// returned before.
	NextCRLNumber(ctx context.Context) (*big.Int, error)
}

// Compile-time check that a Store can back serial allocation.
var _ pki.SerialChecker = (Store)(nil)
