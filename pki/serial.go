package pki

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"github.com/google/uuid"
)

// DefaultSerialAttempts bounds how many candidate serials are drawn before
// SerialAllocator.Next gives up with ErrSerialCollision.
const DefaultSerialAttempts = 5

// SerialChecker reports whether a serial number is already in use. The
// certificate store implements it.
type SerialChecker interface {
	SerialExists(ctx context.Context, serial *big.Int) (bool, error)
}

// SerialAllocator draws random version 4 UUIDs and uses them as unsigned
// 128-bit serial numbers. Each candidate is checked against the
// SerialChecker, when one is set.
type SerialAllocator struct {
	checker     SerialChecker
	rand        io.Reader
	maxAttempts int
}

// SerialOption configures a SerialAllocator.
type SerialOption func(*SerialAllocator)

// WithSerialChecker sets the store consulted for existing serials.
func WithSerialChecker(c SerialChecker) SerialOption {
	return func(a *SerialAllocator) { a.checker = c }
}

// WithSerialRand replaces crypto/rand as the randomness source.
func WithSerialRand(r io.Reader) SerialOption {
	return func(a *SerialAllocator) { a.rand = r }
}

// WithSerialAttempts overrides DefaultSerialAttempts.
func WithSerialAttempts(n int) SerialOption {
	return func(a *SerialAllocator) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// NewSerialAllocator returns an allocator ready for use.
func NewSerialAllocator(opts ...SerialOption) *SerialAllocator {
	a := &SerialAllocator{
		rand:        rand.Reader,
		maxAttempts: DefaultSerialAttempts,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Next returns a serial number not yet known to the checker.
func (a *SerialAllocator) Next(ctx context.Context) (*big.Int, error) {
	for range a.maxAttempts {
		id, err := uuid.NewRandomFromReader(a.rand)
		if err != nil {
			return nil, fmt.Errorf("generating serial number: %w", err)
		}
		serial := new(big.Int).SetBytes(id[:])
		if a.checker == nil {
			return serial, nil
		}
		exists, err := a.checker.SerialExists(ctx, serial)
		if err != nil {
			return nil, fmt.Errorf("checking serial number: %w", err)
		}
		if !exists {
			return serial, nil
		}
	}
	return nil, fmt.Errorf("%w: %d attempts exhausted", ErrSerialCollision, a.maxAttempts)
}
