// Package crypto implements the Schnorr multi-signature primitives the
// consensus core composes: keys, commitments, challenges, responses and
// their aggregation laws.
//
// The group is secp256k1, via btcec/v2. The wire format carries 33-byte
// compressed SEC1 points and 32-byte big-endian scalars throughout.
package crypto

import (
	"crypto/subtle"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"
)

// ScalarSize is the canonical encoded width of a Scalar.
const ScalarSize = 32

// ErrMalformedScalar is returned when a byte slice cannot be parsed into a
// canonical Scalar encoding.
var ErrMalformedScalar = errors.New("crypto: malformed scalar encoding")

// Scalar is an element of the secp256k1 scalar field.
type Scalar struct {
	inner btcec.ModNScalar
}

// ScalarFromBytes parses the canonical 32-byte big-endian encoding of a
// Scalar. The value is reduced modulo the group order, matching the
// behaviour of btcec.ModNScalar.SetByteSlice.
func ScalarFromBytes(b []byte) (Scalar, error) {
	if len(b) != ScalarSize {
		return Scalar{}, errors.Wrapf(ErrMalformedScalar, "want %d bytes, got %d", ScalarSize, len(b))
	}
	var s Scalar
	s.inner.SetByteSlice(b)
	return s, nil
}

// Bytes returns the canonical 32-byte big-endian encoding of s.
func (s Scalar) Bytes() [ScalarSize]byte {
	return s.inner.Bytes()
}

// Add returns s + other mod N.
func (s Scalar) Add(other Scalar) Scalar {
	var r Scalar
	r.inner.Set(&s.inner)
	r.inner.Add(&other.inner)
	return r
}

// Sub returns s - other mod N.
func (s Scalar) Sub(other Scalar) Scalar {
	var neg btcec.ModNScalar
	neg.Set(&other.inner)
	neg.Negate()
	var r Scalar
	r.inner.Set(&s.inner)
	r.inner.Add(&neg)
	return r
}

// Mul returns s * other mod N.
func (s Scalar) Mul(other Scalar) Scalar {
	var r Scalar
	r.inner.Set(&s.inner)
	r.inner.Mul(&other.inner)
	return r
}

// IsZero reports whether s is the additive identity.
func (s Scalar) IsZero() bool {
	return s.inner.IsZero()
}

// Equal performs a constant-time comparison of two scalars. Used to compare
// a recomputed Fiat-Shamir challenge against one received over the wire,
// where timing leaks about *which byte* differs are undesirable for the
// same reason they are for any secret comparison.
func (s Scalar) Equal(other Scalar) bool {
	a := s.Bytes()
	b := other.Bytes()
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// RandomScalar draws a uniformly random, non-zero Scalar from rng. Rejection
// sampling is used to avoid the modulo bias of naively reducing a 256-bit
// string into a field whose order is not a power of two.
func RandomScalar(rng io.Reader) (Scalar, error) {
	buf := make([]byte, ScalarSize)
	for i := 0; i < 256; i++ {
		if _, err := io.ReadFull(rng, buf); err != nil {
			return Scalar{}, errors.Wrap(err, "crypto: reading randomness")
		}
		var s btcec.ModNScalar
		overflow := s.SetByteSlice(buf)
		if overflow || s.IsZero() {
			continue
		}
		return Scalar{inner: s}, nil
	}
	return Scalar{}, errors.New("crypto: failed to derive a non-biased scalar after many attempts")
}

// zero overwrites b's backing array. Best-effort: Go's GC may retain other
// copies taken before this call, but it removes the value from the one
// buffer the caller is done with.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
