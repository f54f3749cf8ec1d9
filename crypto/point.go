package crypto

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"
)

// PointSize is the compressed SEC1 encoding width of a Point.
const PointSize = 33

// ErrMalformedPoint is returned when a byte slice does not decode to a
// valid point on the curve.
var ErrMalformedPoint = errors.New("crypto: malformed or off-curve point encoding")

// ErrIdentityPoint is returned by operations that require a non-identity
// result.
var ErrIdentityPoint = errors.New("crypto: unexpected identity element")

// Point is an element of the secp256k1 group, held in Jacobian coordinates,
// the form btcec's point arithmetic takes. Add normalizes both operands to
// affine coordinates (one field inversion each) before every addition.
type Point struct {
	inner btcec.JacobianPoint
}

// basePointMul returns s*G.
func basePointMul(s Scalar) Point {
	var p Point
	btcec.ScalarBaseMultNonConst(&s.inner, &p.inner)
	return p
}

// Add returns the group sum of p and other.
func (p Point) Add(other Point) Point {
	var r Point
	a, b := p.inner, other.inner
	a.ToAffine()
	b.ToAffine()
	btcec.AddNonConst(&a, &b, &r.inner)
	return r
}

// IsIdentity reports whether p is the point at infinity.
func (p Point) IsIdentity() bool {
	a := p.inner
	a.ToAffine()
	return a.X.IsZero() && a.Y.IsZero()
}

// Bytes returns the 33-byte compressed SEC1 encoding of p. Returns
// ErrIdentityPoint if p is the identity, since the identity has no valid
// compressed encoding.
func (p Point) Bytes() ([PointSize]byte, error) {
	var out [PointSize]byte
	a := p.inner
	a.ToAffine()
	if a.X.IsZero() && a.Y.IsZero() {
		return out, ErrIdentityPoint
	}
	pub := btcec.NewPublicKey(&a.X, &a.Y)
	copy(out[:], pub.SerializeCompressed())
	return out, nil
}

// PointFromBytes parses a 33-byte compressed SEC1 encoding, rejecting
// encodings that do not correspond to a point on the curve.
func PointFromBytes(b []byte) (Point, error) {
	if len(b) != PointSize {
		return Point{}, errors.Wrapf(ErrMalformedPoint, "want %d bytes, got %d", PointSize, len(b))
	}
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		return Point{}, errors.Wrap(ErrMalformedPoint, err.Error())
	}
	var p Point
	pub.AsJacobian(&p.inner)
	return p, nil
}
