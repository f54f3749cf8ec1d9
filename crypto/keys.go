package crypto

import "io"

// PrivKey wraps a Scalar. It is never serialized off-device — there is
// deliberately no PrivKey.Bytes().
type PrivKey struct {
	s Scalar
}

// PubKey wraps a Point.
type PubKey struct {
	p Point
}

// GeneratePrivKey draws a fresh private key from rng.
func GeneratePrivKey(rng io.Reader) (PrivKey, error) {
	s, err := RandomScalar(rng)
	if err != nil {
		return PrivKey{}, err
	}
	return PrivKey{s: s}, nil
}

// Public derives the public key K = x*G for private key x.
func (k PrivKey) Public() PubKey {
	return PubKey{p: basePointMul(k.s)}
}

// Bytes returns the 33-byte compressed encoding of the public key.
func (k PubKey) Bytes() ([PointSize]byte, error) {
	return k.p.Bytes()
}

// PubKeyFromBytes parses a compressed public key.
func PubKeyFromBytes(b []byte) (PubKey, error) {
	p, err := PointFromBytes(b)
	if err != nil {
		return PubKey{}, err
	}
	return PubKey{p: p}, nil
}

// PubKeyFromPoint wraps an already-parsed Point as a PubKey, for callers
// (e.g. the consensus wire codec) that decode a Point directly rather than
// going through PubKeyFromBytes.
func PubKeyFromPoint(p Point) PubKey {
	return PubKey{p: p}
}

// Equal compares two public keys by their underlying point.
func (k PubKey) Equal(other PubKey) bool {
	ka, errA := k.Bytes()
	kb, errB := other.Bytes()
	if errA != nil || errB != nil {
		return errA == errB
	}
	return ka == kb
}
