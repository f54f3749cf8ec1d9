package crypto

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

// CommitPoint is the group-element half of a Schnorr pre-signature,
// R = r*G.
type CommitPoint struct {
	Point
}

// Challenge is the Fiat-Shamir scalar c = H(R_agg || K_agg || payload).
type Challenge struct {
	Scalar
}

// Response is the scalar half of a Schnorr signature, s = r - c*x.
type Response struct {
	Scalar
}

// Signature is a Schnorr signature pair (c, s), 64 bytes encoded.
type Signature struct {
	C Challenge
	S Response
}

// SignatureSize is the encoded width of a Signature: 32-byte challenge
// followed by 32-byte response.
const SignatureSize = ScalarSize * 2

// Bytes returns the 64-byte c||s encoding.
func (sig Signature) Bytes() [SignatureSize]byte {
	var out [SignatureSize]byte
	c := sig.C.Bytes()
	s := sig.S.Bytes()
	copy(out[:ScalarSize], c[:])
	copy(out[ScalarSize:], s[:])
	return out
}

// SignatureFromBytes parses a 64-byte c||s encoding.
func SignatureFromBytes(b []byte) (Signature, error) {
	if len(b) != SignatureSize {
		return Signature{}, errors.Errorf("crypto: signature must be %d bytes, got %d", SignatureSize, len(b))
	}
	c, err := ScalarFromBytes(b[:ScalarSize])
	if err != nil {
		return Signature{}, errors.Wrap(err, "decoding challenge half")
	}
	s, err := ScalarFromBytes(b[ScalarSize:])
	if err != nil {
		return Signature{}, errors.Wrap(err, "decoding response half")
	}
	return Signature{C: Challenge{c}, S: Response{s}}, nil
}

// ErrCommitSecretConsumed is returned when a CommitSecret is used a second
// time. A nonce answers exactly one challenge before it is destroyed.
var ErrCommitSecretConsumed = errors.New("crypto: commit secret already consumed")

// CommitSecret is the ephemeral nonce r, single-use per round per backup.
// It must be erased immediately after producing a Response.
type CommitSecret struct {
	mu     sync.Mutex
	r      Scalar
	erased bool
}

// GenerateCommitSecret draws a fresh ephemeral nonce from rng.
func GenerateCommitSecret(rng io.Reader) (*CommitSecret, error) {
	r, err := RandomScalar(rng)
	if err != nil {
		return nil, err
	}
	return &CommitSecret{r: r}, nil
}

// Point returns R = r*G. Safe to call repeatedly before the secret is
// consumed; the secret itself is not touched.
func (c *CommitSecret) Point() (CommitPoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.erased {
		return CommitPoint{}, ErrCommitSecretConsumed
	}
	return CommitPoint{Point: basePointMul(c.r)}, nil
}

// Respond computes s = r - c*x and erases r. It can only be called once.
func (c *CommitSecret) Respond(challenge Challenge, priv PrivKey) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.erased {
		return Response{}, ErrCommitSecretConsumed
	}
	s := c.r.Sub(challenge.Scalar.Mul(priv.s))
	c.eraseLocked()
	return Response{s}, nil
}

// Erase destroys the nonce without producing a response, e.g. on an ERROR
// transition where the instance abandons the round.
func (c *CommitSecret) Erase() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eraseLocked()
}

func (c *CommitSecret) eraseLocked() {
	if c.erased {
		return
	}
	b := c.r.Bytes()
	zero(b[:])
	c.r = Scalar{}
	c.erased = true
}

// Erased reports whether the secret has already been consumed or discarded.
func (c *CommitSecret) Erased() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.erased
}
