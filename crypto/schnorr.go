package crypto

import (
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
)

// messageChallenge computes the single-party analog of BuildChallenge used
// by Sign/Verify: c = H(R || K || message). It uses a distinct domain tag
// from BuildChallenge so a per-backup message signature can never be
// replayed as a multisig round challenge or vice versa.
func messageChallenge(message []byte, r CommitPoint, k PubKey) (Challenge, error) {
	rBytes, err := r.Bytes()
	if err != nil {
		return Challenge{}, err
	}
	kBytes, err := k.Bytes()
	if err != nil {
		return Challenge{}, err
	}
	return Challenge{hashToScalar(signTag, rBytes[:], kBytes[:], message)}, nil
}

// Sign produces a standard single-signer Schnorr signature over message
// using a fresh nonce drawn from rng.
func Sign(message []byte, priv PrivKey, pub PubKey, rng io.Reader) (Signature, error) {
	nonce, err := GenerateCommitSecret(rng)
	if err != nil {
		return Signature{}, err
	}
	r, err := nonce.Point()
	if err != nil {
		return Signature{}, err
	}
	c, err := messageChallenge(message, r, pub)
	if err != nil {
		return Signature{}, err
	}
	s, err := nonce.Respond(c, priv)
	if err != nil {
		return Signature{}, err
	}
	return Signature{C: c, S: s}, nil
}

// Verify checks a Signature produced by Sign. It recomputes R' = s*G + c*K
// and accepts iff H(R'||K||message) == c — equivalently s*G + c*K == R.
// The hash is in the per-message signTag domain, so a collective signature
// from AggregateSign does not verify here; use VerifyCollectiveSig for those.
func Verify(message []byte, sig Signature, pub PubKey) bool {
	rPrime := basePointMul(sig.S.Scalar).Add(scalarMulPoint(sig.C.Scalar, pub.p))
	expectedChallenge, err := messageChallenge(message, CommitPoint{Point: rPrime}, pub)
	if err != nil {
		return false
	}
	return expectedChallenge.Equal(sig.C.Scalar)
}

// scalarMulPoint returns k*P.
func scalarMulPoint(k Scalar, p Point) Point {
	var result Point
	a := p.inner
	a.ToAffine()
	btcec.ScalarMultNonConst(&k.inner, &a, &result.inner)
	return result
}
