package crypto

import "github.com/pkg/errors"

// ErrEmptyAggregate is returned by the aggregation operations when given
// no participants.
var ErrEmptyAggregate = errors.New("crypto: cannot aggregate an empty set")

// AggregatePubKeys sums a set of public keys: K_agg = sum(K_i).
func AggregatePubKeys(keys []PubKey) (PubKey, error) {
	if len(keys) == 0 {
		return PubKey{}, ErrEmptyAggregate
	}
	sum := keys[0].p
	for _, k := range keys[1:] {
		sum = sum.Add(k.p)
	}
	if sum.IsIdentity() {
		return PubKey{}, ErrIdentityPoint
	}
	return PubKey{p: sum}, nil
}

// AggregateCommits sums a set of commit points: R_agg = sum(R_i).
func AggregateCommits(commits []CommitPoint) (CommitPoint, error) {
	if len(commits) == 0 {
		return CommitPoint{}, ErrEmptyAggregate
	}
	sum := commits[0].Point
	for _, c := range commits[1:] {
		sum = sum.Add(c.Point)
	}
	if sum.IsIdentity() {
		return CommitPoint{}, ErrIdentityPoint
	}
	return CommitPoint{Point: sum}, nil
}

// AggregateResponses sums a set of responses modulo the group order:
// s_agg = sum(s_i).
func AggregateResponses(responses []Response) (Response, error) {
	if len(responses) == 0 {
		return Response{}, ErrEmptyAggregate
	}
	sum := responses[0].Scalar
	for _, r := range responses[1:] {
		sum = sum.Add(r.Scalar)
	}
	return Response{sum}, nil
}

// AggregateSign pairs a challenge with an aggregated response to form the
// collective signature (c, s_agg). Trivial by construction — the actual
// cryptographic work already happened in AggregateResponses and the
// per-backup Respond calls that fed it.
func AggregateSign(challenge Challenge, aggregatedResponse Response) Signature {
	return Signature{C: challenge, S: aggregatedResponse}
}

// VerifyResponse checks a single backup's Response against the round's
// challenge, the backup's own commit point and its public key, before that
// response is folded into an aggregate. This is the check that lets the
// leader localize blame: s*G + c*K == R. Without it, one malformed
// response poisons AggregateResponses' sum and the resulting CS1/CS2 fails
// verification with no way to tell which participant caused it.
func VerifyResponse(response Response, challenge Challenge, pub PubKey, commit CommitPoint) bool {
	lhs := basePointMul(response.Scalar).Add(scalarMulPoint(challenge.Scalar, pub.p))
	rhs := commit.Point
	if lhs.IsIdentity() || rhs.IsIdentity() {
		return lhs.IsIdentity() && rhs.IsIdentity()
	}
	lhsBytes, err1 := lhs.Bytes()
	rhsBytes, err2 := rhs.Bytes()
	if err1 != nil || err2 != nil {
		return false
	}
	return lhsBytes == rhsBytes
}

// VerifyCollectiveSig verifies an aggregated Signature (CS1 or CS2) against
// the payload it was produced over and the aggregated public key of the
// bitmap that signed it. Unlike Verify (which uses the per-message
// signTag domain), this recomputes the challenge in the same challengeTag
// domain BuildChallenge uses, matching the round's Fiat-Shamir transcript.
func VerifyCollectiveSig(payload []byte, sig Signature, aggregatedKey PubKey) bool {
	rPrime := basePointMul(sig.S.Scalar).Add(scalarMulPoint(sig.C.Scalar, aggregatedKey.p))
	kBytes, err := aggregatedKey.Bytes()
	if err != nil {
		return false
	}
	rBytes, err := rPrime.Bytes()
	if err != nil {
		return false
	}
	expected := hashToScalar(challengeTag, rBytes[:], kBytes[:], payload)
	return expected.Equal(sig.C.Scalar)
}
