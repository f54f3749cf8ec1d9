package consensus

import "github.com/pkg/errors"

// Error taxonomy. Each is a sentinel created with errors.New so
// callers can compare with errors.Is/errors.Cause after this package wraps
// it with structural detail (errors.Wrapf).
var (
	// ErrMalformedMessage: insufficient length or decode failure. Recovered
	// locally by dropping the message.
	ErrMalformedMessage = errors.New("consensus: malformed message")

	// ErrInvalidState: message inappropriate for the current state.
	// Recovered locally by dropping the message.
	ErrInvalidState = errors.New("consensus: message invalid for current state")

	// ErrInvalidSignature: peer signature fails verification. Dropped.
	ErrInvalidSignature = errors.New("consensus: invalid signature")

	// ErrInvalidAggregate: post-aggregation collective signature
	// verification fails. Fatal for the instance.
	ErrInvalidAggregate = errors.New("consensus: aggregate signature failed verification")

	// ErrChallengeMismatch: backup's recomputed challenge differs from the
	// one received. Fatal for the backup.
	ErrChallengeMismatch = errors.New("consensus: recomputed challenge does not match received challenge")

	// ErrDuplicateParticipant: peer already contributed to the current
	// phase. Dropped.
	ErrDuplicateParticipant = errors.New("consensus: duplicate participant")

	// ErrPayloadRejected: the host's validator declined the payload. Fatal
	// for the backup; triggers COMMIT-FAILURE.
	ErrPayloadRejected = errors.New("consensus: payload rejected by validator")

	// ErrQuorumImpossible: enough commit-failures received that quorum can
	// no longer be reached. Fatal for the leader; triggers
	// CONSENSUS-FAILURE.
	ErrQuorumImpossible = errors.New("consensus: quorum no longer reachable")

	// ErrEmptyPayload: StartConsensus called with no payload.
	ErrEmptyPayload = errors.New("consensus: payload must not be empty")

	// ErrNotInSubset: a response arrived from a backup not in the
	// addressed subset's member bitmap, or a round-2 commit arrived from a
	// backup not in B1.
	ErrNotInSubset = errors.New("consensus: sender not a member of this subset")

	// ErrUnknownSubset: a message referenced a subset_id this instance has
	// no record of.
	ErrUnknownSubset = errors.New("consensus: unknown subset id")

	// ErrUnknownSender: a message's leader/backup id did not match the
	// expected party or its actual sender, or named no committee member
	// (consensus_id/block_hash mismatches are ErrSessionMismatch).
	ErrUnknownSender = errors.New("consensus: sender is not a recognized committee member")

	// ErrSessionMismatch: consensus_id or block_hash does not match this
	// instance.
	ErrSessionMismatch = errors.New("consensus: consensus_id or block_hash does not match this session")
)
