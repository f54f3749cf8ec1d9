package consensus

import (
	"context"

	"github.com/harmony-one/shard-consensus/bitmap"
	"github.com/harmony-one/shard-consensus/crypto"
	"github.com/pkg/errors"
)

// Backup drives the backup side of one consensus instance. It
// embeds *Base for session state and the shared signing/verifying helpers.
type Backup struct {
	*Base

	leaderID         uint16
	payloadValidator PayloadValidator

	commitSecretRound1 *crypto.CommitSecret
	commitSecretRound2 *crypto.CommitSecret
	commitPointRound1  crypto.CommitPoint
	commitPointRound2  crypto.CommitPoint

	// subsetProgress records, per subset_id, which of the leader's
	// candidate subsets this backup has answered. A backup answers at
	// most one CHALLENGE per round: each round's COMMIT carries exactly
	// one commit point, and the nonce behind it is single-use —
	// producing responses to two subsets' distinct challenges from the
	// same nonce would let anyone solve for the private key. Challenges
	// from further subsets are dropped as out-of-state.
	subsetProgress map[uint16]SubsetState
}

// NewBackup constructs a Backup instance bound to leaderID.
func NewBackup(cfg BaseConfig, leaderID uint16, payloadValidator PayloadValidator) *Backup {
	return &Backup{
		Base:             newBase(cfg),
		leaderID:         leaderID,
		payloadValidator: payloadValidator,
		subsetProgress:   make(map[uint16]SubsetState),
	}
}

// ProcessMessage dispatches an inbound message body to the appropriate
// handler based on its leading MessageType byte.
func (bk *Backup) ProcessMessage(ctx context.Context, data []byte, offset int, sender uint16) error {
	if offset < 0 || offset > len(data) {
		return ErrMalformedMessage
	}
	body := data[offset:]
	if len(body) < 1 {
		return ErrMalformedMessage
	}

	bk.mu.Lock()
	defer bk.mu.Unlock()

	switch MessageType(body[0]) {
	case MsgAnnounce:
		return bk.handleAnnounce(ctx, body, sender)
	case MsgChallenge:
		return bk.handleChallenge(ctx, body, sender, 1)
	case MsgCollectiveSig:
		return bk.handleCollectiveSig(ctx, body, sender)
	case MsgFinalChallenge:
		return bk.handleChallenge(ctx, body, sender, 2)
	case MsgFinalCollectiveSig:
		return bk.handleFinalCollectiveSig(ctx, body, sender)
	default:
		return ErrMalformedMessage
	}
}

func (bk *Backup) sessionMatches(consensusID uint32, blockHash [32]byte) bool {
	return consensusID == bk.ConsensusID && blockHash == bk.BlockHash
}

// failLocked moves the instance to its terminal ERROR state and destroys
// any live commit secrets, so no usable nonce outlives the instance.
// Callers must already hold mu.
func (bk *Backup) failLocked() {
	if bk.commitSecretRound1 != nil {
		bk.commitSecretRound1.Erase()
	}
	if bk.commitSecretRound2 != nil {
		bk.commitSecretRound2.Erase()
	}
	bk.setState(StateError)
}

// handleAnnounce processes an ANNOUNCE body.
func (bk *Backup) handleAnnounce(ctx context.Context, body []byte, sender uint16) error {
	if bk.state != StateInitial {
		return ErrInvalidState
	}
	signed, sig, err := splitSignature(body)
	if err != nil {
		return err
	}
	fields, err := decodeAnnounceUnsigned(signed)
	if err != nil {
		return err
	}
	if !bk.sessionMatches(fields.ConsensusID, fields.BlockHash) {
		return ErrSessionMismatch
	}
	if fields.LeaderID != bk.leaderID || sender != bk.leaderID {
		return ErrUnknownSender
	}

	if errBody, verr := bk.payloadValidator.ValidatePayload(fields.Payload); verr != nil {
		bk.failLocked()
		if failErr := bk.sendCommitFailure(ctx, errBody); failErr != nil {
			bk.Log.Warn().Err(failErr).Msg("failed to send COMMIT-FAILURE")
		}
		return errors.Wrap(ErrPayloadRejected, verr.Error())
	}

	if err := bk.verifyMessage(signed, sig, bk.leaderID); err != nil {
		return err
	}

	secret, err := crypto.GenerateCommitSecret(bk.rng)
	if err != nil {
		return errors.Wrap(err, "generating round-1 commit secret")
	}
	point, err := secret.Point()
	if err != nil {
		return errors.Wrap(err, "deriving round-1 commit point")
	}
	bk.commitSecretRound1 = secret
	bk.commitPointRound1 = point
	bk.payload = fields.Payload

	unsigned, err := encodeCommitUnsigned(MsgCommit, commitFields{
		ConsensusID: bk.ConsensusID,
		BlockHash:   bk.BlockHash,
		BackupID:    bk.MyID,
		Commit:      point,
	})
	if err != nil {
		return errors.Wrap(err, "encoding COMMIT")
	}
	commitSig, err := bk.signMessage(unsigned)
	if err != nil {
		return errors.Wrap(err, "signing COMMIT")
	}
	sigBytes := commitSig.Bytes()
	wire := append(unsigned, sigBytes[:]...)

	bk.setState(StateCommitDone)
	return bk.Sender.Send(ctx, bk.Committee[bk.leaderID].Addr, wire)
}

func (bk *Backup) sendCommitFailure(ctx context.Context, errBody []byte) error {
	unsigned := encodeCommitFailureUnsigned(commitFailureFields{
		ConsensusID: bk.ConsensusID,
		BlockHash:   bk.BlockHash,
		BackupID:    bk.MyID,
		ErrorBody:   errBody,
	})
	sig, err := bk.signMessage(unsigned)
	if err != nil {
		return err
	}
	sigBytes := sig.Bytes()
	wire := append(unsigned, sigBytes[:]...)
	return bk.Sender.Send(ctx, bk.Committee[bk.leaderID].Addr, wire)
}

// handleChallenge processes a CHALLENGE (round 1) or FINALCHALLENGE
// (round 2) body.
func (bk *Backup) handleChallenge(ctx context.Context, body []byte, sender uint16, round int) error {
	// One CHALLENGE answered per round: once the state has advanced to
	// RESPONSE_DONE the round's nonce is spent, and a sibling subset's
	// challenge (different R_agg/K_agg, hence different c) can no longer
	// be answered safely. Such challenges are dropped with ErrInvalidState;
	// they do not move the instance to ERROR.
	if round == 1 {
		if bk.state != StateCommitDone {
			return ErrInvalidState
		}
	} else {
		if bk.state != StateFinalCommitDone {
			return ErrInvalidState
		}
	}
	signed, sig, err := splitSignature(body)
	if err != nil {
		return err
	}
	wantType := MsgChallenge
	if round == 2 {
		wantType = MsgFinalChallenge
	}
	fields, err := decodeChallengeUnsigned(wantType, signed)
	if err != nil {
		return err
	}
	if !bk.sessionMatches(fields.ConsensusID, fields.BlockHash) {
		return ErrSessionMismatch
	}
	if fields.LeaderID != bk.leaderID || sender != bk.leaderID {
		return ErrUnknownSender
	}
	if err := bk.verifyMessage(signed, sig, bk.leaderID); err != nil {
		return err
	}

	recomputed, err := bk.buildChallenge(bk.payload, fields.AggregatedCommit, fields.AggregatedKey)
	if err != nil {
		bk.failLocked()
		return err
	}
	if !recomputed.Equal(fields.Challenge.Scalar) {
		bk.failLocked()
		return ErrChallengeMismatch
	}

	secret := bk.commitSecretRound1
	if round == 2 {
		secret = bk.commitSecretRound2
	}
	response, err := secret.Respond(fields.Challenge, bk.priv)
	if err != nil {
		bk.failLocked()
		return errors.Wrap(err, "computing response")
	}

	unsigned := encodeResponseUnsigned(responseMsgType(round), responseFields{
		ConsensusID: bk.ConsensusID,
		BlockHash:   bk.BlockHash,
		BackupID:    bk.MyID,
		SubsetID:    fields.SubsetID,
		Response:    response,
	})
	respSig, err := bk.signMessage(unsigned)
	if err != nil {
		return errors.Wrap(err, "signing RESPONSE")
	}
	sigBytes := respSig.Bytes()
	wire := append(unsigned, sigBytes[:]...)

	if round == 1 {
		bk.subsetProgress[fields.SubsetID] = SubsetChallengeDone
		bk.setState(StateResponseDone)
	} else {
		bk.subsetProgress[fields.SubsetID] = SubsetFinalChallengeDone
		bk.setState(StateFinalResponseDone)
	}
	return bk.Sender.Send(ctx, bk.Committee[bk.leaderID].Addr, wire)
}

// handleCollectiveSig processes a COLLECTIVESIG body and, on success, opens
// round 2 by sending FINALCOMMIT.
func (bk *Backup) handleCollectiveSig(ctx context.Context, body []byte, sender uint16) error {
	if bk.state != StateResponseDone {
		return ErrInvalidState
	}
	signed, sig, err := splitSignature(body)
	if err != nil {
		return err
	}
	fields, err := decodeCollectiveSigUnsigned(MsgCollectiveSig, signed, bitmap.ByteLen(int(bk.N)))
	if err != nil {
		return err
	}
	if !bk.sessionMatches(fields.ConsensusID, fields.BlockHash) {
		return ErrSessionMismatch
	}
	if fields.LeaderID != bk.leaderID || sender != bk.leaderID {
		return ErrUnknownSender
	}
	if fields.Bitmap.Len() != int(bk.N) {
		bk.failLocked()
		return errors.Wrap(ErrMalformedMessage, "collective sig bitmap length mismatch")
	}
	if err := bk.verifyMessage(signed, sig, bk.leaderID); err != nil {
		return err
	}

	kAgg, err := bk.aggregateKeys(fields.Bitmap)
	if err != nil {
		bk.failLocked()
		return err
	}
	if !crypto.VerifyCollectiveSig(bk.payload, fields.CS, kAgg) {
		bk.failLocked()
		return ErrInvalidAggregate
	}

	bk.setCollectiveSig1(fields.CS, fields.Bitmap.Clone())

	if !fields.Bitmap.Get(int(bk.MyID)) {
		// This backup answered some round-1 subset's CHALLENGE (it is at
		// StateResponseDone), but a *different* subset was the one the
		// leader actually chose to aggregate (B1 does not include us).
		// Round 2 only ever signs over participants drawn from B1 — so
		// we stop here rather than emitting a FINALCOMMIT the leader
		// would have to reject anyway, and simply never reach DONE for
		// this instance.
		bk.Log.Debug().Msg("not a member of the chosen round-1 subset; not continuing to round 2")
		return nil
	}

	csBytes := fields.CS.Bytes()
	nextPayload := make([]byte, 0, len(csBytes)+bitmap.EncodedLen(fields.Bitmap.Len()))
	nextPayload = append(nextPayload, csBytes[:]...)
	nextPayload = append(nextPayload, fields.Bitmap.Encode()...)
	bk.payload = nextPayload
	bk.subsetProgress = make(map[uint16]SubsetState)

	secret, err := crypto.GenerateCommitSecret(bk.rng)
	if err != nil {
		return errors.Wrap(err, "generating round-2 commit secret")
	}
	point, err := secret.Point()
	if err != nil {
		return errors.Wrap(err, "deriving round-2 commit point")
	}
	bk.commitSecretRound2 = secret
	bk.commitPointRound2 = point

	unsigned, err := encodeCommitUnsigned(MsgFinalCommit, commitFields{
		ConsensusID: bk.ConsensusID,
		BlockHash:   bk.BlockHash,
		BackupID:    bk.MyID,
		Commit:      point,
	})
	if err != nil {
		return errors.Wrap(err, "encoding FINALCOMMIT")
	}
	commitSig, err := bk.signMessage(unsigned)
	if err != nil {
		return errors.Wrap(err, "signing FINALCOMMIT")
	}
	sigBytes := commitSig.Bytes()
	wire := append(unsigned, sigBytes[:]...)

	bk.setState(StateFinalCommitDone)
	return bk.Sender.Send(ctx, bk.Committee[bk.leaderID].Addr, wire)
}

// handleFinalCollectiveSig processes a FINALCOLLECTIVESIG body, terminating
// the instance at DONE.
func (bk *Backup) handleFinalCollectiveSig(ctx context.Context, body []byte, sender uint16) error {
	if bk.state != StateFinalResponseDone {
		return ErrInvalidState
	}
	signed, sig, err := splitSignature(body)
	if err != nil {
		return err
	}
	fields, err := decodeCollectiveSigUnsigned(MsgFinalCollectiveSig, signed, bitmap.ByteLen(int(bk.N)))
	if err != nil {
		return err
	}
	if !bk.sessionMatches(fields.ConsensusID, fields.BlockHash) {
		return ErrSessionMismatch
	}
	if fields.LeaderID != bk.leaderID || sender != bk.leaderID {
		return ErrUnknownSender
	}
	if fields.Bitmap.Len() != int(bk.N) {
		bk.failLocked()
		return errors.Wrap(ErrMalformedMessage, "final collective sig bitmap length mismatch")
	}
	if err := bk.verifyMessage(signed, sig, bk.leaderID); err != nil {
		return err
	}

	kAgg, err := bk.aggregateKeys(fields.Bitmap)
	if err != nil {
		bk.failLocked()
		return err
	}
	if !crypto.VerifyCollectiveSig(bk.payload, fields.CS, kAgg) {
		bk.failLocked()
		return ErrInvalidAggregate
	}

	bk.setCollectiveSig2(fields.CS, fields.Bitmap.Clone())
	bk.setState(StateDone)
	return nil
}

// HandleConsensusFailure processes a CONSENSUS-FAILURE broadcast, moving
// the instance to its terminal ERROR state.
func (bk *Backup) HandleConsensusFailure(body []byte, sender uint16) error {
	signed, sig, err := splitSignature(body)
	if err != nil {
		return err
	}
	fields, err := decodeConsensusFailureUnsigned(signed)
	if err != nil {
		return err
	}

	bk.mu.Lock()
	defer bk.mu.Unlock()

	if !bk.sessionMatches(fields.ConsensusID, fields.BlockHash) {
		return ErrSessionMismatch
	}
	if fields.LeaderID != bk.leaderID || sender != bk.leaderID {
		return ErrUnknownSender
	}
	if err := bk.verifyMessage(signed, sig, bk.leaderID); err != nil {
		return err
	}
	bk.failLocked()
	return nil
}
