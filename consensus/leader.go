package consensus

import (
	"context"
	"sort"

	"github.com/harmony-one/shard-consensus/bitmap"
	"github.com/harmony-one/shard-consensus/crypto"
	"github.com/harmony-one/shard-consensus/p2p"
	"github.com/pkg/errors"
)

// Leader drives the leader side of one consensus instance. It
// embeds *Base for session state and the shared signing/verifying helpers;
// everything below is leader-only bookkeeping.
type Leader struct {
	*Base

	announcementGenerator AnnouncementGenerator
	commitFailureHandler  ShardCommitFailureHandler

	round int // 1 or 2; which round's message types/state this instance is in.

	commitsReceived  map[uint16]crypto.CommitPoint
	redundantCommits map[uint16]crypto.CommitPoint
	subsetsFormed    bool
	subsets          []*subset

	haveChosenSubset  bool
	chosenSubsetIndex uint16

	commitFailuresReceived map[uint16][]byte
}

// NewLeader constructs a Leader instance. The committee, keys and transport
// are fixed for the lifetime of the instance.
func NewLeader(cfg BaseConfig, announcementGenerator AnnouncementGenerator, commitFailureHandler ShardCommitFailureHandler) *Leader {
	return &Leader{
		Base:                   newBase(cfg),
		announcementGenerator:  announcementGenerator,
		commitFailureHandler:   commitFailureHandler,
		round:                  1,
		commitsReceived:        make(map[uint16]crypto.CommitPoint),
		redundantCommits:       make(map[uint16]crypto.CommitPoint),
		commitFailuresReceived: make(map[uint16][]byte),
	}
}

// StartConsensus builds and broadcasts the ANNOUNCE message.
// announcementGenerator appends host metadata to the body and returns the
// canonical bytes the collective signature is computed over.
func (l *Leader) StartConsensus(ctx context.Context, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateInitial {
		return ErrInvalidState
	}
	if len(payload) == 0 {
		return ErrEmptyPayload
	}

	extra, cosignMessage, err := l.announcementGenerator.GenerateAnnouncement(payload)
	if err != nil {
		return errors.Wrap(err, "announcement generator")
	}

	wirePayload := make([]byte, 0, len(payload)+len(extra))
	wirePayload = append(wirePayload, payload...)
	wirePayload = append(wirePayload, extra...)

	unsigned := encodeAnnounceUnsigned(announceFields{
		ConsensusID: l.ConsensusID,
		BlockHash:   l.BlockHash,
		LeaderID:    l.MyID,
		Payload:     wirePayload,
	})
	sig, err := l.signMessage(unsigned)
	if err != nil {
		return errors.Wrap(err, "signing ANNOUNCE")
	}
	sigBytes := sig.Bytes()
	wire := append(unsigned, sigBytes[:]...)

	l.payload = cosignMessage
	l.setState(StateAnnounceDone)

	peers := make([]p2p.Peer, 0, len(l.Committee))
	for _, m := range l.Committee {
		peers = append(peers, m.Addr)
	}
	if err := l.Sender.Broadcast(ctx, peers, wire); err != nil {
		return errors.Wrap(err, "broadcasting ANNOUNCE")
	}
	return nil
}

// ProcessMessage dispatches an inbound message body to the appropriate
// handler based on its leading MessageType byte.
func (l *Leader) ProcessMessage(ctx context.Context, data []byte, offset int, sender uint16) error {
	if offset < 0 || offset > len(data) {
		return ErrMalformedMessage
	}
	body := data[offset:]
	if len(body) < 1 {
		return ErrMalformedMessage
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch MessageType(body[0]) {
	case MsgCommit:
		return l.handleCommit(ctx, body, sender, 1)
	case MsgFinalCommit:
		return l.handleCommit(ctx, body, sender, 2)
	case MsgCommitFailure:
		return l.handleCommitFailure(ctx, body, sender)
	case MsgResponse:
		return l.handleResponse(ctx, body, sender, 1)
	case MsgFinalResponse:
		return l.handleResponse(ctx, body, sender, 2)
	default:
		return ErrMalformedMessage
	}
}

func (l *Leader) sessionMatches(consensusID uint32, blockHash [32]byte) bool {
	return consensusID == l.ConsensusID && blockHash == l.BlockHash
}

func commitMsgType(round int) MessageType {
	if round == 2 {
		return MsgFinalCommit
	}
	return MsgCommit
}

func challengeMsgType(round int) MessageType {
	if round == 2 {
		return MsgFinalChallenge
	}
	return MsgChallenge
}

func responseMsgType(round int) MessageType {
	if round == 2 {
		return MsgFinalResponse
	}
	return MsgResponse
}

// handleCommit processes a COMMIT (round 1) or FINALCOMMIT (round 2) body.
func (l *Leader) handleCommit(ctx context.Context, body []byte, sender uint16, round int) error {
	if round != l.round {
		return ErrInvalidState
	}
	// Commits are only collectible once the round is open (ANNOUNCE or
	// COLLECTIVESIG broadcast) and, after subset formation, only into the
	// redundant pool while the round's challenges are still outstanding.
	if round == 1 {
		if l.state != StateAnnounceDone && l.state != StateChallengeDone {
			return ErrInvalidState
		}
	} else {
		if l.state != StateCollectiveSigDone && l.state != StateFinalChallengeDone {
			return ErrInvalidState
		}
	}
	signed, sig, err := splitSignature(body)
	if err != nil {
		return err
	}
	fields, err := decodeCommitUnsigned(commitMsgType(round), signed)
	if err != nil {
		return err
	}
	if !l.sessionMatches(fields.ConsensusID, fields.BlockHash) {
		return ErrSessionMismatch
	}
	if fields.BackupID != sender || int(fields.BackupID) >= len(l.Committee) {
		return ErrUnknownSender
	}
	if err := l.verifyMessage(signed, sig, sender); err != nil {
		return err
	}
	if _, ok := l.commitsReceived[fields.BackupID]; ok {
		return ErrDuplicateParticipant
	}
	if _, ok := l.redundantCommits[fields.BackupID]; ok {
		return ErrDuplicateParticipant
	}
	if round == 2 && !l.b1.Get(int(fields.BackupID)) {
		// Round 2 participants are drawn from round 1's signing set. A
		// Byzantine backup outside B1 could otherwise still submit a
		// FINALCOMMIT; reject it rather than letting it poison B2.
		return ErrNotInSubset
	}

	if l.subsetsFormed {
		l.redundantCommits[fields.BackupID] = fields.Commit
		return nil
	}

	l.commitsReceived[fields.BackupID] = fields.Commit
	if uint32(len(l.commitsReceived)) < l.Quorum {
		return nil
	}

	return l.formSubsetsAndChallenge(ctx, round)
}

// formSubsetsAndChallenge partitions the committers into candidate subsets
// and broadcasts a CHALLENGE to each subset's members.
// Called with mu held.
func (l *Leader) formSubsetsAndChallenge(ctx context.Context, round int) error {
	ids := make([]uint16, 0, len(l.commitsReceived))
	for id := range l.commitsReceived {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	subsets, err := formSubsets(ids, l.Quorum, l.N)
	if err != nil {
		l.setState(StateError)
		return errors.Wrap(ErrInvalidAggregate, err.Error())
	}
	l.subsets = subsets
	l.subsetsFormed = true

	for _, s := range subsets {
		commits := make([]crypto.CommitPoint, 0, len(s.members))
		for _, m := range s.members {
			commits = append(commits, l.commitsReceived[m])
		}
		rAgg, err := crypto.AggregateCommits(commits)
		if err != nil {
			s.state = SubsetError
			continue
		}
		kAgg, err := l.aggregateKeys(s.memberBitmap)
		if err != nil {
			s.state = SubsetError
			continue
		}
		c, err := l.buildChallenge(l.payload, rAgg, kAgg)
		if err != nil {
			s.state = SubsetError
			continue
		}
		s.aggregatedCommit = rAgg
		s.aggregatedKey = kAgg
		s.challenge = c

		unsigned, err := encodeChallengeUnsigned(challengeMsgType(round), challengeFields{
			ConsensusID:      l.ConsensusID,
			BlockHash:        l.BlockHash,
			LeaderID:         l.MyID,
			SubsetID:         s.id,
			AggregatedCommit: rAgg,
			AggregatedKey:    kAgg,
			Challenge:        c,
		})
		if err != nil {
			s.state = SubsetError
			continue
		}
		sig, err := l.signMessage(unsigned)
		if err != nil {
			s.state = SubsetError
			continue
		}
		sigBytes := sig.Bytes()
		wire := append(unsigned, sigBytes[:]...)

		if round == 1 {
			s.state = SubsetChallengeDone
		} else {
			s.state = SubsetFinalChallengeDone
		}

		peers := make([]p2p.Peer, 0, len(s.members))
		for _, m := range s.members {
			peers = append(peers, l.Committee[m].Addr)
		}
		if err := l.Sender.Broadcast(ctx, peers, wire); err != nil {
			l.Log.Warn().Err(err).Uint16("subset_id", s.id).Msg("failed to broadcast CHALLENGE")
		}
	}

	if round == 1 {
		l.setState(StateChallengeDone)
	} else {
		l.setState(StateFinalChallengeDone)
	}
	return nil
}

func (l *Leader) handleCommitFailure(ctx context.Context, body []byte, sender uint16) error {
	if l.round != 1 || (l.state != StateAnnounceDone && l.state != StateChallengeDone) {
		return ErrInvalidState
	}
	signed, sig, err := splitSignature(body)
	if err != nil {
		return err
	}
	fields, err := decodeCommitFailureUnsigned(signed)
	if err != nil {
		return err
	}
	if !l.sessionMatches(fields.ConsensusID, fields.BlockHash) {
		return ErrSessionMismatch
	}
	if fields.BackupID != sender || int(fields.BackupID) >= len(l.Committee) {
		return ErrUnknownSender
	}
	if err := l.verifyMessage(signed, sig, sender); err != nil {
		return err
	}
	if _, ok := l.commitFailuresReceived[fields.BackupID]; ok {
		return ErrDuplicateParticipant
	}
	l.commitFailuresReceived[fields.BackupID] = fields.ErrorBody

	if uint32(len(l.commitFailuresReceived)) < l.F+1 {
		return nil
	}

	failures := make(map[uint16][]byte, len(l.commitFailuresReceived))
	for k, v := range l.commitFailuresReceived {
		failures[k] = v
	}
	if !l.commitFailureHandler.HandleCommitFailures(failures) {
		return nil
	}

	l.setState(StateError)
	unsigned := encodeConsensusFailureUnsigned(consensusFailureFields{
		ConsensusID: l.ConsensusID,
		BlockHash:   l.BlockHash,
		LeaderID:    l.MyID,
	})
	failSig, err := l.signMessage(unsigned)
	if err != nil {
		return errors.Wrap(err, "signing CONSENSUS-FAILURE")
	}
	failSigBytes := failSig.Bytes()
	wire := append(unsigned, failSigBytes[:]...)

	peers := make([]p2p.Peer, 0, len(l.Committee))
	for _, m := range l.Committee {
		peers = append(peers, m.Addr)
	}
	if err := l.Sender.Broadcast(ctx, peers, wire); err != nil {
		return errors.Wrap(err, "broadcasting CONSENSUS-FAILURE")
	}
	return ErrQuorumImpossible
}

func (l *Leader) subsetByID(id uint16) (*subset, bool) {
	for _, s := range l.subsets {
		if s.id == id {
			return s, true
		}
	}
	return nil, false
}

// handleResponse processes a RESPONSE (round 1) or FINALRESPONSE (round 2)
// body.
func (l *Leader) handleResponse(ctx context.Context, body []byte, sender uint16, round int) error {
	if round != l.round {
		return ErrInvalidState
	}
	if round == 1 {
		if l.state != StateChallengeDone {
			return ErrInvalidState
		}
	} else {
		if l.state != StateFinalChallengeDone {
			return ErrInvalidState
		}
	}
	signed, sig, err := splitSignature(body)
	if err != nil {
		return err
	}
	fields, err := decodeResponseUnsigned(responseMsgType(round), signed)
	if err != nil {
		return err
	}
	if !l.sessionMatches(fields.ConsensusID, fields.BlockHash) {
		return ErrSessionMismatch
	}
	if fields.BackupID != sender || int(fields.BackupID) >= len(l.Committee) {
		return ErrUnknownSender
	}
	if err := l.verifyMessage(signed, sig, sender); err != nil {
		return err
	}

	s, ok := l.subsetByID(fields.SubsetID)
	if !ok {
		return ErrUnknownSubset
	}
	if l.haveChosenSubset {
		// A different subset already won this round; late responses for
		// any subset (including this one) are simply irrelevant now.
		return nil
	}
	if !s.memberBitmap.Get(int(fields.BackupID)) {
		return ErrNotInSubset
	}
	if _, ok := s.responsesReceived[fields.BackupID]; ok {
		return ErrDuplicateParticipant
	}

	commitPoint, ok := l.commitsReceived[fields.BackupID]
	if !ok {
		return ErrUnknownSender
	}
	if !crypto.VerifyResponse(fields.Response, s.challenge, l.Committee[fields.BackupID].PubKey, commitPoint) {
		l.Log.Warn().Uint16("backup_id", fields.BackupID).Msg("rejected malformed response")
		return ErrInvalidSignature
	}
	s.responsesReceived[fields.BackupID] = fields.Response

	if uint32(len(s.responsesReceived)) < l.Quorum {
		return nil
	}

	return l.finalizeSubset(ctx, s, round)
}

// finalizeSubset aggregates a subset's responses into a collective
// signature, verifies it, and advances the round. Called with mu held.
func (l *Leader) finalizeSubset(ctx context.Context, s *subset, round int) error {
	responses := make([]crypto.Response, 0, len(s.responsesReceived))
	for _, id := range s.members {
		if r, ok := s.responsesReceived[id]; ok {
			responses = append(responses, r)
		}
	}
	aggResponse, err := crypto.AggregateResponses(responses)
	if err != nil {
		l.setState(StateError)
		return errors.Wrap(ErrInvalidAggregate, err.Error())
	}
	cs := crypto.AggregateSign(s.challenge, aggResponse)

	if !crypto.VerifyCollectiveSig(l.payload, cs, s.aggregatedKey) {
		l.setState(StateError)
		return ErrInvalidAggregate
	}

	l.haveChosenSubset = true
	l.chosenSubsetIndex = s.id
	for _, other := range l.subsets {
		if other.id != s.id && other.state != SubsetError {
			other.state = SubsetError
		}
	}

	bm := s.memberBitmap.Clone()

	if round == 1 {
		s.state = SubsetCollectiveSigDone
		l.setCollectiveSig1(cs, bm)

		csBytes := cs.Bytes()
		nextPayload := make([]byte, 0, len(csBytes)+bitmap.EncodedLen(bm.Len()))
		nextPayload = append(nextPayload, csBytes[:]...)
		nextPayload = append(nextPayload, bm.Encode()...)
		l.payload = nextPayload

		l.commitsReceived = make(map[uint16]crypto.CommitPoint)
		l.redundantCommits = make(map[uint16]crypto.CommitPoint)
		l.subsets = nil
		l.subsetsFormed = false
		l.haveChosenSubset = false
		l.round = 2

		unsigned := encodeCollectiveSigUnsigned(MsgCollectiveSig, collectiveSigFields{
			ConsensusID: l.ConsensusID,
			BlockHash:   l.BlockHash,
			LeaderID:    l.MyID,
			Bitmap:      bm,
			CS:          cs,
		})
		sig, err := l.signMessage(unsigned)
		if err != nil {
			return errors.Wrap(err, "signing COLLECTIVESIG")
		}
		sigBytes := sig.Bytes()
		wire := append(unsigned, sigBytes[:]...)

		l.setState(StateCollectiveSigDone)

		peers := make([]p2p.Peer, 0, len(l.Committee))
		for _, m := range l.Committee {
			peers = append(peers, m.Addr)
		}
		if err := l.Sender.Broadcast(ctx, peers, wire); err != nil {
			return errors.Wrap(err, "broadcasting COLLECTIVESIG")
		}
		return nil
	}

	s.state = SubsetDone
	l.setCollectiveSig2(cs, bm)

	unsigned := encodeCollectiveSigUnsigned(MsgFinalCollectiveSig, collectiveSigFields{
		ConsensusID: l.ConsensusID,
		BlockHash:   l.BlockHash,
		LeaderID:    l.MyID,
		Bitmap:      bm,
		CS:          cs,
	})
	sig, err := l.signMessage(unsigned)
	if err != nil {
		return errors.Wrap(err, "signing FINALCOLLECTIVESIG")
	}
	sigBytes := sig.Bytes()
	wire := append(unsigned, sigBytes[:]...)

	l.setState(StateDone)

	peers := make([]p2p.Peer, 0, len(l.Committee))
	for _, m := range l.Committee {
		peers = append(peers, m.Addr)
	}
	if err := l.Sender.Broadcast(ctx, peers, wire); err != nil {
		return errors.Wrap(err, "broadcasting FINALCOLLECTIVESIG")
	}
	return nil
}
