package consensus

import (
	"encoding/binary"

	"github.com/harmony-one/shard-consensus/bitmap"
	"github.com/harmony-one/shard-consensus/crypto"
	"github.com/pkg/errors"
)

// MessageType is the leading discriminant byte of every wire body,
// dispatched on by Leader.ProcessMessage / Backup.ProcessMessage. It sits
// logically after the host's class/instruction tags — those are the host
// dispatcher's concern and never reach this package.
type MessageType byte

const (
	MsgAnnounce MessageType = iota
	MsgCommit
	MsgCommitFailure
	MsgChallenge
	MsgResponse
	MsgCollectiveSig
	MsgFinalCommit
	MsgFinalChallenge
	MsgFinalResponse
	MsgFinalCollectiveSig
	MsgConsensusFailure
)

func (t MessageType) String() string {
	switch t {
	case MsgAnnounce:
		return "ANNOUNCE"
	case MsgCommit:
		return "COMMIT"
	case MsgCommitFailure:
		return "COMMIT_FAILURE"
	case MsgChallenge:
		return "CHALLENGE"
	case MsgResponse:
		return "RESPONSE"
	case MsgCollectiveSig:
		return "COLLECTIVESIG"
	case MsgFinalCommit:
		return "FINALCOMMIT"
	case MsgFinalChallenge:
		return "FINALCHALLENGE"
	case MsgFinalResponse:
		return "FINALRESPONSE"
	case MsgFinalCollectiveSig:
		return "FINALCOLLECTIVESIG"
	case MsgConsensusFailure:
		return "CONSENSUS_FAILURE"
	default:
		return "UNKNOWN"
	}
}

const (
	u16Len       = 2
	u32Len       = 4
	blockHashLen = 32
)

// splitSignature peels the trailing 64-byte Signature off a decoded wire
// body, returning the portion that was signed over: every signature covers
// the entire body up to, but not including, itself.
func splitSignature(body []byte) (signed []byte, sig crypto.Signature, err error) {
	if len(body) < crypto.SignatureSize {
		return nil, crypto.Signature{}, errors.Wrap(ErrMalformedMessage, "body shorter than trailing signature")
	}
	split := len(body) - crypto.SignatureSize
	sig, err = crypto.SignatureFromBytes(body[split:])
	if err != nil {
		return nil, crypto.Signature{}, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	return body[:split], sig, nil
}

func readHeader(body []byte) (consensusID uint32, blockHash [blockHashLen]byte, rest []byte, err error) {
	if len(body) < u32Len+blockHashLen {
		return 0, blockHash, nil, errors.Wrap(ErrMalformedMessage, "truncated header")
	}
	consensusID = binary.BigEndian.Uint32(body)
	copy(blockHash[:], body[u32Len:u32Len+blockHashLen])
	return consensusID, blockHash, body[u32Len+blockHashLen:], nil
}

func appendHeader(buf []byte, consensusID uint32, blockHash [blockHashLen]byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, consensusID)
	buf = append(buf, blockHash[:]...)
	return buf
}

// --- ANNOUNCE ---

type announceFields struct {
	ConsensusID uint32
	BlockHash   [blockHashLen]byte
	LeaderID    uint16
	Payload     []byte
}

func encodeAnnounceUnsigned(f announceFields) []byte {
	buf := []byte{byte(MsgAnnounce)}
	buf = appendHeader(buf, f.ConsensusID, f.BlockHash)
	buf = binary.BigEndian.AppendUint16(buf, f.LeaderID)
	buf = append(buf, f.Payload...)
	return buf
}

func decodeAnnounceUnsigned(unsigned []byte) (announceFields, error) {
	if len(unsigned) < 1 || MessageType(unsigned[0]) != MsgAnnounce {
		return announceFields{}, errors.Wrap(ErrMalformedMessage, "not an ANNOUNCE body")
	}
	consensusID, blockHash, rest, err := readHeader(unsigned[1:])
	if err != nil {
		return announceFields{}, err
	}
	if len(rest) < u16Len {
		return announceFields{}, errors.Wrap(ErrMalformedMessage, "truncated ANNOUNCE")
	}
	leaderID := binary.BigEndian.Uint16(rest)
	payload := rest[u16Len:]
	if len(payload) == 0 {
		return announceFields{}, errors.Wrap(ErrMalformedMessage, "empty ANNOUNCE payload")
	}
	return announceFields{consensusID, blockHash, leaderID, payload}, nil
}

// --- COMMIT ---

type commitFields struct {
	ConsensusID uint32
	BlockHash   [blockHashLen]byte
	BackupID    uint16
	Commit      crypto.CommitPoint
}

func encodeCommitUnsigned(t MessageType, f commitFields) ([]byte, error) {
	commitBytes, err := f.Commit.Bytes()
	if err != nil {
		return nil, err
	}
	buf := []byte{byte(t)}
	buf = appendHeader(buf, f.ConsensusID, f.BlockHash)
	buf = binary.BigEndian.AppendUint16(buf, f.BackupID)
	buf = append(buf, commitBytes[:]...)
	return buf, nil
}

func decodeCommitUnsigned(want MessageType, unsigned []byte) (commitFields, error) {
	if len(unsigned) < 1 || MessageType(unsigned[0]) != want {
		return commitFields{}, errors.Wrapf(ErrMalformedMessage, "not a %s body", want)
	}
	consensusID, blockHash, rest, err := readHeader(unsigned[1:])
	if err != nil {
		return commitFields{}, err
	}
	if len(rest) != u16Len+crypto.PointSize {
		return commitFields{}, errors.Wrap(ErrMalformedMessage, "wrong COMMIT length")
	}
	backupID := binary.BigEndian.Uint16(rest)
	point, err := crypto.PointFromBytes(rest[u16Len:])
	if err != nil {
		return commitFields{}, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	return commitFields{consensusID, blockHash, backupID, crypto.CommitPoint{Point: point}}, nil
}

// --- COMMIT-FAILURE ---

type commitFailureFields struct {
	ConsensusID uint32
	BlockHash   [blockHashLen]byte
	BackupID    uint16
	ErrorBody   []byte
}

func encodeCommitFailureUnsigned(f commitFailureFields) []byte {
	buf := []byte{byte(MsgCommitFailure)}
	buf = appendHeader(buf, f.ConsensusID, f.BlockHash)
	buf = binary.BigEndian.AppendUint16(buf, f.BackupID)
	buf = append(buf, f.ErrorBody...)
	return buf
}

func decodeCommitFailureUnsigned(unsigned []byte) (commitFailureFields, error) {
	if len(unsigned) < 1 || MessageType(unsigned[0]) != MsgCommitFailure {
		return commitFailureFields{}, errors.Wrap(ErrMalformedMessage, "not a COMMIT_FAILURE body")
	}
	consensusID, blockHash, rest, err := readHeader(unsigned[1:])
	if err != nil {
		return commitFailureFields{}, err
	}
	if len(rest) < u16Len {
		return commitFailureFields{}, errors.Wrap(ErrMalformedMessage, "truncated COMMIT_FAILURE")
	}
	backupID := binary.BigEndian.Uint16(rest)
	return commitFailureFields{consensusID, blockHash, backupID, rest[u16Len:]}, nil
}

// --- CHALLENGE ---

type challengeFields struct {
	ConsensusID      uint32
	BlockHash        [blockHashLen]byte
	LeaderID         uint16
	SubsetID         uint16
	AggregatedCommit crypto.CommitPoint
	AggregatedKey    crypto.PubKey
	Challenge        crypto.Challenge
}

func encodeChallengeUnsigned(t MessageType, f challengeFields) ([]byte, error) {
	rBytes, err := f.AggregatedCommit.Bytes()
	if err != nil {
		return nil, err
	}
	kBytes, err := f.AggregatedKey.Bytes()
	if err != nil {
		return nil, err
	}
	cBytes := f.Challenge.Bytes()
	buf := []byte{byte(t)}
	buf = appendHeader(buf, f.ConsensusID, f.BlockHash)
	buf = binary.BigEndian.AppendUint16(buf, f.LeaderID)
	buf = binary.BigEndian.AppendUint16(buf, f.SubsetID)
	buf = append(buf, rBytes[:]...)
	buf = append(buf, kBytes[:]...)
	buf = append(buf, cBytes[:]...)
	return buf, nil
}

func decodeChallengeUnsigned(want MessageType, unsigned []byte) (challengeFields, error) {
	if len(unsigned) < 1 || MessageType(unsigned[0]) != want {
		return challengeFields{}, errors.Wrapf(ErrMalformedMessage, "not a %s body", want)
	}
	consensusID, blockHash, rest, err := readHeader(unsigned[1:])
	if err != nil {
		return challengeFields{}, err
	}
	want2 := 2*u16Len + 2*crypto.PointSize + crypto.ScalarSize
	if len(rest) != want2 {
		return challengeFields{}, errors.Wrap(ErrMalformedMessage, "wrong CHALLENGE length")
	}
	leaderID := binary.BigEndian.Uint16(rest)
	subsetID := binary.BigEndian.Uint16(rest[u16Len:])
	off := 2 * u16Len
	rAgg, err := crypto.PointFromBytes(rest[off : off+crypto.PointSize])
	if err != nil {
		return challengeFields{}, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	off += crypto.PointSize
	kAgg, err := crypto.PointFromBytes(rest[off : off+crypto.PointSize])
	if err != nil {
		return challengeFields{}, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	off += crypto.PointSize
	c, err := crypto.ScalarFromBytes(rest[off : off+crypto.ScalarSize])
	if err != nil {
		return challengeFields{}, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	return challengeFields{
		consensusID, blockHash, leaderID, subsetID,
		crypto.CommitPoint{Point: rAgg}, crypto.PubKeyFromPoint(kAgg), crypto.Challenge{Scalar: c},
	}, nil
}

// --- RESPONSE ---

type responseFields struct {
	ConsensusID uint32
	BlockHash   [blockHashLen]byte
	BackupID    uint16
	SubsetID    uint16
	Response    crypto.Response
}

func encodeResponseUnsigned(t MessageType, f responseFields) []byte {
	rBytes := f.Response.Bytes()
	buf := []byte{byte(t)}
	buf = appendHeader(buf, f.ConsensusID, f.BlockHash)
	buf = binary.BigEndian.AppendUint16(buf, f.BackupID)
	buf = binary.BigEndian.AppendUint16(buf, f.SubsetID)
	buf = append(buf, rBytes[:]...)
	return buf
}

func decodeResponseUnsigned(want MessageType, unsigned []byte) (responseFields, error) {
	if len(unsigned) < 1 || MessageType(unsigned[0]) != want {
		return responseFields{}, errors.Wrapf(ErrMalformedMessage, "not a %s body", want)
	}
	consensusID, blockHash, rest, err := readHeader(unsigned[1:])
	if err != nil {
		return responseFields{}, err
	}
	if len(rest) != 2*u16Len+crypto.ScalarSize {
		return responseFields{}, errors.Wrap(ErrMalformedMessage, "wrong RESPONSE length")
	}
	backupID := binary.BigEndian.Uint16(rest)
	subsetID := binary.BigEndian.Uint16(rest[u16Len:])
	s, err := crypto.ScalarFromBytes(rest[2*u16Len:])
	if err != nil {
		return responseFields{}, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	return responseFields{consensusID, blockHash, backupID, subsetID, crypto.Response{Scalar: s}}, nil
}

// --- COLLECTIVESIG ---

type collectiveSigFields struct {
	ConsensusID uint32
	BlockHash   [blockHashLen]byte
	LeaderID    uint16
	Bitmap      *bitmap.Bitmap
	CS          crypto.Signature
}

func encodeCollectiveSigUnsigned(t MessageType, f collectiveSigFields) []byte {
	csBytes := f.CS.Bytes()
	buf := []byte{byte(t)}
	buf = appendHeader(buf, f.ConsensusID, f.BlockHash)
	buf = binary.BigEndian.AppendUint16(buf, f.LeaderID)
	buf = append(buf, f.Bitmap.Encode()...)
	buf = append(buf, csBytes[:]...)
	return buf
}

func decodeCollectiveSigUnsigned(want MessageType, unsigned []byte, bitmapByteLen int) (collectiveSigFields, error) {
	if len(unsigned) < 1 || MessageType(unsigned[0]) != want {
		return collectiveSigFields{}, errors.Wrapf(ErrMalformedMessage, "not a %s body", want)
	}
	consensusID, blockHash, rest, err := readHeader(unsigned[1:])
	if err != nil {
		return collectiveSigFields{}, err
	}
	if len(rest) < u16Len {
		return collectiveSigFields{}, errors.Wrap(ErrMalformedMessage, "truncated COLLECTIVESIG")
	}
	leaderID := binary.BigEndian.Uint16(rest)
	rest = rest[u16Len:]
	bm, err := bitmap.Decode(rest, bitmapByteLen)
	if err != nil {
		return collectiveSigFields{}, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	rest = rest[bitmap.EncodedLen(bm.Len()):]
	if len(rest) != crypto.SignatureSize {
		return collectiveSigFields{}, errors.Wrap(ErrMalformedMessage, "wrong COLLECTIVESIG signature length")
	}
	cs, err := crypto.SignatureFromBytes(rest)
	if err != nil {
		return collectiveSigFields{}, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	return collectiveSigFields{consensusID, blockHash, leaderID, bm, cs}, nil
}

// --- CONSENSUS-FAILURE ---

type consensusFailureFields struct {
	ConsensusID uint32
	BlockHash   [blockHashLen]byte
	LeaderID    uint16
}

func encodeConsensusFailureUnsigned(f consensusFailureFields) []byte {
	buf := []byte{byte(MsgConsensusFailure)}
	buf = appendHeader(buf, f.ConsensusID, f.BlockHash)
	buf = binary.BigEndian.AppendUint16(buf, f.LeaderID)
	return buf
}

func decodeConsensusFailureUnsigned(unsigned []byte) (consensusFailureFields, error) {
	if len(unsigned) < 1 || MessageType(unsigned[0]) != MsgConsensusFailure {
		return consensusFailureFields{}, errors.Wrap(ErrMalformedMessage, "not a CONSENSUS_FAILURE body")
	}
	consensusID, blockHash, rest, err := readHeader(unsigned[1:])
	if err != nil {
		return consensusFailureFields{}, err
	}
	if len(rest) != u16Len {
		return consensusFailureFields{}, errors.Wrap(ErrMalformedMessage, "wrong CONSENSUS_FAILURE length")
	}
	leaderID := binary.BigEndian.Uint16(rest)
	return consensusFailureFields{consensusID, blockHash, leaderID}, nil
}
