package consensus

import (
	"github.com/harmony-one/shard-consensus/crypto"
	"github.com/harmony-one/shard-consensus/p2p"
)

// PayloadValidator is the backup-only host collaborator that inspects an
// announced payload and rejects it with an error-body on failure.
type PayloadValidator interface {
	ValidatePayload(payload []byte) ([]byte, error)
}

// PayloadValidatorFunc adapts a plain function to PayloadValidator.
type PayloadValidatorFunc func(payload []byte) ([]byte, error)

// ValidatePayload implements PayloadValidator.
func (f PayloadValidatorFunc) ValidatePayload(payload []byte) ([]byte, error) {
	return f(payload)
}

// AnnouncementGenerator is the leader-only host collaborator that appends
// host-specific metadata into the ANNOUNCE body between the fixed header
// and the signature, and returns the canonical bytes the collective
// signature will be computed over.
type AnnouncementGenerator interface {
	GenerateAnnouncement(payload []byte) (extra []byte, cosignMessage []byte, err error)
}

// AnnouncementGeneratorFunc adapts a plain function to AnnouncementGenerator.
type AnnouncementGeneratorFunc func(payload []byte) ([]byte, []byte, error)

// GenerateAnnouncement implements AnnouncementGenerator.
func (f AnnouncementGeneratorFunc) GenerateAnnouncement(payload []byte) ([]byte, []byte, error) {
	return f(payload)
}

// ShardCommitFailureHandler is the leader-only host collaborator invoked
// once f+1 COMMIT-FAILUREs have arrived; it decides whether the leader
// should broadcast CONSENSUS-FAILURE (true) or keep waiting (false).
type ShardCommitFailureHandler interface {
	HandleCommitFailures(failures map[uint16][]byte) bool
}

// ShardCommitFailureHandlerFunc adapts a plain function to
// ShardCommitFailureHandler.
type ShardCommitFailureHandlerFunc func(failures map[uint16][]byte) bool

// HandleCommitFailures implements ShardCommitFailureHandler.
func (f ShardCommitFailureHandlerFunc) HandleCommitFailures(failures map[uint16][]byte) bool {
	return f(failures)
}

// CommitteeMember is one entry of the fixed committee resolved at instance
// construction.
type CommitteeMember struct {
	PubKey crypto.PubKey
	Addr   p2p.Peer
}
