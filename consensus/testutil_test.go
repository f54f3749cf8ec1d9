package consensus

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"

	"github.com/harmony-one/shard-consensus/crypto"
	log "github.com/harmony-one/shard-consensus/log"
	"github.com/harmony-one/shard-consensus/p2p"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// participant is whatever the fake network can hand an inbound wire
// message to.
type participant interface {
	ProcessMessage(ctx context.Context, data []byte, offset int, sender uint16) error
}

// consensusFailureReceiver is implemented by Backup for the one message
// type (CONSENSUS-FAILURE) that reaches backups outside the normal
// ProcessMessage dispatch table.
type consensusFailureReceiver interface {
	HandleConsensusFailure(body []byte, sender uint16) error
}

// fakeNetwork is an in-process, single-threaded message bus: Send/Broadcast
// only enqueue, they never call back into a participant synchronously, so
// Drain can safely dispatch messages one at a time without any participant
// re-entering its own locked handler.
type fakeNetwork struct {
	mu     sync.Mutex
	queue  []queuedMsg
	routes map[p2p.Peer]participant
	errors []error
}

type queuedMsg struct {
	to   p2p.Peer
	from uint16
	body []byte
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{routes: make(map[p2p.Peer]participant)}
}

func (n *fakeNetwork) register(peer p2p.Peer, p participant) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes[peer] = p
}

func (n *fakeNetwork) enqueue(to p2p.Peer, from uint16, body []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := make([]byte, len(body))
	copy(cp, body)
	n.queue = append(n.queue, queuedMsg{to: to, from: from, body: cp})
}

// drain dispatches every queued message (including ones produced as a side
// effect of dispatching an earlier one) until the queue is empty.
func (n *fakeNetwork) drain() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		msg := n.queue[0]
		n.queue = n.queue[1:]
		target := n.routes[msg.to]
		n.mu.Unlock()

		if target == nil || len(msg.body) == 0 {
			continue
		}
		var err error
		if MessageType(msg.body[0]) == MsgConsensusFailure {
			if recv, ok := target.(consensusFailureReceiver); ok {
				err = recv.HandleConsensusFailure(msg.body, msg.from)
			} else {
				err = target.ProcessMessage(context.Background(), msg.body, 0, msg.from)
			}
		} else {
			err = target.ProcessMessage(context.Background(), msg.body, 0, msg.from)
		}
		if err != nil {
			n.mu.Lock()
			n.errors = append(n.errors, err)
			n.mu.Unlock()
		}
	}
}

type fakeSender struct {
	net  *fakeNetwork
	self uint16
}

func (s *fakeSender) Send(ctx context.Context, peer p2p.Peer, data []byte) error {
	s.net.enqueue(peer, s.self, data)
	return nil
}

func (s *fakeSender) Broadcast(ctx context.Context, peers []p2p.Peer, data []byte) error {
	for _, p := range peers {
		s.net.enqueue(p, s.self, data)
	}
	return nil
}

var _ p2p.Sender = (*fakeSender)(nil)

// testCommittee draws n fresh keypairs and builds both the shared
// CommitteeMember slice and the peer addresses backing it.
func testCommittee(t *testing.T, n int) ([]CommitteeMember, []p2p.Peer, []crypto.PrivKey) {
	t.Helper()
	members := make([]CommitteeMember, n)
	peers := make([]p2p.Peer, n)
	privs := make([]crypto.PrivKey, n)
	for i := 0; i < n; i++ {
		priv, err := crypto.GeneratePrivKey(rand.Reader)
		require.NoError(t, err)
		peer := p2p.Peer{IP: "127.0.0.1", Port: itoaPort(i)}
		members[i] = CommitteeMember{PubKey: priv.Public(), Addr: peer}
		peers[i] = peer
		privs[i] = priv
	}
	return members, peers, privs
}

func itoaPort(i int) string {
	digits := "0123456789"
	if i == 0 {
		return "10000"
	}
	out := []byte{}
	for i > 0 {
		out = append([]byte{digits[i%10]}, out...)
		i /= 10
	}
	return "1000" + string(out)
}

func acceptAllValidator() PayloadValidatorFunc {
	return func(payload []byte) ([]byte, error) { return nil, nil }
}

func rejectAllValidator(reason string) PayloadValidatorFunc {
	return func(payload []byte) ([]byte, error) {
		return []byte(reason), errors.Wrap(ErrPayloadRejected, reason)
	}
}

func passthroughAnnouncer() AnnouncementGeneratorFunc {
	return func(payload []byte) ([]byte, []byte, error) { return nil, payload, nil }
}

func alwaysFailHandler() ShardCommitFailureHandlerFunc {
	return func(failures map[uint16][]byte) bool { return true }
}

func newBlockHash(seed byte) [32]byte {
	var h [32]byte
	for i := range h {
		h[i] = seed
	}
	return h
}

func testLogger() zerolog.Logger {
	return log.New("test")
}

// setupInstance wires up one Leader (committee index 0) and len(validators)
// Backups (committee indices 1..n) sharing a fake network, committee and
// session identity. validators lets each test pick per-backup payload
// acceptance.
func setupInstance(t *testing.T, validators []PayloadValidator) (*Leader, map[uint16]*Backup, *fakeNetwork, [32]byte) {
	t.Helper()
	n := len(validators) + 1
	members, peers, privs := testCommittee(t, n)
	blockHash := newBlockHash(0x42)
	net := newFakeNetwork()

	leaderCfg := BaseConfig{
		ConsensusID: 7,
		BlockNumber: 100,
		BlockHash:   blockHash,
		MyID:        0,
		Committee:   members,
		PrivKey:     privs[0],
		Sender:      &fakeSender{net: net, self: 0},
		RNG:         rand.Reader,
		Logger:      testLogger(),
	}
	leader := NewLeader(leaderCfg, passthroughAnnouncer(), alwaysFailHandler())
	net.register(peers[0], leader)

	backups := make(map[uint16]*Backup, len(validators))
	for i, v := range validators {
		id := uint16(i + 1)
		cfg := BaseConfig{
			ConsensusID: 7,
			BlockNumber: 100,
			BlockHash:   blockHash,
			MyID:        id,
			Committee:   members,
			PrivKey:     privs[id],
			Sender:      &fakeSender{net: net, self: id},
			RNG:         rand.Reader,
			Logger:      testLogger(),
		}
		bk := NewBackup(cfg, 0, v)
		backups[id] = bk
		net.register(peers[id], bk)
	}

	return leader, backups, net, blockHash
}

// maliciousResponder plays a backup that commits honestly but answers every
// CHALLENGE it receives with a structurally well-formed, properly signed,
// but cryptographically bogus RESPONSE (Response = 0). Used to exercise the
// leader's per-response verification without needing to reach into a real
// Backup's internals.
type maliciousResponder struct {
	id          uint16
	priv        crypto.PrivKey
	pub         crypto.PubKey
	committee   []CommitteeMember
	leaderID    uint16
	consensusID uint32
	blockHash   [32]byte
	net         *fakeNetwork
}

func (m *maliciousResponder) selfPeer() p2p.Peer { return m.committee[m.id].Addr }
func (m *maliciousResponder) leaderPeer() p2p.Peer { return m.committee[m.leaderID].Addr }

func (m *maliciousResponder) ProcessMessage(ctx context.Context, data []byte, offset int, sender uint16) error {
	body := data[offset:]
	if len(body) < 1 {
		return ErrMalformedMessage
	}
	switch MessageType(body[0]) {
	case MsgAnnounce:
		return m.handleAnnounce(body)
	case MsgChallenge:
		return m.handleChallenge(body)
	default:
		return nil
	}
}

func (m *maliciousResponder) handleAnnounce(body []byte) error {
	signed, _, err := splitSignature(body)
	if err != nil {
		return err
	}
	if _, err := decodeAnnounceUnsigned(signed); err != nil {
		return err
	}
	secret, err := crypto.GenerateCommitSecret(rand.Reader)
	if err != nil {
		return err
	}
	point, err := secret.Point()
	if err != nil {
		return err
	}
	unsigned, err := encodeCommitUnsigned(MsgCommit, commitFields{
		ConsensusID: m.consensusID,
		BlockHash:   m.blockHash,
		BackupID:    m.id,
		Commit:      point,
	})
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(unsigned, m.priv, m.pub, rand.Reader)
	if err != nil {
		return err
	}
	sigBytes := sig.Bytes()
	wire := append(unsigned, sigBytes[:]...)
	return m.net.registeredSender(m.id).Send(context.Background(), m.leaderPeer(), wire)
}

func (m *maliciousResponder) handleChallenge(body []byte) error {
	signed, _, err := splitSignature(body)
	if err != nil {
		return err
	}
	fields, err := decodeChallengeUnsigned(MsgChallenge, signed)
	if err != nil {
		return err
	}
	unsigned := encodeResponseUnsigned(MsgResponse, responseFields{
		ConsensusID: m.consensusID,
		BlockHash:   m.blockHash,
		BackupID:    m.id,
		SubsetID:    fields.SubsetID,
		Response:    crypto.Response{}, // deliberately bogus: the zero scalar
	})
	sig, err := crypto.Sign(unsigned, m.priv, m.pub, rand.Reader)
	if err != nil {
		return err
	}
	sigBytes := sig.Bytes()
	wire := append(unsigned, sigBytes[:]...)
	return m.net.registeredSender(m.id).Send(context.Background(), m.leaderPeer(), wire)
}

// registeredSender returns a fakeSender bound to id, for participants (like
// maliciousResponder) that are not a *Leader/*Backup and so never had one
// injected via BaseConfig.
func (n *fakeNetwork) registeredSender(id uint16) *fakeSender {
	return &fakeSender{net: n, self: id}
}

// synthesizeCommit builds a fully signed COMMIT/FINALCOMMIT wire body from
// backupID, exactly as a real Backup would emit it, for tests that drive a
// Leader directly with pre-synthesised bytes.
func synthesizeCommit(t *testing.T, msgType MessageType, consensusID uint32, blockHash [32]byte, backupID uint16, priv crypto.PrivKey) ([]byte, crypto.CommitPoint) {
	t.Helper()
	secret, err := crypto.GenerateCommitSecret(rand.Reader)
	require.NoError(t, err)
	point, err := secret.Point()
	require.NoError(t, err)
	unsigned, err := encodeCommitUnsigned(msgType, commitFields{
		ConsensusID: consensusID,
		BlockHash:   blockHash,
		BackupID:    backupID,
		Commit:      point,
	})
	require.NoError(t, err)
	sig, err := crypto.Sign(unsigned, priv, priv.Public(), rand.Reader)
	require.NoError(t, err)
	sigBytes := sig.Bytes()
	return append(unsigned, sigBytes[:]...), point
}

// setupInstanceWithMalicious wires a leader with honestCount honest Backups
// (ids 2..honestCount+1) plus one maliciousResponder at id 1.
func setupInstanceWithMalicious(t *testing.T, honestCount int) (*Leader, map[uint16]*Backup, *fakeNetwork) {
	t.Helper()
	n := honestCount + 2 // leader + malicious + honest backups
	members, peers, privs := testCommittee(t, n)
	blockHash := newBlockHash(0x99)
	net := newFakeNetwork()

	leaderCfg := BaseConfig{
		ConsensusID: 11,
		BlockNumber: 200,
		BlockHash:   blockHash,
		MyID:        0,
		Committee:   members,
		PrivKey:     privs[0],
		Sender:      &fakeSender{net: net, self: 0},
		RNG:         rand.Reader,
		Logger:      testLogger(),
	}
	leader := NewLeader(leaderCfg, passthroughAnnouncer(), alwaysFailHandler())
	net.register(peers[0], leader)

	malicious := &maliciousResponder{
		id:          1,
		priv:        privs[1],
		pub:         privs[1].Public(),
		committee:   members,
		leaderID:    0,
		consensusID: 11,
		blockHash:   blockHash,
		net:         net,
	}
	net.register(peers[1], malicious)

	backups := make(map[uint16]*Backup, honestCount)
	for i := 0; i < honestCount; i++ {
		id := uint16(i + 2)
		cfg := BaseConfig{
			ConsensusID: 11,
			BlockNumber: 200,
			BlockHash:   blockHash,
			MyID:        id,
			Committee:   members,
			PrivKey:     privs[id],
			Sender:      &fakeSender{net: net, self: id},
			RNG:         rand.Reader,
			Logger:      testLogger(),
		}
		bk := NewBackup(cfg, 0, acceptAllValidator())
		backups[id] = bk
		net.register(peers[id], bk)
	}

	return leader, backups, net
}
