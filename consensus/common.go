package consensus

import (
	"io"
	"sync"
	"time"

	"github.com/harmony-one/shard-consensus/bitmap"
	"github.com/harmony-one/shard-consensus/crypto"
	"github.com/harmony-one/shard-consensus/p2p"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// NUM_CONSENSUS_SUBSETS bounds how many parallel candidate signing subsets
// the leader forms once commit collection reaches quorum. Exported so an
// embedding host can tune it before constructing a Leader.
var NUM_CONSENSUS_SUBSETS = 3

// CONSENSUS_MSG_ORDER_BLOCK_WINDOW bounds how long CanProcessMessage waits
// for the state machine to catch up before telling the host dispatcher to
// give up and drop an out-of-order message.
var CONSENSUS_MSG_ORDER_BLOCK_WINDOW = 2 * time.Second

// Base is the common session state shared by Leader and Backup. The two
// role structs each embed a *Base; the helpers below are free functions
// over *Base in spirit, expressed as methods for Go ergonomics.
type Base struct {
	mu   sync.Mutex
	cond *sync.Cond

	ConsensusID      uint32
	BlockNumber      uint64
	BlockHash        [32]byte
	MyID             uint16
	Committee        []CommitteeMember
	N                uint32
	F                uint32
	Quorum           uint32
	ClassTag         byte
	InstructionTag   byte

	priv crypto.PrivKey
	pub  crypto.PubKey
	rng  io.Reader

	Sender p2p.Sender
	Log    zerolog.Logger

	state   State
	payload []byte
	cs1     crypto.Signature
	cs2     crypto.Signature
	b1      *bitmap.Bitmap
	b2      *bitmap.Bitmap
	haveCS1 bool
	haveCS2 bool
}

// BaseConfig collects the fixed construction-time parameters for a Base.
// Everything here is immutable once the instance is built.
type BaseConfig struct {
	ConsensusID    uint32
	BlockNumber    uint64
	BlockHash      [32]byte
	MyID           uint16
	Committee      []CommitteeMember
	PrivKey        crypto.PrivKey
	ClassTag       byte
	InstructionTag byte
	Sender         p2p.Sender
	RNG            io.Reader
	Logger         zerolog.Logger
}

// faultTolerance computes f = floor((n-1)/3) and quorum = n - f.
func faultTolerance(n uint32) (f, quorum uint32) {
	if n == 0 {
		return 0, 0
	}
	f = (n - 1) / 3
	return f, n - f
}

func newBase(cfg BaseConfig) *Base {
	n := uint32(len(cfg.Committee))
	f, quorum := faultTolerance(n)
	b := &Base{
		ConsensusID:    cfg.ConsensusID,
		BlockNumber:    cfg.BlockNumber,
		BlockHash:      cfg.BlockHash,
		MyID:           cfg.MyID,
		Committee:      cfg.Committee,
		N:              n,
		F:              f,
		Quorum:         quorum,
		ClassTag:       cfg.ClassTag,
		InstructionTag: cfg.InstructionTag,
		priv:           cfg.PrivKey,
		pub:            cfg.PrivKey.Public(),
		rng:            cfg.RNG,
		Sender:         cfg.Sender,
		Log:            cfg.Logger,
		state:          StateInitial,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// signMessage signs body with the local private key. Callers must already hold mu.
func (b *Base) signMessage(body []byte) (crypto.Signature, error) {
	return crypto.Sign(body, b.priv, b.pub, b.rng)
}

// verifyMessage looks up committee[peerID].PubKey and verifies sig over
// body. Callers must already hold mu.
func (b *Base) verifyMessage(body []byte, sig crypto.Signature, peerID uint16) error {
	if int(peerID) >= len(b.Committee) {
		return ErrUnknownSender
	}
	pub := b.Committee[peerID].PubKey
	if !crypto.Verify(body, sig, pub) {
		return ErrInvalidSignature
	}
	return nil
}

// aggregateKeys sums committee[i].PubKey for every bit i set in bm.
func (b *Base) aggregateKeys(bm *bitmap.Bitmap) (crypto.PubKey, error) {
	if bm.Len() != int(b.N) {
		return crypto.PubKey{}, errors.Wrap(ErrMalformedMessage, "bitmap length does not match committee size")
	}
	var keys []crypto.PubKey
	for i := 0; i < bm.Len(); i++ {
		if bm.Get(i) {
			keys = append(keys, b.Committee[i].PubKey)
		}
	}
	if len(keys) == 0 {
		return crypto.PubKey{}, errors.Wrap(ErrInvalidAggregate, "empty bitmap")
	}
	agg, err := crypto.AggregatePubKeys(keys)
	if err != nil {
		return crypto.PubKey{}, errors.Wrap(ErrInvalidAggregate, err.Error())
	}
	return agg, nil
}

// buildChallenge computes c = H(R_agg || K_agg || payload).
func (b *Base) buildChallenge(payload []byte, rAgg crypto.CommitPoint, kAgg crypto.PubKey) (crypto.Challenge, error) {
	c, err := crypto.BuildChallenge(payload, rAgg, kAgg)
	if err != nil {
		return crypto.Challenge{}, errors.Wrap(ErrInvalidAggregate, err.Error())
	}
	return c, nil
}

// setState transitions the instance's state and logs the change. Callers
// must already hold mu. Wakes any goroutine blocked in CanProcessMessage.
func (b *Base) setState(s State) {
	if b.state == s {
		return
	}
	b.Log.Debug().Stringer("from", b.state).Stringer("to", s).Msg("state transition")
	b.state = s
	b.cond.Broadcast()
}

// GetState returns the instance's current state.
func (b *Base) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// setCollectiveSig1 records CS1/B1 once round 1 completes. Callers must
// already hold mu.
func (b *Base) setCollectiveSig1(sig crypto.Signature, bm *bitmap.Bitmap) {
	b.cs1 = sig
	b.b1 = bm
	b.haveCS1 = true
}

// setCollectiveSig2 records CS2/B2 once round 2 completes. Callers must
// already hold mu.
func (b *Base) setCollectiveSig2(sig crypto.Signature, bm *bitmap.Bitmap) {
	b.cs2 = sig
	b.b2 = bm
	b.haveCS2 = true
}

// GetCS2 returns CS2 if the instance has produced one.
func (b *Base) GetCS2() (crypto.Signature, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cs2, b.haveCS2
}

// GetB1 returns B1 if round 1 has completed. Exposed alongside GetB2 so
// callers (and tests) can check that B2's signers are drawn from B1.
func (b *Base) GetB1() (*bitmap.Bitmap, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.haveCS1 {
		return nil, false
	}
	return b.b1.Clone(), true
}

// GetB2 returns B2 if the instance has produced one.
func (b *Base) GetB2() (*bitmap.Bitmap, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.haveCS2 {
		return nil, false
	}
	return b.b2.Clone(), true
}

// RetrieveCollectiveSig returns CS2 iff state == DONE.
func (b *Base) RetrieveCollectiveSig() (crypto.Signature, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateDone {
		return crypto.Signature{}, false
	}
	return b.cs2, b.haveCS2
}

// RetrieveCollectiveSigBitmap returns encoded B2 iff state == DONE.
func (b *Base) RetrieveCollectiveSigBitmap() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateDone || !b.haveCS2 {
		return nil, false
	}
	return b.b2.Encode(), true
}

// CanProcessMessage blocks until the instance's state reaches at
// (or passes) requiredState, or CONSENSUS_MSG_ORDER_BLOCK_WINDOW elapses,
// whichever comes first. Returns whether the state had caught up by the deadline.
func (b *Base) CanProcessMessage(requiredState State) bool {
	deadline := time.Now().Add(CONSENSUS_MSG_ORDER_BLOCK_WINDOW)
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.state < requiredState {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return b.state >= requiredState
		}
		timer := time.AfterFunc(remaining, func() {
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		})
		b.cond.Wait()
		timer.Stop()
		if time.Now().After(deadline) {
			return b.state >= requiredState
		}
	}
	return true
}

// newBitmap allocates a fresh, empty N-bit Bitmap for this instance.
func (b *Base) newBitmap() *bitmap.Bitmap {
	bm, _ := bitmap.New(int(b.N))
	return bm
}
