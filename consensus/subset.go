package consensus

import (
	"sort"

	"github.com/harmony-one/shard-consensus/bitmap"
	"github.com/harmony-one/shard-consensus/crypto"
)

// subset is the leader's per-candidate-signing-group state. Exactly quorum members are selected into memberBitmap; the
// subset then runs its own CHALLENGE/RESPONSE round independently of any
// sibling subset.
type subset struct {
	id               uint16
	memberBitmap     *bitmap.Bitmap
	members          []uint16
	aggregatedCommit crypto.CommitPoint
	aggregatedKey    crypto.PubKey
	challenge        crypto.Challenge
	responsesReceived map[uint16]crypto.Response
	state            SubsetState
}

func newSubset(id uint16, n uint32, members []uint16) (*subset, error) {
	bm, err := bitmap.New(int(n))
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if err := bm.Set(int(m), true); err != nil {
			return nil, err
		}
	}
	return &subset{
		id:                id,
		memberBitmap:      bm,
		members:           members,
		responsesReceived: make(map[uint16]crypto.Response),
		state:             SubsetInitial,
	}, nil
}

// formSubsets partitions the committed backup ids into up to
// NUM_CONSENSUS_SUBSETS candidate subsets of exactly quorum members each,
// via a deterministic ascending-id sliding window: members overlap across
// subsets but no subset is a prefix of another.
//
// committerIDs must already be sorted ascending and have length >= quorum.
func formSubsets(committerIDs []uint16, quorum uint32, n uint32) ([]*subset, error) {
	ids := make([]uint16, len(committerIDs))
	copy(ids, committerIDs)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	q := int(quorum)
	if q <= 0 || len(ids) < q {
		return nil, nil
	}

	maxSubsets := NUM_CONSENSUS_SUBSETS
	if maxSubsets < 1 {
		maxSubsets = 1
	}
	// Number of distinct sliding-window start positions available.
	available := len(ids) - q + 1
	count := maxSubsets
	if count > available {
		count = available
	}

	subsets := make([]*subset, 0, count)
	for i := 0; i < count; i++ {
		window := make([]uint16, q)
		copy(window, ids[i:i+q])
		s, err := newSubset(uint16(i), n, window)
		if err != nil {
			return nil, err
		}
		subsets = append(subsets, s)
	}
	return subsets, nil
}
