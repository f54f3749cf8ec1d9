package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFaultTolerance(t *testing.T) {
	cases := []struct {
		n, f, quorum uint32
	}{
		{0, 0, 0},
		{1, 0, 1},
		{2, 0, 2},
		{3, 0, 3},
		{4, 1, 3},
		{7, 2, 5},
		{10, 3, 7},
		{100, 33, 67},
	}
	for _, c := range cases {
		f, quorum := faultTolerance(c.n)
		require.Equal(t, c.f, f, "f for n=%d", c.n)
		require.Equal(t, c.quorum, quorum, "quorum for n=%d", c.n)
	}
}

// TestCanProcessMessageCatchesUp drives the host-facing blocking primitive: a
// host thread holding a message for a later state blocks until a
// concurrent state transition catches the machine up, then proceeds.
func TestCanProcessMessageCatchesUp(t *testing.T) {
	saved := CONSENSUS_MSG_ORDER_BLOCK_WINDOW
	CONSENSUS_MSG_ORDER_BLOCK_WINDOW = 2 * time.Second
	defer func() { CONSENSUS_MSG_ORDER_BLOCK_WINDOW = saved }()

	validators := []PayloadValidator{acceptAllValidator()}
	_, backups, _, _ := setupInstance(t, validators)
	bk := backups[1]

	go func() {
		time.Sleep(20 * time.Millisecond)
		bk.mu.Lock()
		bk.setState(StateCommitDone)
		bk.mu.Unlock()
	}()

	require.True(t, bk.CanProcessMessage(StateCommitDone))
	require.Equal(t, StateCommitDone, bk.GetState())
}

func TestCanProcessMessageTimesOut(t *testing.T) {
	saved := CONSENSUS_MSG_ORDER_BLOCK_WINDOW
	CONSENSUS_MSG_ORDER_BLOCK_WINDOW = 30 * time.Millisecond
	defer func() { CONSENSUS_MSG_ORDER_BLOCK_WINDOW = saved }()

	validators := []PayloadValidator{acceptAllValidator()}
	_, backups, _, _ := setupInstance(t, validators)
	bk := backups[1]

	start := time.Now()
	require.False(t, bk.CanProcessMessage(StateResponseDone))
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	require.Equal(t, StateInitial, bk.GetState())
}

func TestCanProcessMessageAlreadyCaughtUp(t *testing.T) {
	validators := []PayloadValidator{acceptAllValidator()}
	_, backups, _, _ := setupInstance(t, validators)
	bk := backups[1]

	require.True(t, bk.CanProcessMessage(StateInitial))
}
