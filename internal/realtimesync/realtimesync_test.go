package realtimesync

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestTruncateAtKeepsUpToAndIncludingAncestor(t *testing.T) {
	tip := []trackedHeader{
		{Number: 10, Hash: common.HexToHash("0xa")},
		{Number: 11, Hash: common.HexToHash("0xb")},
		{Number: 12, Hash: common.HexToHash("0xc")},
	}
	got := truncateAt(tip, 11)
	require.Equal(t, []trackedHeader{
		{Number: 10, Hash: common.HexToHash("0xa")},
		{Number: 11, Hash: common.HexToHash("0xb")},
	}, got)
}

func TestTruncateAtMissingAncestorReturnsEmpty(t *testing.T) {
	tip := []trackedHeader{{Number: 10, Hash: common.HexToHash("0xa")}}
	require.Empty(t, truncateAt(tip, 999))
}

func TestMinUint64(t *testing.T) {
	require.Equal(t, uint64(3), minUint64(3, 5))
	require.Equal(t, uint64(3), minUint64(5, 3))
}

func TestTrimTipBoundsToFinalityWindow(t *testing.T) {
	s := &Syncer{cfg: Config{FinalityBlockCount: 2}}
	s.tip = []trackedHeader{{Number: 1}, {Number: 2}, {Number: 3}}
	s.trimTip()
	require.Equal(t, []trackedHeader{{Number: 2}, {Number: 3}}, s.tip)
}

func TestStateConstantsAreDistinct(t *testing.T) {
	states := map[State]bool{StateSyncing: true, StateRealtime: true, StateStalled: true, StateErrored: true}
	require.Len(t, states, 4)
}
