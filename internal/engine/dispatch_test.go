package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ponder-go/ponder/internal/syncstore"
	"github.com/ponder-go/ponder/pkg/handler"
)

func ckptEvent(chainID uint64, checkpoint string) syncstore.Event {
	return syncstore.Event{Log: syncstore.Log{ChainID: chainID, Checkpoint: checkpoint}}
}

func TestPartitionBatchMergesAndReordersAcrossNetworks(t *testing.T) {
	e := &Engine{
		networks: map[uint64]*networkRuntime{
			1: {name: "mainnet", chainID: 1},
			2: {name: "polygon", chainID: 2},
		},
		matches: map[string]func(syncstore.Event) bool{
			"Deposit": func(ev syncstore.Event) bool { return true },
		},
	}

	// Interleaved checkpoints across two chains; each chain's own slice
	// is independently ordered but the merge must not just append one
	// chain's events after the other's.
	events := []syncstore.Event{
		ckptEvent(1, "001"),
		ckptEvent(2, "002"),
		ckptEvent(1, "003"),
		ckptEvent(2, "004"),
	}

	dispatch := e.partitionBatch(events)
	got := dispatch.ByHandler["Deposit"]
	require.Len(t, got, 4)
	for i := 1; i < len(got); i++ {
		require.LessOrEqual(t, got[i-1].Log.Checkpoint, got[i].Log.Checkpoint)
	}
	require.Equal(t, uint64(1), got[0].ChainID)
	require.Equal(t, uint64(2), got[1].ChainID)
	require.Equal(t, uint64(1), got[2].ChainID)
	require.Equal(t, uint64(2), got[3].ChainID)
}

func TestHandlerContextResolvesNetworkFromChainID(t *testing.T) {
	e := &Engine{
		networks: map[uint64]*networkRuntime{
			1: {name: "mainnet", chainID: 1},
		},
	}

	hc := e.handlerContext(handler.Event{Event: ckptEvent(1, "001"), ChainID: 1})
	require.Equal(t, "mainnet", hc.Network.Name)
	require.Equal(t, uint64(1), hc.Network.ChainID)

	// An event for an unconfigured chain ID still gets a usable context
	// rather than a nil panic, just with an empty network name.
	hc = e.handlerContext(handler.Event{Event: ckptEvent(9, "001"), ChainID: 9})
	require.Equal(t, uint64(9), hc.Network.ChainID)
	require.Empty(t, hc.Network.Name)
}

func TestAdvanceCursorOnlyMovesForward(t *testing.T) {
	e := &Engine{cursor: "005"}
	e.advanceCursor("003")
	require.Equal(t, "005", e.cursorSnapshot())
	e.advanceCursor("010")
	require.Equal(t, "010", e.cursorSnapshot())
}
