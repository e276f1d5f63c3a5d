package eventstream

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ponder-go/ponder/internal/dbconn"
	"github.com/ponder-go/ponder/internal/syncstore"
)

func newChainStore(t *testing.T, chainID uint64, blockTimestamp, blockNumber uint64) *syncstore.Store {
	t.Helper()
	ctx := context.Background()
	conn, err := dbconn.Open(ctx, dbconn.Config{Kind: dbconn.KindSQLite, ConnectionString: ":memory:"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	s := syncstore.New(conn, "public", zerolog.Nop())
	require.NoError(t, s.Migrate(ctx))

	block := syncstore.Block{ChainID: chainID, Hash: common.BigToHash(new(big.Int).SetUint64(blockNumber)), Number: blockNumber, Timestamp: blockTimestamp, ParentHash: common.Hash{}}
	require.NoError(t, s.InsertBlock(ctx, block))
	tx := syncstore.Transaction{ChainID: chainID, Hash: common.BigToHash(new(big.Int).SetUint64(blockNumber + 1000)), BlockHash: block.Hash, BlockNumber: blockNumber, From: common.HexToAddress("0xf1")}
	require.NoError(t, s.InsertTransactions(ctx, []syncstore.Transaction{tx}))

	log := syncstore.Log{
		ChainID: chainID, ID: syncstore.LogID(block.Hash, 0), Address: common.HexToAddress("0xc1"),
		BlockHash: block.Hash, BlockNumber: blockNumber, LogIndex: 0, TransactionHash: tx.Hash,
		Checkpoint: syncstore.ToCheckpoint(chainID, blockTimestamp, blockNumber, 0, 0),
	}
	require.NoError(t, s.InsertLogs(ctx, []syncstore.Log{log}))

	return s
}

func TestNextBatchMergesAcrossNetworksInCheckpointOrder(t *testing.T) {
	storeA := newChainStore(t, 1, 1000, 10) // earlier checkpoint
	storeB := newChainStore(t, 2, 2000, 10) // later checkpoint

	stream := New([]NetworkSource{
		{ChainID: 1, Store: storeA, Addresses: []syncstore.EventQuery{{}}, SafeCheckpoint: func() string { return syncstore.ToCheckpoint(1, 9999999999, 0, 0, 0) }},
		{ChainID: 2, Store: storeB, Addresses: []syncstore.EventQuery{{}}, SafeCheckpoint: func() string { return syncstore.ToCheckpoint(2, 9999999999, 0, 0, 0) }},
	}, zerolog.Nop())

	batch, err := stream.NextBatch(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, batch.Events, 2)
	require.Less(t, batch.Events[0].Log.Checkpoint, batch.Events[1].Log.Checkpoint)
	require.Equal(t, uint64(1), batch.Events[0].Log.ChainID)
	require.Equal(t, uint64(2), batch.Events[1].Log.ChainID)
}

func TestNextBatchEmptyWhenAnyNetworkNotYetSynced(t *testing.T) {
	storeA := newChainStore(t, 1, 1000, 10)
	stream := New([]NetworkSource{
		{ChainID: 1, Store: storeA, Addresses: []syncstore.EventQuery{{}}, SafeCheckpoint: func() string { return syncstore.ToCheckpoint(1, 9999999999, 0, 0, 0) }},
		{ChainID: 2, SafeCheckpoint: func() string { return "" }},
	}, zerolog.Nop())

	batch, err := stream.NextBatch(context.Background(), "", 0)
	require.NoError(t, err)
	require.Empty(t, batch.Events)
}

func TestNextAfterExcludesTheGivenCheckpointItself(t *testing.T) {
	ckpt := syncstore.ToCheckpoint(1, 1000, 10, 0, 0)
	require.Greater(t, nextAfter(ckpt), ckpt)
	require.Equal(t, "", nextAfter(""))
}
