package syncstore

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ponder-go/ponder/internal/dbconn"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	conn, err := dbconn.Open(ctx, dbconn.Config{Kind: dbconn.KindSQLite, ConnectionString: ":memory:"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	s := New(conn, "public", zerolog.Nop())
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestInsertBlockIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := Block{ChainID: 1, Hash: common.HexToHash("0xaa"), Number: 10, Timestamp: 1000, ParentHash: common.HexToHash("0xbb")}
	require.NoError(t, s.InsertBlock(ctx, b))
	require.NoError(t, s.InsertBlock(ctx, b)) // re-insert must not error
}

func TestInsertLogFilterIntervalMergesOnInsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertLogFilterInterval(ctx, "filter-1", 0, 99))
	require.NoError(t, s.InsertLogFilterInterval(ctx, "filter-1", 100, 199))
	require.NoError(t, s.InsertLogFilterInterval(ctx, "filter-1", 500, 600))

	intervals, err := s.LogFilterIntervals(ctx, "filter-1")
	require.NoError(t, err)
	require.Equal(t, []Interval{{Start: 0, End: 199}, {Start: 500, End: 600}}, intervals)
}

func TestGetLogEventsOrdersByCheckpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	block := Block{ChainID: 1, Hash: common.HexToHash("0x1"), Number: 1, Timestamp: 1000, ParentHash: common.HexToHash("0x0")}
	require.NoError(t, s.InsertBlock(ctx, block))

	tx := Transaction{ChainID: 1, Hash: common.HexToHash("0xt1"), BlockHash: block.Hash, BlockNumber: 1, TransactionIndex: 0, From: common.HexToAddress("0xf1"), Gas: 21000}
	require.NoError(t, s.InsertTransactions(ctx, []Transaction{tx}))

	topic0 := common.HexToHash("0xdeadbeef")
	later := Log{ChainID: 1, ID: LogID(block.Hash, 1), Address: common.HexToAddress("0xc1"), BlockHash: block.Hash, BlockNumber: 1, LogIndex: 1, Topic0: &topic0, TransactionHash: tx.Hash, Checkpoint: ToCheckpoint(1, 1000, 1, 0, 1)}
	earlier := Log{ChainID: 1, ID: LogID(block.Hash, 0), Address: common.HexToAddress("0xc1"), BlockHash: block.Hash, BlockNumber: 1, LogIndex: 0, Topic0: &topic0, TransactionHash: tx.Hash, Checkpoint: ToCheckpoint(1, 1000, 1, 0, 0)}
	require.NoError(t, s.InsertLogs(ctx, []Log{later, earlier}))

	events, err := s.GetLogEvents(ctx, EventQuery{ChainID: 1, Addresses: []common.Address{common.HexToAddress("0xc1")}})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, earlier.Checkpoint, events[0].Log.Checkpoint)
	require.Equal(t, later.Checkpoint, events[1].Log.Checkpoint)
}

func TestFactoryChildAddressesFiltersByCreationBlock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertFactoryChildAddress(ctx, "factory-1", common.HexToAddress("0xc1"), 100))
	require.NoError(t, s.InsertFactoryChildAddress(ctx, "factory-1", common.HexToAddress("0xc2"), 200))

	children, err := s.FactoryChildAddresses(ctx, "factory-1", 150)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Contains(t, children, common.HexToAddress("0xc1"))
}

func TestPruneByBlockRemovesReorgedRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for n := uint64(1); n <= 5; n++ {
		require.NoError(t, s.InsertBlock(ctx, Block{ChainID: 1, Hash: common.BigToHash(big.NewInt(int64(n))), Number: n, Timestamp: n * 10, ParentHash: common.Hash{}}))
	}

	require.NoError(t, s.PruneByBlock(ctx, 1, 3))

	var count int
	require.NoError(t, s.conn.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM "public__blocks" WHERE chain_id = 1`).Scan(&count))
	require.Equal(t, 2, count)
}
