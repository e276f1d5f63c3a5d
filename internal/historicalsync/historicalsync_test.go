package historicalsync

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/ponder-go/ponder/internal/syncstore"
)

func TestTopicFilterNilWhenNoTopicsConfigured(t *testing.T) {
	require.Nil(t, topicFilter(nil, nil, nil, nil))
}

func TestTopicFilterPreservesPositionalGaps(t *testing.T) {
	topic0 := common.HexToHash("0xaa")
	topic2 := common.HexToHash("0xcc")

	got := topicFilter(&topic0, nil, &topic2, nil)
	require.Equal(t, [][]common.Hash{
		{topic0}, nil, {topic2}, nil,
	}, got)
}

func TestBuildFilterQueryAppliesAddressAndRange(t *testing.T) {
	addr := common.HexToAddress("0x1234")
	filter := syncstore.LogFilter{ChainID: 1, Address: &addr}

	q := buildFilterQuery(filter, syncstore.Interval{Start: 10, End: 20})
	require.Equal(t, []common.Address{addr}, q.Addresses)
	require.Equal(t, uint64(10), q.FromBlock.Uint64())
	require.Equal(t, uint64(20), q.ToBlock.Uint64())
}

func TestBuildFilterQueryMatchesAnyAddressWhenNil(t *testing.T) {
	filter := syncstore.LogFilter{ChainID: 1}
	q := buildFilterQuery(filter, syncstore.Interval{Start: 0, End: 1})
	require.Nil(t, q.Addresses)
}

func TestExtractChildAddressFromTopic1(t *testing.T) {
	child := common.HexToAddress("0xabc")
	l := types.Log{Topics: []common.Hash{common.HexToHash("0xsig"), child.Hash()}}

	factory := syncstore.Factory{ChildAddressLocation: syncstore.LocationTopic1}
	got, ok := extractChildAddress(factory, l)
	require.True(t, ok)
	require.Equal(t, child, got)
}

func TestExtractChildAddressFromDataOffset(t *testing.T) {
	child := common.HexToAddress("0xdeadbeef00000000000000000000000000000001")
	data := make([]byte, 64)
	copy(data[32:52], child.Bytes())

	factory := syncstore.Factory{ChildAddressLocation: syncstore.LocationOffsetN, ByteOffset: 32}
	got, ok := extractChildAddress(factory, types.Log{Data: data})
	require.True(t, ok)
	require.Equal(t, child, got)
}

func TestExtractChildAddressMissingTopicReturnsFalse(t *testing.T) {
	factory := syncstore.Factory{ChildAddressLocation: syncstore.LocationTopic2}
	_, ok := extractChildAddress(factory, types.Log{Topics: []common.Hash{{}}})
	require.False(t, ok)
}

func TestToStoreLogComputesCheckpointAndID(t *testing.T) {
	blockHash := common.HexToHash("0xblock")
	l := types.Log{
		BlockHash:   blockHash,
		BlockNumber: 100,
		Index:       3,
		TxIndex:     1,
		TxHash:      common.HexToHash("0xtx"),
		Address:     common.HexToAddress("0xaddr"),
	}

	sl := toStoreLog(5, l, 1700000000)
	require.Equal(t, syncstore.LogID(blockHash, 3), sl.ID)
	require.Equal(t, syncstore.ToCheckpoint(5, 1700000000, 100, 1, 3), sl.Checkpoint)
}
