package callcache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestGetMissReturnsNotOK(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer c.Close()

	_, ok, err := c.Get(context.Background(), Key{ChainID: 1, Address: common.HexToAddress("0xa1"), BlockNumber: 10})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPutThenGetRoundTrips(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer c.Close()

	key := Key{ChainID: 1, Address: common.HexToAddress("0xa1"), Calldata: []byte{0x01, 0x02}, BlockNumber: 10}
	require.NoError(t, c.Put(context.Background(), key, []byte("result")))

	got, ok, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("result"), got)
}

func TestDistinctCalldataIsDistinctKey(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer c.Close()

	base := Key{ChainID: 1, Address: common.HexToAddress("0xa1"), BlockNumber: 10}
	k1, k2 := base, base
	k1.Calldata = []byte{0x01}
	k2.Calldata = []byte{0x02}

	require.NoError(t, c.Put(context.Background(), k1, []byte("a")))
	require.NoError(t, c.Put(context.Background(), k2, []byte("b")))

	v1, _, _ := c.Get(context.Background(), k1)
	v2, _, _ := c.Get(context.Background(), k2)
	require.Equal(t, []byte("a"), v1)
	require.Equal(t, []byte("b"), v2)
}
