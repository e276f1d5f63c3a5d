package ctfapp

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ponder-go/ponder/internal/dbconn"
	"github.com/ponder-go/ponder/internal/indexingstore"
	"github.com/ponder-go/ponder/internal/syncstore"
	"github.com/ponder-go/ponder/pkg/handler"
)

func newTestContext(t *testing.T, checkpoint string) *handler.Context {
	t.Helper()
	ctx := context.Background()

	conn, err := dbconn.Open(ctx, dbconn.Config{Kind: dbconn.KindSQLite, ConnectionString: ":memory:"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	sc, err := Schema()
	require.NoError(t, err)

	tables := map[string]string{
		"OrderFill":         "orderfill_live",
		"TokenRegistration": "tokenregistration_live",
		"Position":          "position_live",
	}
	store := indexingstore.New(conn, sc, tables, zerolog.Nop())
	require.NoError(t, store.Migrate(ctx))

	return handler.NewContext(store, nil, handler.Network{ChainID: 1, Name: "test"}, nil, checkpoint)
}

func word32(n int64) []byte {
	b := make([]byte, 32)
	new(big.Int).SetInt64(n).FillBytes(b)
	return b
}

func hashOf(n int64) common.Hash {
	var h common.Hash
	copy(h[:], word32(n))
	return h
}

func addrHash(addr common.Address) common.Hash {
	var h common.Hash
	copy(h[12:], addr.Bytes())
	return h
}

func TestHandleOrderFilledCreatesRow(t *testing.T) {
	hc := newTestContext(t, "00000000000000000001")
	orderHash := hashOf(7)
	maker := common.HexToAddress("0x1111111111111111111111111111111111111111")
	taker := common.HexToAddress("0x2222222222222222222222222222222222222222")
	mTopic, tTopic := addrHash(maker), addrHash(taker)

	var data []byte
	data = append(data, word32(100)...) // makerAssetId
	data = append(data, word32(200)...) // takerAssetId
	data = append(data, word32(10)...)  // makerAmountFilled
	data = append(data, word32(20)...)  // takerAmountFilled
	data = append(data, word32(1)...)   // fee

	ev := handler.Event{
		Event: syncstore.Event{
			Log: syncstore.Log{
				ID:     "log-1",
				Topic1: &orderHash,
				Topic2: &mTopic,
				Topic3: &tTopic,
				Data:   data,
			},
		},
		ChainID: 1,
	}

	require.NoError(t, handleOrderFilled(context.Background(), ev, hc))

	row, found, err := hc.DB.FindUnique(context.Background(), "OrderFill", "log-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "100", row.Data["makerAssetId"].Big)
	require.Equal(t, maker.Hex(), row.Data["maker"].Str)
}

func TestHandleOrderFilledRejectsShortData(t *testing.T) {
	hc := newTestContext(t, "00000000000000000001")
	h := hashOf(1)
	ev := handler.Event{
		Event: syncstore.Event{
			Log: syncstore.Log{ID: "log-1", Topic1: &h, Topic2: &h, Topic3: &h, Data: []byte{1, 2, 3}},
		},
	}
	require.Error(t, handleOrderFilled(context.Background(), ev, hc))
}

func TestHandleTransferSingleTracksRunningBalance(t *testing.T) {
	hc := newTestContext(t, "00000000000000000001")
	operator := hashOf(0)
	zero := common.Hash{}
	holder := common.HexToAddress("0x3333333333333333333333333333333333333333")
	holderTopic := addrHash(holder)

	var mint []byte
	mint = append(mint, word32(42)...)  // tokenId
	mint = append(mint, word32(100)...) // amount

	mintEv := handler.Event{Event: syncstore.Event{Log: syncstore.Log{
		ID: "log-mint", Topic1: &operator, Topic2: &zero, Topic3: &holderTopic, Data: mint,
	}}}
	require.NoError(t, handleTransferSingle(context.Background(), mintEv, hc))

	row, found, err := hc.DB.FindUnique(context.Background(), "Position", positionID(holder, big.NewInt(42)))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "100", row.Data["balance"].Big)

	other := common.HexToAddress("0x4444444444444444444444444444444444444444")
	otherTopic := addrHash(other)
	var transfer []byte
	transfer = append(transfer, word32(42)...)
	transfer = append(transfer, word32(30)...)

	transferEv := handler.Event{Event: syncstore.Event{Log: syncstore.Log{
		ID: "log-transfer", Topic1: &operator, Topic2: &holderTopic, Topic3: &otherTopic, Data: transfer,
	}}}
	require.NoError(t, handleTransferSingle(context.Background(), transferEv, hc))

	row, _, err = hc.DB.FindUnique(context.Background(), "Position", positionID(holder, big.NewInt(42)))
	require.NoError(t, err)
	require.Equal(t, "70", row.Data["balance"].Big)

	row, _, err = hc.DB.FindUnique(context.Background(), "Position", positionID(other, big.NewInt(42)))
	require.NoError(t, err)
	require.Equal(t, "30", row.Data["balance"].Big)
}

func TestHandleTokenRegisteredCreatesRow(t *testing.T) {
	hc := newTestContext(t, "00000000000000000001")
	token0, token1, conditionID := hashOf(1), hashOf(2), hashOf(3)

	ev := handler.Event{Event: syncstore.Event{Log: syncstore.Log{
		ID: "log-1", Topic1: &token0, Topic2: &token1, Topic3: &conditionID,
	}}}
	require.NoError(t, handleTokenRegistered(context.Background(), ev, hc))

	row, found, err := hc.DB.FindUnique(context.Background(), "TokenRegistration", "log-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", row.Data["token0"].Big)
}

func TestRegistrationsMatchOnTopic0(t *testing.T) {
	regs := Registrations()
	require.Len(t, regs, 3)

	h := orderFilledTopic0
	ev := syncstore.Event{Log: syncstore.Log{Topic0: &h}}
	require.True(t, regs[0].Match(ev))
	require.False(t, regs[1].Match(ev))
}
