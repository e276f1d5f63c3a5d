package ctfapp

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ponder-go/ponder/internal/engine"
	"github.com/ponder-go/ponder/internal/schema"
	"github.com/ponder-go/ponder/internal/syncstore"
	"github.com/ponder-go/ponder/pkg/handler"
)

// Event signature hashes for the three events this application indexes.
// Non-indexed fields are read directly off log.Data by fixed offset
// rather than through an ABI unpacker, since none of the three events
// carries a dynamic-length argument.
var (
	orderFilledTopic0     = common.HexToHash("0xd0a08e8c493f9c94f29311604c9de1b4e8c8d4c06bd0c789af57f2d65bfec0f6")
	tokenRegisteredTopic0 = common.HexToHash("0xbc9a2432e8aeb48327246cddd6e872ef452812b4243c04e6bfb786a2cd8faf0d")
	transferSingleTopic0  = common.HexToHash("0xc3d58168c5ae7397731d063d5bbf3d657854427343f4c083240f7aacaa2d0f62")
)

func topicMatch(want common.Hash) func(syncstore.Event) bool {
	return func(ev syncstore.Event) bool {
		return ev.Log.Topic0 != nil && *ev.Log.Topic0 == want
	}
}

// Registrations returns the handler set to pass to engine.New, along
// with the matching predicate and a resolved-source fingerprint for
// each — the same three pieces any application supplies.
func Registrations() []engine.Registration {
	return []engine.Registration{
		{
			Handler: handler.Handler{
				Name:   "OrderFilled",
				Writes: []string{"OrderFill"},
				Invoke: handleOrderFilled,
			},
			Match:  topicMatch(orderFilledTopic0),
			Source: "ctfapp.handleOrderFilled@v1",
		},
		{
			Handler: handler.Handler{
				Name:   "TokenRegistered",
				Writes: []string{"TokenRegistration"},
				Invoke: handleTokenRegistered,
			},
			Match:  topicMatch(tokenRegisteredTopic0),
			Source: "ctfapp.handleTokenRegistered@v1",
		},
		{
			Handler: handler.Handler{
				Name:   "TransferSingle",
				Reads:  []string{"Position"},
				Writes: []string{"Position"},
				Invoke: handleTransferSingle,
			},
			Match:  topicMatch(transferSingleTopic0),
			Source: "ctfapp.handleTransferSingle@v1",
		},
	}
}

// handleOrderFilled decodes an OrderFilled(orderHash indexed, maker
// indexed, taker indexed, makerAssetId, takerAssetId,
// makerAmountFilled, takerAmountFilled, fee) log. The three indexed
// arguments come straight off the topics; the five non-indexed
// uint256s are fixed-width words in log.Data.
func handleOrderFilled(ctx context.Context, ev handler.Event, hc *handler.Context) error {
	if ev.Log.Topic1 == nil || ev.Log.Topic2 == nil || ev.Log.Topic3 == nil {
		return fmt.Errorf("ctfapp: OrderFilled: missing indexed topic on log %s", ev.Log.ID)
	}
	if len(ev.Log.Data) < 160 {
		return fmt.Errorf("ctfapp: OrderFilled: data too short (%d bytes) on log %s", len(ev.Log.Data), ev.Log.ID)
	}

	orderHash := ev.Log.Topic1.Hex()
	maker := common.BytesToAddress(ev.Log.Topic2.Bytes()).Hex()
	taker := common.BytesToAddress(ev.Log.Topic3.Bytes()).Hex()

	makerAssetID := new(big.Int).SetBytes(ev.Log.Data[0:32])
	takerAssetID := new(big.Int).SetBytes(ev.Log.Data[32:64])
	makerAmountFilled := new(big.Int).SetBytes(ev.Log.Data[64:96])
	takerAmountFilled := new(big.Int).SetBytes(ev.Log.Data[96:128])
	fee := new(big.Int).SetBytes(ev.Log.Data[128:160])

	return hc.DB.Create(ctx, "OrderFill", ev.Log.ID, map[string]schema.Value{
		"orderHash":         {Str: orderHash},
		"maker":             {Str: maker},
		"taker":             {Str: taker},
		"makerAssetId":      {Big: makerAssetID.String()},
		"takerAssetId":      {Big: takerAssetID.String()},
		"makerAmountFilled": {Big: makerAmountFilled.String()},
		"takerAmountFilled": {Big: takerAmountFilled.String()},
		"fee":               {Big: fee.String()},
	})
}

// handleTokenRegistered decodes a TokenRegistered(token0 indexed,
// token1 indexed, conditionId indexed) log. All three arguments are
// indexed, so nothing is read from log.Data.
func handleTokenRegistered(ctx context.Context, ev handler.Event, hc *handler.Context) error {
	if ev.Log.Topic1 == nil || ev.Log.Topic2 == nil || ev.Log.Topic3 == nil {
		return fmt.Errorf("ctfapp: TokenRegistered: missing indexed topic on log %s", ev.Log.ID)
	}

	token0 := new(big.Int).SetBytes(ev.Log.Topic1.Bytes())
	token1 := new(big.Int).SetBytes(ev.Log.Topic2.Bytes())
	conditionID := ev.Log.Topic3.Hex()

	return hc.DB.Create(ctx, "TokenRegistration", ev.Log.ID, map[string]schema.Value{
		"token0":      {Big: token0.String()},
		"token1":      {Big: token1.String()},
		"conditionId": {Str: conditionID},
	})
}

// handleTransferSingle decodes an ERC-1155 TransferSingle(operator
// indexed, from indexed, to indexed, id, value) log and folds it into
// each side's running Position balance: a debit against from (unless
// it's the zero address, i.e. a mint) and a credit to to (unless it's
// a burn). Reading the row it is about to write is what gives this
// handler its self-loop.
func handleTransferSingle(ctx context.Context, ev handler.Event, hc *handler.Context) error {
	if ev.Log.Topic2 == nil || ev.Log.Topic3 == nil {
		return fmt.Errorf("ctfapp: TransferSingle: missing indexed topic on log %s", ev.Log.ID)
	}
	if len(ev.Log.Data) < 64 {
		return fmt.Errorf("ctfapp: TransferSingle: data too short (%d bytes) on log %s", len(ev.Log.Data), ev.Log.ID)
	}

	from := common.BytesToAddress(ev.Log.Topic2.Bytes())
	to := common.BytesToAddress(ev.Log.Topic3.Bytes())
	tokenID := new(big.Int).SetBytes(ev.Log.Data[0:32])
	amount := new(big.Int).SetBytes(ev.Log.Data[32:64])

	if (from != common.Address{}) {
		if err := adjustBalance(ctx, hc, from, tokenID, new(big.Int).Neg(amount)); err != nil {
			return fmt.Errorf("ctfapp: TransferSingle: debit %s: %w", from.Hex(), err)
		}
	}
	if (to != common.Address{}) {
		if err := adjustBalance(ctx, hc, to, tokenID, amount); err != nil {
			return fmt.Errorf("ctfapp: TransferSingle: credit %s: %w", to.Hex(), err)
		}
	}
	return nil
}

func positionID(holder common.Address, tokenID *big.Int) string {
	return holder.Hex() + ":" + tokenID.String()
}

func adjustBalance(ctx context.Context, hc *handler.Context, holder common.Address, tokenID, delta *big.Int) error {
	id := positionID(holder, tokenID)

	balance := new(big.Int)
	row, found, err := hc.DB.FindUnique(ctx, "Position", id)
	if err != nil {
		return err
	}
	if found {
		if b, ok := new(big.Int).SetString(row.Data["balance"].Big, 10); ok {
			balance = b
		}
	}
	balance.Add(balance, delta)

	return hc.DB.Upsert(ctx, "Position", id,
		map[string]schema.Value{
			"holder":  {Str: holder.Hex()},
			"tokenId": {Big: tokenID.String()},
			"balance": {Big: balance.String()},
		},
		map[string]schema.Value{
			"balance": {Big: balance.String()},
		},
	)
}
