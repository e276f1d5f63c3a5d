package handler

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/ponder-go/ponder/internal/callcache"
	"github.com/ponder-go/ponder/internal/chain"
)

// CallClient is the read-only, memoized eth_call surface handler code
// gets for contract reads — spec.md §6's "client (read-only contract
// views backed by eth_call + memoization in rpcRequestResults)".
type CallClient struct {
	rpc   *chain.Client
	cache *callcache.Cache
}

// NewCallClient wraps a chain client with a memoization cache. cache may
// be nil, in which case every call is a live RPC round-trip.
func NewCallClient(rpc *chain.Client, cache *callcache.Cache) *CallClient {
	return &CallClient{rpc: rpc, cache: cache}
}

// Call performs (or replays a memoized) eth_call against address at
// blockNumber. Results are only memoized when finalized is true: calls
// against a block that could still be reorged out must never be cached.
func (c *CallClient) Call(ctx context.Context, address common.Address, calldata []byte, blockNumber uint64, finalized bool) ([]byte, error) {
	key := callcache.Key{ChainID: c.rpc.ChainID(), Address: address, Calldata: calldata, BlockNumber: blockNumber}

	if c.cache != nil && finalized {
		if cached, ok, err := c.cache.Get(ctx, key); err != nil {
			return nil, fmt.Errorf("handler: call cache lookup: %w", err)
		} else if ok {
			return cached, nil
		}
	}

	result, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &address, Data: calldata}, blockNumberArg(blockNumber))
	if err != nil {
		return nil, fmt.Errorf("handler: eth_call %s: %w", address.Hex(), err)
	}

	if c.cache != nil && finalized {
		if err := c.cache.Put(ctx, key, result); err != nil {
			return nil, fmt.Errorf("handler: call cache store: %w", err)
		}
	}
	return result, nil
}

func blockNumberArg(n uint64) *big.Int {
	if n == 0 {
		return nil
	}
	return new(big.Int).SetUint64(n)
}
