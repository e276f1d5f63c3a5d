// Package chain provides the read-only JSON-RPC surface spec.md §6 requires
// (eth_getBlockByNumber, eth_getBlockByHash, eth_getLogs,
// eth_getTransactionReceipt, eth_call, eth_chainId), wrapping every call
// through a per-network rpcqueue.Queue for rate limiting and retry.
package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/ponder-go/ponder/internal/rpcqueue"
)

// Client is a rate-limited, retrying RPC client for one network.
type Client struct {
	rpc     *ethclient.Client
	queue   *rpcqueue.Queue
	chainID uint64
	logger  zerolog.Logger
}

// Dial connects to rpcURL, verifies the advertised chain ID matches
// wantChainID, and wraps all calls with a rpcqueue.Queue built from qcfg.
func Dial(ctx context.Context, rpcURL string, wantChainID uint64, qcfg rpcqueue.Config, logger zerolog.Logger) (*Client, error) {
	raw, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}

	actual, err := raw.ChainID(ctx)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("chain: fetch chain id from %s: %w", rpcURL, err)
	}
	if actual.Uint64() != wantChainID {
		raw.Close()
		return nil, fmt.Errorf("chain: chain id mismatch for %s: configured %d, node reports %d", rpcURL, wantChainID, actual.Uint64())
	}

	c := &Client{
		rpc:     raw,
		queue:   rpcqueue.New(qcfg, logger),
		chainID: wantChainID,
		logger:  logger.With().Str("component", "chain").Uint64("chain_id", wantChainID).Logger(),
	}
	c.logger.Info().Str("rpc_url", rpcURL).Msg("chain client connected")
	return c, nil
}

// ChainID returns the network's chain ID.
func (c *Client) ChainID() uint64 { return c.chainID }

// LatestBlockNumber returns the current chain head.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return rpcqueue.Do(ctx, c.queue, "eth_blockNumber", func(ctx context.Context) (uint64, error) {
		return c.rpc.BlockNumber(ctx)
	})
}

// HeaderByNumber fetches one header by number.
func (c *Client) HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	header, err := rpcqueue.Do(ctx, c.queue, "eth_getBlockByNumber", func(ctx context.Context) (*types.Header, error) {
		return c.rpc.HeaderByNumber(ctx, big.NewInt(int64(number)))
	})
	if err != nil {
		if ethereum.NotFound == err {
			return nil, rpcqueue.ErrBlockNotFound
		}
		return nil, err
	}
	return header, nil
}

// BlockByNumber fetches a full block (with transactions) by number.
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	return rpcqueue.Do(ctx, c.queue, "eth_getBlockByNumber", func(ctx context.Context) (*types.Block, error) {
		block, err := c.rpc.BlockByNumber(ctx, big.NewInt(int64(number)))
		if err != nil {
			return nil, err
		}
		return block, nil
	})
}

// BlockByHash fetches a full block by hash.
func (c *Client) BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	return rpcqueue.Do(ctx, c.queue, "eth_getBlockByHash", func(ctx context.Context) (*types.Block, error) {
		return c.rpc.BlockByHash(ctx, hash)
	})
}

// TransactionReceipt fetches a single transaction's receipt.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := rpcqueue.Do(ctx, c.queue, "eth_getTransactionReceipt", func(ctx context.Context) (*types.Receipt, error) {
		return c.rpc.TransactionReceipt(ctx, hash)
	})
	if err != nil {
		if ethereum.NotFound == err {
			return nil, rpcqueue.ErrTransactionReceiptNotFound
		}
		return nil, err
	}
	return receipt, nil
}

// FilterLogs queries logs matching q, routed through the rpcqueue (and thus
// subject to retry, but not automatic range splitting — see
// internal/historicalsync, which calls rpcqueue.GetLogsWithSplit directly
// so it can bisect on KindTooManyResults).
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return rpcqueue.Do(ctx, c.queue, "eth_getLogs", func(ctx context.Context) ([]types.Log, error) {
		return c.rpc.FilterLogs(ctx, q)
	})
}

// CallContract performs a read-only eth_call.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return rpcqueue.Do(ctx, c.queue, "eth_call", func(ctx context.Context) ([]byte, error) {
		return c.rpc.CallContract(ctx, msg, blockNumber)
	})
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.rpc.Close()
	c.logger.Info().Msg("chain client closed")
}
