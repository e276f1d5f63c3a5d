package historicalsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/ponder-go/ponder/internal/syncstore"
)

func blockNumberBig(n uint64) *big.Int {
	return new(big.Int).SetUint64(n)
}

// sender recovers a transaction's from-address without requiring the
// node to have returned it, using the chain-ID-aware signer matching the
// transaction's own type (legacy, EIP-1559, etc).
func sender(tx *types.Transaction) (common.Address, error) {
	signer := types.LatestSignerForChainID(tx.ChainId())
	return types.Sender(signer, tx)
}

// resolveBlocks fetches one header per distinct block number referenced
// by the chunk's logs, bounded by the syncer's configured concurrency.
func (s *Syncer) resolveBlocks(ctx context.Context, byNumber map[uint64]common.Hash) ([]syncstore.Block, error) {
	numbers := make([]uint64, 0, len(byNumber))
	for n := range byNumber {
		numbers = append(numbers, n)
	}

	blocks := make([]syncstore.Block, len(numbers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for i, n := range numbers {
		i, n := i, n
		g.Go(func() error {
			header, err := s.client.HeaderByNumber(gctx, n)
			if err != nil {
				return fmt.Errorf("header %d: %w", n, err)
			}
			headerJSON, err := json.Marshal(header)
			if err != nil {
				return fmt.Errorf("marshal header %d: %w", n, err)
			}
			blocks[i] = syncstore.Block{
				ChainID:    s.client.ChainID(),
				Hash:       header.Hash(),
				Number:     header.Number.Uint64(),
				Timestamp:  header.Time,
				ParentHash: header.ParentHash,
				HeaderJSON: headerJSON,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return blocks, nil
}

// resolveTransactions fetches the full block body for every block that
// produced at least one log, then keeps only the referenced
// transactions.
func (s *Syncer) resolveTransactions(ctx context.Context, blocks []syncstore.Block, wanted map[common.Hash]uint64) ([]syncstore.Transaction, error) {
	var txs []syncstore.Transaction
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	results := make([][]syncstore.Transaction, len(blocks))

	for i, b := range blocks {
		i, b := i, b
		g.Go(func() error {
			full, err := s.client.BlockByNumber(gctx, b.Number)
			if err != nil {
				return fmt.Errorf("block body %d: %w", b.Number, err)
			}
			var out []syncstore.Transaction
			for idx, tx := range full.Transactions() {
				if _, ok := wanted[tx.Hash()]; !ok {
					continue
				}
				bodyJSON, err := tx.MarshalJSON()
				if err != nil {
					return fmt.Errorf("marshal tx %s: %w", tx.Hash(), err)
				}
				from, err := sender(tx)
				if err != nil {
					return fmt.Errorf("recover sender for tx %s: %w", tx.Hash(), err)
				}
				out = append(out, syncstore.Transaction{
					ChainID:          s.client.ChainID(),
					Hash:             tx.Hash(),
					BlockHash:        b.Hash,
					BlockNumber:      b.Number,
					TransactionIndex: uint64(idx),
					From:             from,
					To:               tx.To(),
					Value:            tx.Value(),
					Gas:              tx.Gas(),
					BodyJSON:         bodyJSON,
				})
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, r := range results {
		txs = append(txs, r...)
	}
	return txs, nil
}

// resolveReceipts fetches one receipt per transaction hash.
func (s *Syncer) resolveReceipts(ctx context.Context, txHashes map[common.Hash]uint64) ([]syncstore.Receipt, error) {
	hashes := make([]common.Hash, 0, len(txHashes))
	for h := range txHashes {
		hashes = append(hashes, h)
	}

	receipts := make([]syncstore.Receipt, len(hashes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for i, h := range hashes {
		i, h := i, h
		g.Go(func() error {
			r, err := s.client.TransactionReceipt(gctx, h)
			if err != nil {
				return fmt.Errorf("receipt %s: %w", h, err)
			}
			logsJSON, err := json.Marshal(r.Logs)
			if err != nil {
				return fmt.Errorf("marshal receipt logs %s: %w", h, err)
			}
			receipts[i] = syncstore.Receipt{
				ChainID:         s.client.ChainID(),
				TransactionHash: h,
				Status:          r.Status,
				LogsBloom:       r.Bloom.Bytes(),
				LogsJSON:        logsJSON,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return receipts, nil
}
