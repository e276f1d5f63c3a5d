package historicalsync

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/ponder-go/ponder/internal/rpcqueue"
	"github.com/ponder-go/ponder/internal/syncstore"
)

// SyncFactory implements spec.md §4.4's two-phase factory backfill:
// first sync the factory's own log filter (discovering child addresses
// along the way), then sync one log filter per discovered child, whose
// intervals are bounded by max(childCreationBlock, factoryStartBlock).
func (s *Syncer) SyncFactory(ctx context.Context, factory syncstore.Factory, startBlock, safeHead uint64, onProgress ProgressFunc) error {
	ownFilter := syncstore.LogFilter{
		ID:                         factory.ID,
		ChainID:                    factory.ChainID,
		Address:                    &factory.Address,
		Topic0:                     &factory.EventSelector,
		IncludeTransactionReceipts: factory.IncludeTransactionReceipts,
	}

	if err := s.syncFactoryOwnFilter(ctx, factory, ownFilter, startBlock, safeHead, onProgress); err != nil {
		return fmt.Errorf("historicalsync: factory %s own filter: %w", factory.ID, err)
	}

	children, err := s.store.FactoryChildAddresses(ctx, factory.ID, safeHead)
	if err != nil {
		return fmt.Errorf("historicalsync: factory %s children: %w", factory.ID, err)
	}
	if len(children) == 0 {
		return nil
	}

	return s.syncFactoryChildren(ctx, factory, children, startBlock, safeHead, onProgress)
}

// syncFactoryOwnFilter is SyncFilter with one addition: after persisting
// each chunk's logs, it extracts and records any child addresses they
// announce.
func (s *Syncer) syncFactoryOwnFilter(ctx context.Context, factory syncstore.Factory, filter syncstore.LogFilter, startBlock, safeHead uint64, onProgress ProgressFunc) error {
	cached, err := s.store.LogFilterIntervals(ctx, filter.ID)
	if err != nil {
		return fmt.Errorf("load intervals: %w", err)
	}
	gaps := syncstore.Gaps(startBlock, safeHead, cached)
	if len(gaps) == 0 {
		return nil
	}
	chunks := syncstore.ChunkBy(gaps, s.cfg.MaxBlockRange)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, chunk := range chunks {
		chunk := chunk
		g.Go(func() error {
			q := buildFilterQuery(filter, chunk)
			logs, err := rpcqueue.GetLogsWithSplit(gctx, rpcqueue.BlockRange{From: chunk.Start, To: chunk.End}, s.cfg.MaxConcurrency,
				func(ctx context.Context, r rpcqueue.BlockRange) ([]types.Log, error) {
					fq := q
					fq.FromBlock = blockNumberBig(r.From)
					fq.ToBlock = blockNumberBig(r.To)
					return s.client.FilterLogs(ctx, fq)
				})
			if err != nil {
				return fmt.Errorf("fetch factory logs: %w", err)
			}

			for _, l := range logs {
				child, ok := extractChildAddress(factory, l)
				if !ok {
					continue
				}
				if err := s.store.InsertFactoryChildAddress(gctx, factory.ID, child, l.BlockNumber); err != nil {
					return fmt.Errorf("record child address: %w", err)
				}
			}

			blockNumbers := make(map[uint64]common.Hash)
			txHashes := make(map[common.Hash]uint64)
			for _, l := range logs {
				blockNumbers[l.BlockNumber] = l.BlockHash
				txHashes[l.TxHash] = l.BlockNumber
			}
			blocks, err := s.resolveBlocks(gctx, blockNumbers)
			if err != nil {
				return fmt.Errorf("resolve blocks: %w", err)
			}
			txs, err := s.resolveTransactions(gctx, blocks, txHashes)
			if err != nil {
				return fmt.Errorf("resolve transactions: %w", err)
			}
			blockTimestamps := make(map[common.Hash]uint64, len(blocks))
			for _, b := range blocks {
				blockTimestamps[b.Hash] = b.Timestamp
			}
			storeLogs := make([]syncstore.Log, 0, len(logs))
			for _, l := range logs {
				storeLogs = append(storeLogs, toStoreLog(factory.ChainID, l, blockTimestamps[l.BlockHash]))
			}
			var receipts []syncstore.Receipt
			if filter.IncludeTransactionReceipts {
				receipts, err = s.resolveReceipts(gctx, txHashes)
				if err != nil {
					return fmt.Errorf("resolve receipts: %w", err)
				}
			}
			if err := s.persist(gctx, blocks, txs, receipts, storeLogs); err != nil {
				return fmt.Errorf("persist: %w", err)
			}

			if err := s.store.InsertLogFilterInterval(gctx, filter.ID, chunk.Start, chunk.End); err != nil {
				return err
			}
			if onProgress != nil {
				onProgress(Progress{ChainID: factory.ChainID, MinUncachedBlock: chunk.End + 1})
			}
			return nil
		})
	}
	return g.Wait()
}

// syncFactoryChildren syncs every discovered child address as its own log
// filter (ID factory.ID + ":" + child), each bounded below by
// max(childCreationBlock, factoryStartBlock).
func (s *Syncer) syncFactoryChildren(ctx context.Context, factory syncstore.Factory, children map[common.Address]uint64, startBlock, safeHead uint64, onProgress ProgressFunc) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)

	for child, creationBlock := range children {
		child, creationBlock := child, creationBlock
		g.Go(func() error {
			childStart := startBlock
			if creationBlock > childStart {
				childStart = creationBlock
			}
			if childStart > safeHead {
				return nil
			}

			filter := syncstore.LogFilter{
				ID:                         factory.ID + ":" + child.Hex(),
				ChainID:                    factory.ChainID,
				Address:                    &child,
				IncludeTransactionReceipts: factory.IncludeTransactionReceipts,
			}
			return s.SyncFilter(gctx, filter, childStart, safeHead, onProgress)
		})
	}
	return g.Wait()
}

// extractChildAddress pulls the newly created child's address out of a
// factory log, per the factory's configured ChildAddressLocation.
func extractChildAddress(factory syncstore.Factory, l types.Log) (common.Address, bool) {
	switch factory.ChildAddressLocation {
	case syncstore.LocationTopic1:
		if len(l.Topics) > 1 {
			return common.HexToAddress(l.Topics[1].Hex()), true
		}
	case syncstore.LocationTopic2:
		if len(l.Topics) > 2 {
			return common.HexToAddress(l.Topics[2].Hex()), true
		}
	case syncstore.LocationTopic3:
		if len(l.Topics) > 3 {
			return common.HexToAddress(l.Topics[3].Hex()), true
		}
	case syncstore.LocationOffsetN:
		off := factory.ByteOffset
		if off >= 0 && off+20 <= len(l.Data) {
			return common.BytesToAddress(l.Data[off : off+20]), true
		}
	}
	return common.Address{}, false
}
