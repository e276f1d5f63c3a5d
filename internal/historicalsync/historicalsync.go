// Package historicalsync backfills a network's sync store from whatever
// gap exists between the configured start block and the chain's safe
// head, for a set of log filters and factories.
//
// # PURPOSE
// Historical sync is the catch-up path: given filters that may already be
// partially cached (from a prior run), it computes exactly the block
// ranges still missing, fetches only those, and persists them so the
// event stream can start yielding from block one without re-fetching
// anything already on disk.
//
// # ARCHITECTURE
//
//	for each filter/factory:
//	    gaps := Gaps(startBlock, safeHead, cachedIntervals)
//	    chunks := ChunkBy(gaps, maxBlockRange)
//	    process chunks concurrently, bounded by maxConcurrency  (mirrors
//	    the teacher's processBatch worker pool, but via errgroup instead
//	    of a hand-rolled WaitGroup+channel)
//	    for each chunk: fetch logs -> resolve blocks/txs/receipts ->
//	        compute checkpoints -> persist -> record interval
//
// Factory sources run in two phases: the factory's own filter is synced
// first so child addresses can be discovered from its logs, then a
// second, dynamic filter covering those children is synced.
package historicalsync

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ponder-go/ponder/internal/chain"
	"github.com/ponder-go/ponder/internal/rpcqueue"
	"github.com/ponder-go/ponder/internal/syncstore"
)

// Config controls chunking and parallelism.
type Config struct {
	MaxBlockRange  uint64 // default 10_000, per spec.md §4.4
	MaxConcurrency int    // default 4
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{MaxBlockRange: 10_000, MaxConcurrency: 4}
}

// Progress reports how far a filter's cached prefix reaches.
type Progress struct {
	ChainID          uint64
	MinUncachedBlock uint64
}

// ProgressFunc is invoked after every chunk completes.
type ProgressFunc func(Progress)

// Syncer backfills one network.
type Syncer struct {
	client *chain.Client
	store  *syncstore.Store
	cfg    Config
	logger zerolog.Logger
}

// New builds a Syncer for one network's client and sync store.
func New(client *chain.Client, store *syncstore.Store, cfg Config, logger zerolog.Logger) *Syncer {
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = DefaultConfig().MaxBlockRange
	}
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	return &Syncer{
		client: client,
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "historicalsync").Uint64("chain_id", client.ChainID()).Logger(),
	}
}

// SyncFilter backfills one log filter across [startBlock, safeHead],
// fetching only the gaps not already covered by recorded intervals.
func (s *Syncer) SyncFilter(ctx context.Context, filter syncstore.LogFilter, startBlock, safeHead uint64, onProgress ProgressFunc) error {
	cached, err := s.store.LogFilterIntervals(ctx, filter.ID)
	if err != nil {
		return fmt.Errorf("historicalsync: load intervals for %s: %w", filter.ID, err)
	}

	gaps := syncstore.Gaps(startBlock, safeHead, cached)
	if len(gaps) == 0 {
		s.logger.Debug().Str("filter_id", filter.ID).Msg("no gaps, filter fully cached")
		return nil
	}
	chunks := syncstore.ChunkBy(gaps, s.cfg.MaxBlockRange)

	s.logger.Info().Str("filter_id", filter.ID).Int("chunks", len(chunks)).Msg("backfilling filter")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, chunk := range chunks {
		chunk := chunk
		g.Go(func() error {
			if err := s.processChunk(gctx, filter, chunk); err != nil {
				return fmt.Errorf("historicalsync: chunk [%d,%d] of %s: %w", chunk.Start, chunk.End, filter.ID, err)
			}
			if onProgress != nil {
				onProgress(Progress{ChainID: filter.ChainID, MinUncachedBlock: chunk.End + 1})
			}
			return nil
		})
	}
	return g.Wait()
}

// processChunk implements spec.md §4.4 steps 1-5 for a single chunk:
// fetch logs, resolve blocks/transactions/receipts, compute checkpoints,
// persist everything, then record the fetched interval.
func (s *Syncer) processChunk(ctx context.Context, filter syncstore.LogFilter, chunk syncstore.Interval) error {
	q := buildFilterQuery(filter, chunk)

	logs, err := rpcqueue.GetLogsWithSplit(ctx, rpcqueue.BlockRange{From: chunk.Start, To: chunk.End}, s.cfg.MaxConcurrency,
		func(ctx context.Context, r rpcqueue.BlockRange) ([]types.Log, error) {
			fq := q
			fq.FromBlock = blockNumberBig(r.From)
			fq.ToBlock = blockNumberBig(r.To)
			return s.client.FilterLogs(ctx, fq)
		})
	if err != nil {
		return fmt.Errorf("fetch logs: %w", err)
	}

	blockNumbers := make(map[uint64]common.Hash)
	txHashes := make(map[common.Hash]uint64)
	for _, l := range logs {
		blockNumbers[l.BlockNumber] = l.BlockHash
		txHashes[l.TxHash] = l.BlockNumber
	}

	blocks, err := s.resolveBlocks(ctx, blockNumbers)
	if err != nil {
		return fmt.Errorf("resolve blocks: %w", err)
	}
	txs, err := s.resolveTransactions(ctx, blocks, txHashes)
	if err != nil {
		return fmt.Errorf("resolve transactions: %w", err)
	}

	var receipts []syncstore.Receipt
	if filter.IncludeTransactionReceipts {
		receipts, err = s.resolveReceipts(ctx, txHashes)
		if err != nil {
			return fmt.Errorf("resolve receipts: %w", err)
		}
	}

	storeLogs := make([]syncstore.Log, 0, len(logs))
	blockTimestamps := make(map[common.Hash]uint64, len(blocks))
	for _, b := range blocks {
		blockTimestamps[b.Hash] = b.Timestamp
	}
	for _, l := range logs {
		ts := blockTimestamps[l.BlockHash]
		storeLogs = append(storeLogs, toStoreLog(filter.ChainID, l, ts))
	}

	if err := s.persist(ctx, blocks, txs, receipts, storeLogs); err != nil {
		return fmt.Errorf("persist: %w", err)
	}

	return s.store.InsertLogFilterInterval(ctx, filter.ID, chunk.Start, chunk.End)
}

// persist writes one chunk's rows to the sync store. The teacher has no
// direct SQL-transaction analogue (it's bbolt + NATS), so the "single
// sync-store transaction" spec.md §4.4 step 5 calls for is approximated
// here at the store-method level: each insert is itself idempotent by
// primary key, so a crash between calls just re-does harmless upserts on
// the next run rather than corrupting state.
func (s *Syncer) persist(ctx context.Context, blocks []syncstore.Block, txs []syncstore.Transaction, receipts []syncstore.Receipt, logs []syncstore.Log) error {
	for _, b := range blocks {
		if err := s.store.InsertBlock(ctx, b); err != nil {
			return err
		}
	}
	if err := s.store.InsertTransactions(ctx, txs); err != nil {
		return err
	}
	if err := s.store.InsertReceipts(ctx, receipts); err != nil {
		return err
	}
	return s.store.InsertLogs(ctx, logs)
}

func buildFilterQuery(filter syncstore.LogFilter, chunk syncstore.Interval) ethereum.FilterQuery {
	q := ethereum.FilterQuery{
		FromBlock: blockNumberBig(chunk.Start),
		ToBlock:   blockNumberBig(chunk.End),
		Topics:    topicFilter(filter.Topic0, filter.Topic1, filter.Topic2, filter.Topic3),
	}
	if filter.Address != nil {
		q.Addresses = []common.Address{*filter.Address}
	}
	return q
}

func topicFilter(topics ...*common.Hash) [][]common.Hash {
	var out [][]common.Hash
	anySet := false
	for _, t := range topics {
		if t != nil {
			anySet = true
		}
	}
	if !anySet {
		return nil
	}
	for _, t := range topics {
		if t == nil {
			out = append(out, nil)
		} else {
			out = append(out, []common.Hash{*t})
		}
	}
	return out
}

func toStoreLog(chainID uint64, l types.Log, blockTimestamp uint64) syncstore.Log {
	sl := syncstore.Log{
		ChainID:          chainID,
		ID:               syncstore.LogID(l.BlockHash, uint64(l.Index)),
		Address:          l.Address,
		BlockHash:        l.BlockHash,
		BlockNumber:      l.BlockNumber,
		LogIndex:         uint64(l.Index),
		Data:             l.Data,
		TransactionHash:  l.TxHash,
		TransactionIndex: uint64(l.TxIndex),
	}
	for i, t := range l.Topics {
		t := t
		switch i {
		case 0:
			sl.Topic0 = &t
		case 1:
			sl.Topic1 = &t
		case 2:
			sl.Topic2 = &t
		case 3:
			sl.Topic3 = &t
		}
	}
	sl.Checkpoint = syncstore.ToCheckpoint(chainID, blockTimestamp, l.BlockNumber, uint64(l.TxIndex), uint64(l.Index))
	return sl
}
