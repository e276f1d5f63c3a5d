// Package realtimesync tracks a network's chain head once historical
// sync has closed the gap to it, detecting and recovering from reorgs.
//
// # ARCHITECTURE
// Polls eth_getBlockByNumber("latest") every pollInterval. Keeps an
// in-memory ring of the last finalityBlockCount headers (the
// non-finalized "tip chain"). On each new head:
//
//	parentHash(head) == tip.hash   -> extend: fetch logs for
//	                                   (tipBlock+1..head), persist, emit
//	otherwise                      -> reorg: walk back to the common
//	                                   ancestor, prune the sync store
//	                                   above it, and re-sync forward
//
// Blocks older than (head - finalityBlockCount) are considered
// finalized; the caller is notified via OnFinalize so the database
// service can promote rows to the cache.
package realtimesync

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/ponder-go/ponder/internal/chain"
	"github.com/ponder-go/ponder/internal/historicalsync"
	"github.com/ponder-go/ponder/internal/syncstore"
)

// State is one of the per-network realtime-sync states spec.md §4.5
// names.
type State string

const (
	StateSyncing  State = "syncing"
	StateRealtime State = "realtime"
	StateStalled  State = "stalled"
	StateErrored  State = "errored"
)

// Config controls polling cadence and finality.
type Config struct {
	PollInterval       time.Duration
	FinalityBlockCount uint64 // default 64
	StallTimeout       time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{PollInterval: 2 * time.Second, FinalityBlockCount: 64, StallTimeout: 60 * time.Second}
}

// EventBatch is what extend reports to the caller so the event stream
// can be advanced.
type EventBatch struct {
	ChainID   uint64
	FromBlock uint64
	ToBlock   uint64
}

// OnExtendFunc is called after new blocks have been persisted.
type OnExtendFunc func(EventBatch)

// OnFinalizeFunc is called when the finalized boundary advances.
type OnFinalizeFunc func(chainID, finalizedBlock uint64)

// OnReorgFunc is called after a reorg has been detected and the store
// rolled back, before re-sync begins; the indexing store owner uses this
// to roll its own writes back to the ancestor's checkpoint.
type OnReorgFunc func(chainID, ancestorBlock uint64)

// Syncer tracks one network's chain head.
type Syncer struct {
	client     *chain.Client
	store      *syncstore.Store
	historical *historicalsync.Syncer
	filters    []syncstore.LogFilter
	cfg        Config
	logger     zerolog.Logger

	// tip holds the last cfg.FinalityBlockCount headers, oldest first.
	tip          []trackedHeader
	finalized    uint64
	state        State
	lastHeadSeen time.Time

	onExtend   OnExtendFunc
	onFinalize OnFinalizeFunc
	onReorg    OnReorgFunc
}

type trackedHeader struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
}

func toTracked(h *types.Header) trackedHeader {
	return trackedHeader{Number: h.Number.Uint64(), Hash: h.Hash(), ParentHash: h.ParentHash}
}

// New builds a Syncer for one network.
func New(client *chain.Client, store *syncstore.Store, historical *historicalsync.Syncer, filters []syncstore.LogFilter, cfg Config, logger zerolog.Logger) *Syncer {
	d := DefaultConfig()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.FinalityBlockCount == 0 {
		cfg.FinalityBlockCount = d.FinalityBlockCount
	}
	if cfg.StallTimeout == 0 {
		cfg.StallTimeout = d.StallTimeout
	}
	return &Syncer{
		client:     client,
		store:      store,
		historical: historical,
		filters:    filters,
		cfg:        cfg,
		state:      StateSyncing,
		logger:     logger.With().Str("component", "realtimesync").Uint64("chain_id", client.ChainID()).Logger(),
	}
}

// OnExtend registers the extend callback.
func (s *Syncer) OnExtend(fn OnExtendFunc) { s.onExtend = fn }

// OnFinalize registers the finalization callback.
func (s *Syncer) OnFinalize(fn OnFinalizeFunc) { s.onFinalize = fn }

// OnReorg registers the reorg callback.
func (s *Syncer) OnReorg(fn OnReorgFunc) { s.onReorg = fn }

// State returns the syncer's current state.
func (s *Syncer) State() State { return s.state }

// Seed primes the tip chain after historical sync has closed the gap to
// tipBlock, so the first poll can tell extend from reorg.
func (s *Syncer) Seed(ctx context.Context, tipBlock uint64) error {
	header, err := s.client.HeaderByNumber(ctx, tipBlock)
	if err != nil {
		return fmt.Errorf("realtimesync: seed header %d: %w", tipBlock, err)
	}
	s.tip = []trackedHeader{toTracked(header)}
	s.state = StateRealtime
	s.lastHeadSeen = time.Now()
	return nil
}

// Run polls until ctx is canceled.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.poll(ctx); err != nil {
				s.state = StateErrored
				s.logger.Error().Err(err).Msg("realtime poll failed")
				return fmt.Errorf("realtimesync: poll: %w", err)
			}
			if s.state != StateErrored && time.Since(s.lastHeadSeen) > s.cfg.StallTimeout {
				s.state = StateStalled
				s.logger.Warn().Dur("since_last_head", time.Since(s.lastHeadSeen)).Msg("no new head within stall timeout")
			}
		}
	}
}

func (s *Syncer) poll(ctx context.Context) error {
	latest, err := s.client.LatestBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("fetch latest block number: %w", err)
	}
	header, err := s.client.HeaderByNumber(ctx, latest)
	if err != nil {
		return fmt.Errorf("fetch latest header: %w", err)
	}

	if len(s.tip) == 0 {
		s.tip = []trackedHeader{toTracked(header)}
		s.lastHeadSeen = time.Now()
		s.state = StateRealtime
		return nil
	}

	currentTip := s.tip[len(s.tip)-1]
	if header.Number.Uint64() <= currentTip.Number {
		if header.Number.Uint64() == currentTip.Number && header.Hash() != currentTip.Hash {
			return s.recoverReorg(ctx, header)
		}
		return nil // no new head since last poll
	}

	s.lastHeadSeen = time.Now()
	s.state = StateRealtime
	return s.extend(ctx, header)
}
