package realtimesync

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
)

// recoverReorg implements spec.md §4.5's reorg path: walk back from the
// tracked tip until a block number is found where the locally tracked
// hash still matches the chain's current hash at that number (the
// common ancestor), prune the sync store above it, notify the caller so
// the indexing store can roll back to the ancestor's checkpoint, then
// re-sync forward to the new head.
//
// Grounded on the teacher-adjacent reorg_detector.go pattern of
// comparing cached block hashes against freshly fetched headers and
// pruning everything from the first mismatch forward; this extends it
// with the walk-back loop needed to find exactly how far back the
// mismatch goes, since that example surfaces the mismatch as an error
// rather than resolving it locally.
func (s *Syncer) recoverReorg(ctx context.Context, head *types.Header) error {
	ancestor, err := s.findCommonAncestor(ctx)
	if err != nil {
		return fmt.Errorf("recoverReorg: find common ancestor: %w", err)
	}

	s.logger.Warn().
		Uint64("ancestor_block", ancestor.Number).
		Uint64("new_head", head.Number.Uint64()).
		Msg("reorg detected, rolling back")

	if err := s.store.PruneByBlock(ctx, s.client.ChainID(), ancestor.Number+1); err != nil {
		return fmt.Errorf("recoverReorg: prune sync store: %w", err)
	}

	s.tip = truncateAt(s.tip, ancestor.Number)
	s.finalized = minUint64(s.finalized, ancestor.Number)

	if s.onReorg != nil {
		s.onReorg(s.client.ChainID(), ancestor.Number)
	}

	if err := s.syncRange(ctx, ancestor.Number+1, head.Number.Uint64()); err != nil {
		return fmt.Errorf("recoverReorg: re-sync forward: %w", err)
	}

	s.tip = append(s.tip, toTracked(head))
	s.trimTip()
	s.lastHeadSeen = time.Now()
	s.state = StateRealtime
	return s.advanceFinality(ctx)
}

// findCommonAncestor walks backward from the tracked tip, re-fetching
// each block number from the chain and comparing hashes, returning the
// first (i.e. highest) block where they still agree. If the entire
// tracked window has reorged out, it returns the last finalized block,
// which by definition cannot reorg, without checking the blocks between.
func (s *Syncer) findCommonAncestor(ctx context.Context) (trackedHeader, error) {
	for i := len(s.tip) - 1; i >= 0; i-- {
		local := s.tip[i]
		remote, err := s.client.HeaderByNumber(ctx, local.Number)
		if err != nil {
			return trackedHeader{}, fmt.Errorf("header %d: %w", local.Number, err)
		}
		if remote.Hash() == local.Hash {
			return local, nil
		}
	}

	// The entire tracked window reorged out without finding agreement —
	// deeper than finalityBlockCount, which the finality assumption says
	// shouldn't happen. Fall back to the last finalized block: it has no
	// locally stored hash to re-verify, but finalized blocks are by
	// definition immutable, so it's the deepest safe ancestor available.
	remote, err := s.client.HeaderByNumber(ctx, s.finalized)
	if err != nil {
		return trackedHeader{}, fmt.Errorf("header %d: %w", s.finalized, err)
	}
	return toTracked(remote), nil
}

func truncateAt(tip []trackedHeader, ancestorBlock uint64) []trackedHeader {
	for i, h := range tip {
		if h.Number == ancestorBlock {
			return append([]trackedHeader(nil), tip[:i+1]...)
		}
	}
	return []trackedHeader{}
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
