package realtimesync

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"
)

// extend fetches every header between the current tip and head,
// verifies the parent-hash chain links up to the tracked tip (falling
// back to reorg recovery if it doesn't, which can happen if a reorg
// occurred between consecutive polls), persists the newly-confirmed
// range's logs for every configured filter, and advances finality.
func (s *Syncer) extend(ctx context.Context, head *types.Header) error {
	currentTip := s.tip[len(s.tip)-1]
	from := currentTip.Number + 1
	to := head.Number.Uint64()

	headers := make([]trackedHeader, 0, to-from+1)
	parent := currentTip.Hash
	for n := from; n <= to; n++ {
		var h trackedHeader
		if n == to {
			h = toTracked(head)
		} else {
			hdr, err := s.client.HeaderByNumber(ctx, n)
			if err != nil {
				return fmt.Errorf("extend: header %d: %w", n, err)
			}
			h = toTracked(hdr)
		}
		if h.ParentHash != parent {
			// The chain changed shape since we last polled; let reorg
			// recovery find the actual common ancestor instead of
			// guessing here.
			return s.recoverReorg(ctx, head)
		}
		headers = append(headers, h)
		parent = h.Hash
	}

	if err := s.syncRange(ctx, from, to); err != nil {
		return fmt.Errorf("extend: sync range [%d,%d]: %w", from, to, err)
	}

	s.tip = append(s.tip, headers...)
	s.trimTip()

	if s.onExtend != nil {
		s.onExtend(EventBatch{ChainID: s.client.ChainID(), FromBlock: from, ToBlock: to})
	}

	return s.advanceFinality(ctx)
}

// syncRange backfills [from, to] for every configured filter using the
// historical syncer, reusing its gap/interval bookkeeping so a range
// already covered (e.g. by a concurrent backfill) is skipped.
func (s *Syncer) syncRange(ctx context.Context, from, to uint64) error {
	for _, filter := range s.filters {
		if err := s.historical.SyncFilter(ctx, filter, from, to, nil); err != nil {
			return err
		}
	}
	return nil
}

// trimTip keeps at most cfg.FinalityBlockCount entries, the oldest of
// which anchors the walk-back window for the next reorg.
func (s *Syncer) trimTip() {
	max := int(s.cfg.FinalityBlockCount)
	if len(s.tip) > max {
		s.tip = s.tip[len(s.tip)-max:]
	}
}

// advanceFinality promotes blocks at or below (head - finalityBlockCount)
// and notifies onFinalize if the boundary moved.
func (s *Syncer) advanceFinality(ctx context.Context) error {
	if len(s.tip) == 0 {
		return nil
	}
	head := s.tip[len(s.tip)-1].Number
	if head < s.cfg.FinalityBlockCount {
		return nil
	}
	newFinalized := head - s.cfg.FinalityBlockCount
	if newFinalized <= s.finalized {
		return nil
	}
	s.finalized = newFinalized
	if s.onFinalize != nil {
		s.onFinalize(s.client.ChainID(), newFinalized)
	}
	return nil
}
