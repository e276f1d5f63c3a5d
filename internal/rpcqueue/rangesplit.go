package rpcqueue

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// BlockRange is a closed-closed [From, To] block range.
type BlockRange struct {
	From uint64
	To   uint64
}

// bisect splits a range in half. A single-block range cannot be split
// further; the caller's error is returned unchanged in that case.
func (r BlockRange) bisect() (BlockRange, BlockRange, bool) {
	if r.From >= r.To {
		return BlockRange{}, BlockRange{}, false
	}
	mid := r.From + (r.To-r.From)/2
	return BlockRange{r.From, mid}, BlockRange{mid + 1, r.To}, true
}

// FetchLogsFunc fetches logs for exactly one block range.
type FetchLogsFunc[L any] func(ctx context.Context, r BlockRange) ([]L, error)

// GetLogsWithSplit calls fetch for the given range; if the node reports the
// range is "too large" (classified as KindTooManyResults), it recursively
// bisects and re-issues the halves in parallel (bounded by maxParallel),
// flattening the results. This is the "retry helper that proposes
// sub-ranges" spec.md §4.2 describes: the core only codes the recursion and
// parallelism, the library (here: our own error classifier) decides when a
// range is too large.
func GetLogsWithSplit[L any](ctx context.Context, r BlockRange, maxParallel int, fetch FetchLogsFunc[L]) ([]L, error) {
	logs, err := fetch(ctx, r)
	if err == nil {
		return logs, nil
	}

	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Kind != KindTooManyResults {
		return nil, err
	}

	left, right, ok := r.bisect()
	if !ok {
		// Can't split a single block any further; surface the original error.
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)

	var leftLogs, rightLogs []L
	g.Go(func() error {
		var err error
		leftLogs, err = GetLogsWithSplit(gctx, left, maxParallel, fetch)
		return err
	})
	g.Go(func() error {
		var err error
		rightLogs, err = GetLogsWithSplit(gctx, right, maxParallel, fetch)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return append(leftLogs, rightLogs...), nil
}
