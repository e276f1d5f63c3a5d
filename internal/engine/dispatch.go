package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ponder-go/ponder/internal/scheduler"
	"github.com/ponder-go/ponder/internal/syncstore"
	"github.com/ponder-go/ponder/pkg/handler"
)

// dispatchPollInterval is how often the dispatch loop retries after a
// batch with no events, mirroring realtimesync's own ticker-driven poll
// cadence rather than busy-looping on the store.
const dispatchPollInterval = 1 * time.Second

// handlerContext is the scheduler's ContextFactory: it resolves the
// invoking network from the event's chain ID and builds a
// handler.Context scoped to this engine's indexing store and that
// network's memoized call client.
func (e *Engine) handlerContext(ev handler.Event) *handler.Context {
	nr, ok := e.networks[ev.ChainID]
	if !ok {
		return handler.NewContext(e.store, nil, handler.Network{ChainID: ev.ChainID}, e.contracts, ev.Log.Checkpoint)
	}
	network := handler.Network{ChainID: nr.chainID, Name: nr.name}
	return handler.NewContext(e.store, nr.callClient, network, e.contracts, ev.Log.Checkpoint)
}

// runDispatchLoop pulls checkpoint-ordered batches from the merged event
// stream and dispatches each to the scheduler until ctx is canceled. It
// partitions the batch once per network (PartitionByHandler only tags a
// single chain ID, and one merged batch can span several) and merges the
// per-network dispatches before a single RunBatch call, so the schema
// dependency graph still sees one checkpoint-ordered invocation per
// handler across the whole batch rather than one per network.
func (e *Engine) runDispatchLoop(ctx context.Context) error {
	ticker := time.NewTicker(dispatchPollInterval)
	defer ticker.Stop()

	for {
		batch, err := e.stream.NextBatch(ctx, e.cursorSnapshot(), e.maxPerNet)
		if err != nil {
			return fmt.Errorf("engine: next batch: %w", err)
		}

		if len(batch.Events) == 0 {
			e.advanceCursor(batch.ToCkpt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				continue
			}
		}

		dispatch := e.partitionBatch(batch.Events)
		if err := e.scheduler.RunBatch(ctx, dispatch); err != nil {
			return fmt.Errorf("engine: run batch: %w", err)
		}

		engineBatches.Inc()
		for _, ev := range batch.Events {
			if nr, ok := e.networks[ev.Log.ChainID]; ok {
				engineEvents.WithLabelValues(nr.name).Inc()
			}
		}

		e.advanceCursor(batch.ToCkpt)
	}
}

// partitionBatch groups a merged, multi-network batch into one Dispatch,
// partitioning per network (so each event is tagged with its own chain
// ID) and merging the resulting per-handler lists back together.
func (e *Engine) partitionBatch(events []syncstore.Event) scheduler.Dispatch {
	byNetwork := make(map[uint64][]syncstore.Event, len(e.networks))
	for _, ev := range events {
		byNetwork[ev.Log.ChainID] = append(byNetwork[ev.Log.ChainID], ev)
	}

	merged := scheduler.Dispatch{ByHandler: make(map[string][]handler.Event)}
	for chainID, chainEvents := range byNetwork {
		part := scheduler.PartitionByHandler(chainEvents, chainID, e.matches)
		for name, evs := range part.ByHandler {
			merged.ByHandler[name] = append(merged.ByHandler[name], evs...)
		}
	}

	// Each per-network partition is individually checkpoint-ordered, but
	// merging several networks' lists for the same handler interleaves
	// them out of order; RunBatch requires global ascending order per
	// handler since a self-looped handler replays its own invocations
	// strictly in sequence.
	for name := range merged.ByHandler {
		evs := merged.ByHandler[name]
		sort.Slice(evs, func(i, j int) bool { return evs[i].Log.Checkpoint < evs[j].Log.Checkpoint })
		merged.ByHandler[name] = evs
	}
	return merged
}

func (e *Engine) cursorSnapshot() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cursor
}

func (e *Engine) advanceCursor(ckpt string) {
	e.mu.Lock()
	if ckpt > e.cursor {
		e.cursor = ckpt
	}
	e.mu.Unlock()
}
