// Package eventstream merges each network's checkpoint-ordered log
// events into one globally checkpoint-ordered stream. transport.go adds a
// NATS JetStream Publisher/Subscriber pair that can carry batches; the
// engine does not use it and reads batches through NextBatch directly.
//
// # ARCHITECTURE
// NextBatch computes a batch window [cLo, cHi] where cHi is bounded by
// the minimum "safe checkpoint" across all networks — the highest
// checkpoint a network's syncer has confirmed isn't going to be
// reorged out from under it — then pulls every network's matching
// events and merges them into one checkpoint-ordered slice. When a
// query's page limit cuts its events short, cHi is lowered to the last
// event that query returned. The stream is lazy: callers drive it by
// calling NextBatch again; it has no end of its own.
package eventstream

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/ponder-go/ponder/internal/syncstore"
)

// NetworkSource is one network's contribution to the merged stream.
type NetworkSource struct {
	ChainID   uint64
	Store     *syncstore.Store
	Addresses []syncstore.EventQuery // one entry per configured filter/factory-child address set

	// SafeCheckpoint returns the highest checkpoint this network
	// currently guarantees won't be rolled back by a reorg (typically
	// the realtime syncer's last-extended block's checkpoint).
	SafeCheckpoint func() string
}

// Batch is a checkpoint-ordered, checkpoint-bounded slice of events from
// across every configured network.
type Batch struct {
	Events   []syncstore.Event
	FromCkpt string
	ToCkpt   string
}

// Stream merges per-network cursors into one ordered sequence.
type Stream struct {
	sources []NetworkSource
	logger  zerolog.Logger
}

// New builds a Stream over the given network sources.
func New(sources []NetworkSource, logger zerolog.Logger) *Stream {
	return &Stream{sources: sources, logger: logger.With().Str("component", "eventstream").Logger()}
}

// NextBatch pulls the next checkpoint-ordered batch starting strictly
// after fromCkpt (pass "" for the very first batch). Returns a batch
// with no events (but an advanced ToCkpt) when every network is caught
// up to the safe window but has nothing new — callers should keep
// polling rather than treat that as an error.
func (s *Stream) NextBatch(ctx context.Context, fromCkpt string, maxPerNetwork int) (Batch, error) {
	toCkpt := s.minSafeCheckpoint()
	if toCkpt == "" {
		return Batch{FromCkpt: fromCkpt, ToCkpt: fromCkpt}, nil
	}

	var merged []syncstore.Event
	for _, src := range s.sources {
		for _, q := range src.Addresses {
			q.FromCheckpoint = nextAfter(fromCkpt)
			q.ToCheckpoint = toCkpt
			q.ChainID = src.ChainID
			if maxPerNetwork > 0 {
				q.Limit = maxPerNetwork
			}
			events, err := src.Store.GetLogEvents(ctx, q)
			if err != nil {
				return Batch{}, fmt.Errorf("eventstream: query chain %d: %w", src.ChainID, err)
			}
			if q.Limit > 0 && len(events) == q.Limit {
				// A full page may have left events behind; end the window
				// at its last event so the next batch resumes after it.
				if last := events[len(events)-1].Log.Checkpoint; last < toCkpt {
					toCkpt = last
				}
			}
			merged = append(merged, events...)
		}
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Log.Checkpoint < merged[j].Log.Checkpoint })
	kept := merged[:0]
	for _, ev := range merged {
		if ev.Log.Checkpoint <= toCkpt {
			kept = append(kept, ev)
		}
	}

	return Batch{Events: kept, FromCkpt: fromCkpt, ToCkpt: toCkpt}, nil
}

// minSafeCheckpoint is the batch window's upper bound: the minimum
// across every network's currently-safe checkpoint. An empty source
// list or any network reporting "" (not yet synced at all) yields "".
func (s *Stream) minSafeCheckpoint() string {
	var min string
	for _, src := range s.sources {
		ckpt := src.SafeCheckpoint()
		if ckpt == "" {
			return ""
		}
		if min == "" || ckpt < min {
			min = ckpt
		}
	}
	return min
}

// nextAfter returns the checkpoint string for GetLogEvents' inclusive
// FromCheckpoint bound that excludes ckpt itself. Checkpoint strings are
// fixed-width zero-padded decimals, so appending a NUL byte yields a
// string that sorts after ckpt and before every greater checkpoint of the
// same width; for "" (unbounded start) it stays "".
func nextAfter(ckpt string) string {
	if ckpt == "" {
		return ""
	}
	return ckpt + "\x00" // any byte greater than "" and less than ckpt+anything-printable
}
