// Package scheduler dispatches a checkpoint-ordered batch of events to
// user handlers, respecting the read/write dependency DAG
// internal/schema derives: two handlers with an edge must observe that
// ordering: every A-invocation for events at or before checkpoint k
// completes before any B-invocation for checkpoint k starts. Handlers
// with no edge between them run fully in parallel.
//
// # ARCHITECTURE
// Within a batch: partition events by which handlers match them, layer
// the DAG topologically, and run each layer's handlers concurrently
// (bounded by maxConcurrency) via golang.org/x/sync/errgroup, mirroring
// the bounded-fan-out pattern internal/historicalsync already
// establishes. A handler with a self-loop serializes its own
// invocations (one at a time, in checkpoint order) but still runs
// concurrently with unrelated handlers in the same layer.
package scheduler

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ponder-go/ponder/internal/indexingstore"
	"github.com/ponder-go/ponder/internal/schema"
	"github.com/ponder-go/ponder/internal/syncstore"
	"github.com/ponder-go/ponder/pkg/handler"
)

// Config tunes batch dispatch.
type Config struct {
	MaxConcurrency int
}

// DefaultConfig matches spec.md's unstated-but-implied default of modest
// parallelism; callers wire this to options.maxConcurrency.
func DefaultConfig() Config { return Config{MaxConcurrency: 8} }

// ContextFactory builds the per-invocation handler.Context for one
// event, letting the scheduler stay agnostic of which indexing store /
// call client / contracts binding a given network uses.
type ContextFactory func(ev handler.Event) *handler.Context

// OnFatalError is invoked for schema/system errors: process exit.
type OnFatalError func(err error)

// OnReloadableError is invoked for user handler errors: the engine
// should request a hot reload.
type OnReloadableError func(err error)

// Scheduler dispatches batches to registered handlers.
type Scheduler struct {
	graph      *schema.Graph
	handlers   map[string]handler.Handler
	cfg        Config
	ctxFactory ContextFactory
	logger     zerolog.Logger
	onFatal    OnFatalError
	onReload   OnReloadableError
}

// New builds a Scheduler from the registered handlers' specs.
func New(handlers []handler.Handler, ctxFactory ContextFactory, cfg Config, logger zerolog.Logger) *Scheduler {
	specs := make([]schema.HandlerSpec, 0, len(handlers))
	byName := make(map[string]handler.Handler, len(handlers))
	for _, h := range handlers {
		specs = append(specs, schema.HandlerSpec{Name: h.Name, Reads: h.Reads, Writes: h.Writes})
		byName[h.Name] = h
	}
	return &Scheduler{
		graph:      schema.Build(specs),
		handlers:   byName,
		cfg:        cfg,
		ctxFactory: ctxFactory,
		logger:     logger.With().Str("component", "scheduler").Logger(),
	}
}

// OnFatalError registers the fatal-error callback.
func (s *Scheduler) OnFatalError(fn OnFatalError) { s.onFatal = fn }

// OnReloadableError registers the reloadable-error callback.
func (s *Scheduler) OnReloadableError(fn OnReloadableError) { s.onReload = fn }

// Dispatch holds which handlers each event of a batch goes to. The
// engine supplies the routing (typically: "every handler registered for this
// event's contract/topic0"); the scheduler only needs the resulting
// per-handler event lists.
type Dispatch struct {
	ByHandler map[string][]handler.Event
}

// RunBatch dispatches one checkpoint-ordered batch. Events within each
// handler's list must already be in ascending checkpoint order (the
// event stream guarantees this); RunBatch preserves that order when
// invoking a self-looped handler serially.
func (s *Scheduler) RunBatch(ctx context.Context, dispatch Dispatch) error {
	layers, err := s.graph.Layers()
	if err != nil {
		s.fail(err)
		return fmt.Errorf("scheduler: %w", err)
	}

	for _, layer := range layers {
		if err := s.runLayer(ctx, layer, dispatch); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) runLayer(ctx context.Context, layer []string, dispatch Dispatch) error {
	names := make([]string, 0, len(layer))
	for _, n := range layer {
		if len(dispatch.ByHandler[n]) > 0 {
			names = append(names, n)
		}
	}
	sort.Strings(names)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInt(1, s.cfg.MaxConcurrency))
	for _, name := range names {
		name := name
		g.Go(func() error { return s.runHandler(gctx, name, dispatch.ByHandler[name]) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

// runHandler invokes h once per event, always in order (self-loop
// handlers need this for correctness; non-self-loop handlers get it for
// free since there's no reason to reorder).
func (s *Scheduler) runHandler(ctx context.Context, name string, events []handler.Event) error {
	h, ok := s.handlers[name]
	if !ok {
		return nil
	}
	for _, ev := range events {
		hc := s.ctxFactory(ev)
		if err := h.Invoke(ctx, ev, hc); err != nil {
			if indexingstore.IsSchemaViolation(err) {
				s.fail(err)
				return fmt.Errorf("scheduler: handler %s: schema violation: %w", name, err)
			}
			s.reload(err)
			return fmt.Errorf("scheduler: handler %s: %w", name, err)
		}
	}
	return nil
}

func (s *Scheduler) fail(err error) {
	s.logger.Error().Err(err).Msg("fatal scheduler error")
	if s.onFatal != nil {
		s.onFatal(err)
	}
}

func (s *Scheduler) reload(err error) {
	s.logger.Warn().Err(err).Msg("handler error, requesting reload")
	if s.onReload != nil {
		s.onReload(err)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// PartitionByHandler groups a checkpoint-ordered batch's events into
// per-handler lists using each handler's log-matching predicate, keeping
// the scheduler itself free of any notion of "which topic belongs to
// which handler" — that routing table is supplied by the engine.
func PartitionByHandler(events []syncstore.Event, chainID uint64, matches map[string]func(syncstore.Event) bool) Dispatch {
	out := Dispatch{ByHandler: make(map[string][]handler.Event, len(matches))}
	for _, ev := range events {
		for name, match := range matches {
			if match(ev) {
				out.ByHandler[name] = append(out.ByHandler[name], handler.Event{Event: ev, ChainID: chainID})
			}
		}
	}
	return out
}
