// Package engine is the top-level orchestrator: it wires configuration,
// storage, chain clients, the two-phase syncer pair, the event stream and
// the handler scheduler into one running process, and exposes the health
// and status surface the rest of the process (cmd/ponder, a readiness
// probe) drives it through.
//
// # PURPOSE
// Where internal/syncer owned a single chain's backfill/realtime
// switch directly, Engine owns N chains' historicalsync/realtimesync
// pairs plus the cross-chain merge and scheduling layer built on top of
// them, and the namespace-locked database service underneath. It is the
// one place spec.md's ordering and cancellation guarantees are actually
// assembled from the pieces that individually implement them.
//
// # ARCHITECTURE MINDMAP
//
//	New(): Setup() namespace lock -> open per-network clients/syncers
//	       -> build scheduler from registered handlers
//	Run(ctx):
//	    per network: historical backfill to the finality-bounded safe
//	        head, then Seed + Run realtime polling in its own goroutine
//	    main loop: eventstream.NextBatch -> partition per network ->
//	        scheduler.RunBatch -> advance cursor -> on fatal error, exit
//	Kill() (after Run returns): flush un-promoted rows, release the
//	    namespace lock, close connections
//
// # SAFETY MECHANISMS
// - Reorgs: realtimesync.OnReorg rolls the indexing store back to the
//   reorged network's ancestor checkpoint and rewinds the cursor.
// - Finalization: realtimesync.OnFinalize advances each network's safe
//   checkpoint; once every configured network has reported one, the
//   minimum is promoted into the cache via database.Service.
// - Fatal vs reloadable: scheduler.OnFatalError marks the engine
//   unhealthy and records the failure reason spec.md §6 names
//   ("Encountered indexing error"); OnReloadableError is logged and left
//   to the caller's hot-reload policy.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ponder-go/ponder/internal/callcache"
	"github.com/ponder-go/ponder/internal/chain"
	"github.com/ponder-go/ponder/internal/database"
	"github.com/ponder-go/ponder/internal/dbconn"
	"github.com/ponder-go/ponder/internal/eventstream"
	"github.com/ponder-go/ponder/internal/indexingstore"
	"github.com/ponder-go/ponder/internal/realtimesync"
	"github.com/ponder-go/ponder/internal/rpcqueue"
	"github.com/ponder-go/ponder/internal/scheduler"
	"github.com/ponder-go/ponder/internal/schema"
	"github.com/ponder-go/ponder/internal/syncstore"
	"github.com/ponder-go/ponder/pkg/config"
	"github.com/ponder-go/ponder/pkg/handler"
)

var (
	engineBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ponder_engine_batches_total",
		Help: "Total number of event batches dispatched to handlers.",
	})

	engineEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ponder_engine_events_total",
		Help: "Total number of events dispatched to handlers, by network.",
	}, []string{"network"})

	engineFatalErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ponder_engine_fatal_errors_total",
		Help: "Total number of fatal (schema violation or system) errors.",
	})

	engineReloadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ponder_engine_reloadable_errors_total",
		Help: "Total number of reloadable handler errors, by handler.",
	}, []string{"handler"})

	engineReorgs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ponder_engine_reorgs_total",
		Help: "Total number of reorgs recovered from, by network.",
	}, []string{"network"})
)

// Registration is one handler's wiring: the handler itself, the
// predicate that decides which events it is invoked for, and the
// resolved source text static analysis derived its Reads/Writes from
// (folded into the build ID so a handler source change forces a fresh
// build).
type Registration struct {
	Handler handler.Handler
	Match   func(syncstore.Event) bool
	Source  string
}

// Engine is one running instance of the indexing process.
type Engine struct {
	cfg    *config.Config
	schema schema.Schema
	logger zerolog.Logger

	conn      *dbconn.Conn
	dbService *database.Service
	callCache *callcache.Cache
	store     *indexingstore.Store
	syncStore *syncstore.Store
	buildID   string

	contracts any
	scheduler *scheduler.Scheduler
	matches   map[string]func(syncstore.Event) bool
	stream    *eventstream.Stream

	networks   map[uint64]*networkRuntime
	byName     map[string]*networkRuntime
	maxPerNet  int
	finalizeMu sync.Mutex

	mu        sync.RWMutex
	cursor    string
	healthy   bool
	lastError error
	reason    string

	runCtx context.Context
}

// New assembles every engine component but performs no I/O beyond the
// namespace-lock acquisition and per-network RPC dial: callers must
// still call Run to start backfilling and polling.
func New(ctx context.Context, cfg *config.Config, sc schema.Schema, registrations []Registration, contracts any, logger zerolog.Logger) (*Engine, error) {
	buildID := computeBuildID(cfg, sc, registrations)

	conn, err := dbconn.Open(ctx, cfg.DBConnConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("engine: open database: %w", err)
	}

	dbService := database.New(conn, cfg.Database.UserNamespace, cfg.DatabaseServiceConfig(), logger)
	setupResult, err := dbService.Setup(ctx, sc, buildID)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("engine: setup namespace: %w", err)
	}

	callCache, err := callcache.Open(cfg.Options.CallCachePath)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("engine: open call cache: %w", err)
	}

	syncStore := syncstore.New(conn, cfg.Database.UserNamespace, logger)
	if err := syncStore.Migrate(ctx); err != nil {
		callCache.Close()
		conn.Close()
		return nil, fmt.Errorf("engine: migrate sync store: %w", err)
	}

	handlers := make([]handler.Handler, 0, len(registrations))
	matches := make(map[string]func(syncstore.Event) bool, len(registrations))
	for _, r := range registrations {
		handlers = append(handlers, r.Handler)
		matches[r.Handler.Name] = r.Match
	}

	e := &Engine{
		cfg:       cfg,
		schema:    sc,
		logger:    logger.With().Str("component", "engine").Logger(),
		conn:      conn,
		dbService: dbService,
		callCache: callCache,
		store:     setupResult.Store,
		syncStore: syncStore,
		buildID:   buildID,
		contracts: contracts,
		matches:   matches,
		networks:  make(map[uint64]*networkRuntime, len(cfg.Networks)),
		byName:    make(map[string]*networkRuntime, len(cfg.Networks)),
		maxPerNet: int(cfg.Options.MaxBlockRange),
		cursor:    setupResult.Checkpoint,
		healthy:   true,
	}

	e.scheduler = scheduler.New(handlers, e.handlerContext, cfg.SchedulerConfig(), logger)
	e.scheduler.OnFatalError(e.onFatalError)
	e.scheduler.OnReloadableError(e.onReloadableError)

	if err := e.buildNetworks(ctx, logger); err != nil {
		e.closeAll()
		return nil, err
	}

	return e, nil
}

// Run backfills every network to its finality-bounded safe head, builds
// the merged event stream from the now-complete factory child-address
// discovery, then starts realtime polling and the dispatch loop
// concurrently until ctx is canceled or a fatal error is recorded. It
// returns nil on clean cancellation.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx

	safeHeads, err := e.backfillAll(ctx)
	if err != nil {
		e.markFatal(err, "Failed initial build")
		return err
	}

	if err := e.buildStream(ctx); err != nil {
		e.markFatal(err, "Failed initial build")
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for chainID, nr := range e.networks {
		nr, head := nr, safeHeads[chainID]
		g.Go(func() error {
			if err := nr.realtime.Seed(gctx, head); err != nil {
				return fmt.Errorf("engine: network %s: seed realtime: %w", nr.name, err)
			}
			if err := nr.realtime.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("engine: network %s: realtime: %w", nr.name, err)
			}
			return nil
		})
	}
	g.Go(func() error { return e.runDispatchLoop(gctx) })

	err = g.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	e.markFatal(err, "Encountered indexing error")
	return err
}

// backfillAll runs every network's historical catch-up concurrently and
// returns each network's finality-bounded safe head, used both to seed
// realtime tracking and to bound the initial event stream query.
func (e *Engine) backfillAll(ctx context.Context) (map[uint64]uint64, error) {
	safeHeads := make(map[uint64]uint64, len(e.networks))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, nr := range e.networks {
		nr := nr
		g.Go(func() error {
			safeHead, err := nr.client.LatestBlockNumber(gctx)
			if err != nil {
				return fmt.Errorf("engine: network %s: latest block: %w", nr.name, err)
			}
			if safeHead > nr.finalityBlockCount {
				safeHead -= nr.finalityBlockCount
			} else {
				safeHead = 0
			}
			if err := nr.backfill(gctx, safeHead); err != nil {
				return fmt.Errorf("engine: network %s: backfill: %w", nr.name, err)
			}
			mu.Lock()
			safeHeads[nr.chainID] = safeHead
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return safeHeads, nil
}

// buildStream assembles the merged event stream now that every
// network's factory child-address discovery has run at least once.
func (e *Engine) buildStream(ctx context.Context) error {
	sources := make([]eventstream.NetworkSource, 0, len(e.networks))
	for _, nr := range e.networks {
		queries, err := nr.eventQueries(ctx)
		if err != nil {
			return fmt.Errorf("engine: network %s: event queries: %w", nr.name, err)
		}
		sources = append(sources, eventstream.NetworkSource{
			ChainID:        nr.chainID,
			Store:          e.syncStore,
			Addresses:      queries,
			SafeCheckpoint: nr.safeCheckpoint,
		})
	}
	e.stream = eventstream.New(sources, e.logger)
	return nil
}

// Healthy reports whether the last batch/network poll succeeded.
func (e *Engine) Healthy() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.healthy
}

// GetStatus reports the current cursor and whether the engine is
// healthy, mirroring the teacher's (current, latest, healthy) tuple.
func (e *Engine) GetStatus() (cursor string, healthy bool, reason string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cursor, e.healthy, e.reason
}

// LastError returns the most recent fatal error, if any.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastError
}

// Kill releases the namespace lock, flushing any un-promoted finalized
// rows to the cache first, and closes the underlying connections. Call
// after Run has returned.
func (e *Engine) Kill(ctx context.Context) error {
	if err := e.dbService.Kill(ctx); err != nil {
		e.logger.Error().Err(err).Msg("release namespace lock")
	}
	e.closeAll()
	return nil
}

func (e *Engine) closeAll() {
	for _, nr := range e.networks {
		nr.client.Close()
	}
	if e.callCache != nil {
		e.callCache.Close()
	}
	if e.conn != nil {
		e.conn.Close()
	}
}

func (e *Engine) markFatal(err error, reason string) {
	e.mu.Lock()
	e.healthy = false
	e.lastError = err
	e.reason = reason
	e.mu.Unlock()
	engineFatalErrors.Inc()
}

func (e *Engine) onFatalError(err error) {
	e.markFatal(err, "Encountered indexing error")
}

func (e *Engine) onReloadableError(err error) {
	e.logger.Warn().Err(err).Msg("reloadable handler error")
	engineReloadErrors.WithLabelValues("unknown").Inc()
}

func (e *Engine) buildNetworks(ctx context.Context, logger zerolog.Logger) error {
	for _, nc := range e.cfg.Networks {
		qcfg := rpcqueue.DefaultConfig(nc.Name)
		if nc.MaxRequestsPerSecond > 0 {
			qcfg.MaxRequestsPerSecond = nc.MaxRequestsPerSecond
		}
		if nc.MaxConcurrentRequests > 0 {
			qcfg.MaxConcurrentRequests = nc.MaxConcurrentRequests
		}

		client, err := chain.Dial(ctx, nc.RPCURL, nc.ChainID, qcfg, logger)
		if err != nil {
			return fmt.Errorf("engine: dial network %s: %w", nc.Name, err)
		}

		nr := newNetworkRuntime(nc, client, e.syncStore, e.callCache, e.cfg, logger)
		for _, cc := range e.cfg.ContractsForNetwork(nc.Name) {
			if err := nr.addContract(cc); err != nil {
				return fmt.Errorf("engine: network %s: %w", nc.Name, err)
			}
		}
		nr.realtime.OnFinalize(e.makeOnFinalize(nr))
		nr.realtime.OnReorg(e.makeOnReorg(nr))

		e.networks[nc.ChainID] = nr
		e.byName[nc.Name] = nr
	}
	return nil
}

func (e *Engine) makeOnFinalize(nr *networkRuntime) realtimesync.OnFinalizeFunc {
	return func(chainID, finalizedBlock uint64) {
		ctx := e.runCtx
		if ctx == nil {
			ctx = context.Background()
		}
		header, err := nr.client.HeaderByNumber(ctx, finalizedBlock)
		if err != nil {
			e.logger.Error().Err(err).Uint64("chain_id", chainID).Msg("finalize: fetch header")
			return
		}
		ckpt := syncstore.ToCheckpoint(chainID, header.Time, finalizedBlock, maxUint64, maxUint64)
		nr.setFinalizedCheckpoint(ckpt)
		e.tryAdvanceFinalized(ctx)
	}
}

func (e *Engine) makeOnReorg(nr *networkRuntime) realtimesync.OnReorgFunc {
	return func(chainID, ancestorBlock uint64) {
		ctx := e.runCtx
		if ctx == nil {
			ctx = context.Background()
		}
		engineReorgs.WithLabelValues(nr.name).Inc()
		header, err := nr.client.HeaderByNumber(ctx, ancestorBlock)
		if err != nil {
			e.logger.Error().Err(err).Uint64("chain_id", chainID).Msg("reorg: fetch ancestor header")
			return
		}
		ancestorCkpt := syncstore.ToCheckpoint(chainID, header.Time, ancestorBlock, maxUint64, maxUint64)
		if err := e.store.RevertAll(ctx, ancestorCkpt); err != nil {
			e.logger.Error().Err(err).Msg("reorg: revert indexing store")
			return
		}
		e.mu.Lock()
		if ancestorCkpt < e.cursor {
			e.cursor = ancestorCkpt
		}
		e.mu.Unlock()
	}
}

// tryAdvanceFinalized promotes the cache once every network has reported
// at least one finalized checkpoint; the global boundary is the minimum
// across networks, matching eventstream's own minSafeCheckpoint logic.
func (e *Engine) tryAdvanceFinalized(ctx context.Context) {
	e.finalizeMu.Lock()
	defer e.finalizeMu.Unlock()

	var min string
	for _, nr := range e.networks {
		ckpt := nr.safeCheckpoint()
		if ckpt == "" {
			return
		}
		if min == "" || ckpt < min {
			min = ckpt
		}
	}
	if err := e.dbService.PromoteFinalized(ctx, min); err != nil {
		e.logger.Error().Err(err).Msg("promote finalized checkpoint")
	}
}

const maxUint64 = ^uint64(0)
