// Package database provisions the live tables for one build, owns the
// namespace lock that keeps two Ponder instances from corrupting the same
// store, and promotes/demotes rows between live tables and the finalized
// row cache across builds.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ponder-go/ponder/internal/buildid"
	"github.com/ponder-go/ponder/internal/checkpoint"
	"github.com/ponder-go/ponder/internal/dbconn"
	"github.com/ponder-go/ponder/internal/indexingstore"
	"github.com/ponder-go/ponder/internal/schema"
)

// Config tunes lease and cache behavior; zero values are replaced with
// spec.md §6 defaults by New.
type Config struct {
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	MaxCachedBuilds   int
}

// DefaultConfig returns spec.md §6's stated defaults.
func DefaultConfig() Config {
	return Config{
		LeaseTTL:          30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		MaxCachedBuilds:   3,
	}
}

// Service owns the namespace lock and live/cache table lifecycle for one
// connection.
type Service struct {
	conn      *dbconn.Conn
	cfg       Config
	logger    zerolog.Logger
	namespace string

	mu            sync.Mutex
	schema        schema.Schema
	buildID       string
	liveTables    map[string]string
	stopHeartbeat chan struct{}
	heartbeatWG   sync.WaitGroup
}

// New constructs a Service over an already-open connection. Zero-valued
// Config fields are replaced with DefaultConfig's values.
func New(conn *dbconn.Conn, namespace string, cfg Config, logger zerolog.Logger) *Service {
	if namespace == "" {
		namespace = "public"
	}
	d := DefaultConfig()
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = d.LeaseTTL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = d.HeartbeatInterval
	}
	if cfg.MaxCachedBuilds <= 0 {
		cfg.MaxCachedBuilds = d.MaxCachedBuilds
	}
	return &Service{
		conn:      conn,
		cfg:       cfg,
		logger:    logger.With().Str("component", "database").Str("namespace", namespace).Logger(),
		namespace: namespace,
	}
}

// SetupResult is what setup() returns per spec.md §4.10.
type SetupResult struct {
	Store      *indexingstore.Store
	Checkpoint string
	BuildID    string
}

// Setup implements spec.md §4.10's setup(): acquire the namespace lock,
// then provision live tables by reuse, cache-copy, or fresh creation
// depending on what it finds.
func (s *Service) Setup(ctx context.Context, sc schema.Schema, buildID string) (*SetupResult, error) {
	if err := s.ensureLockTable(ctx); err != nil {
		return nil, err
	}
	if err := s.ensureCacheBuildsTable(ctx); err != nil {
		return nil, err
	}

	schemaJSON, err := marshalSchema(sc)
	if err != nil {
		return nil, fmt.Errorf("database: marshal schema: %w", err)
	}

	tx, err := s.conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("database: begin lock tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	acquired, err := s.acquireLockRow(ctx, tx, buildID, schemaJSON, now)
	if err != nil {
		return nil, err
	}
	existingBuildID, existingSchemaJSON, existingFinalized := acquired.BuildID, acquired.SchemaJSON, acquired.FinalizedCheckpoint

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("database: commit lock acquire: %w", err)
	}

	liveTables := s.tableNamesFor(sc, buildID)

	var result SetupResult
	switch {
	case existingBuildID == buildID && existingSchemaJSON == schemaJSON && existingFinalized != "":
		// Step 4: same build, same schema — reuse whatever live tables
		// already exist under this build ID; nothing to copy.
		s.logger.Info().Str("build_id", buildID).Msg("reusing existing live tables")
		result.Checkpoint = existingFinalized

	default:
		if cachedCheckpoint, ok, err := s.cacheExists(ctx, buildID); err != nil {
			return nil, err
		} else if ok {
			// Step 5: cache hit — create fresh live tables, then promote
			// the finalized cache rows into them.
			s.logger.Info().Str("build_id", buildID).Msg("hydrating live tables from cache")
			store := indexingstore.New(s.conn, sc, liveTables, s.logger)
			if err := store.Migrate(ctx); err != nil {
				return nil, err
			}
			if err := s.copyCacheToLive(ctx, sc, liveTables, buildID); err != nil {
				return nil, err
			}
			result.Checkpoint = cachedCheckpoint
		} else {
			// Step 6: cold start — fresh live tables, zero checkpoint.
			s.logger.Info().Str("build_id", buildID).Msg("creating fresh live tables")
			result.Checkpoint = checkpoint.Encode(checkpoint.Zero)
		}
	}

	store := indexingstore.New(s.conn, sc, liveTables, s.logger)
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}

	// Keep the lock row's recorded finalized_checkpoint in sync with what
	// this build actually started from, so a later build switch doesn't
	// read a stale value left behind by a previous build.
	if err := s.setFinalizedCheckpoint(ctx, result.Checkpoint); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.schema = sc
	s.buildID = buildID
	s.liveTables = liveTables
	s.stopHeartbeat = make(chan struct{})
	s.mu.Unlock()

	s.startHeartbeat(ctx)

	result.Store = store
	result.BuildID = buildID
	return &result, nil
}

// tableNamesFor assigns each logical table its schema-qualified physical
// name: hash(namespace, buildId, tableName), per spec.md §6.
func (s *Service) tableNamesFor(sc schema.Schema, buildID string) map[string]string {
	out := make(map[string]string, len(sc.Tables))
	for name := range sc.Tables {
		phys := buildid.TableName(s.namespace, buildID, name)
		out[name] = s.conn.Dialect.SchemaQualify(s.namespace, phys)
	}
	return out
}

// startHeartbeat runs a background ticker updating heartbeat_at every
// cfg.HeartbeatInterval, the same ticker-driven background loop shape
// internal/realtimesync uses for its polling loop.
func (s *Service) startHeartbeat(ctx context.Context) {
	s.heartbeatWG.Add(1)
	go func() {
		defer s.heartbeatWG.Done()
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopHeartbeat:
				return
			case <-ticker.C:
				if err := s.heartbeatOnce(ctx, time.Now()); err != nil {
					s.logger.Warn().Err(err).Msg("heartbeat update failed")
				}
			}
		}
	}()
}

// PromoteFinalized copies every live row at or below finalizedCheckpoint
// into the cache, advances the lock row's recorded finalized_checkpoint,
// and evicts stale cached builds — spec.md §4.9 step 5's "trigger cache
// promotion".
func (s *Service) PromoteFinalized(ctx context.Context, finalizedCheckpoint string) error {
	s.mu.Lock()
	sc, liveTables, buildID := s.schema, s.liveTables, s.buildID
	s.mu.Unlock()

	if err := s.copyLiveToCache(ctx, sc, liveTables, buildID, finalizedCheckpoint); err != nil {
		return err
	}
	return s.setFinalizedCheckpoint(ctx, finalizedCheckpoint)
}

// Kill releases the namespace lock and flushes the cache, per spec.md
// §4.10's "kill() releases (is_locked=0) and flushes cache".
func (s *Service) Kill(ctx context.Context) error {
	s.mu.Lock()
	stop := s.stopHeartbeat
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	s.heartbeatWG.Wait()

	s.mu.Lock()
	sc, liveTables, buildID := s.schema, s.liveTables, s.buildID
	s.mu.Unlock()

	if buildID != "" {
		if _, ok, _ := s.cacheExists(ctx, buildID); !ok {
			finalized, err := s.currentFinalizedCheckpoint(ctx)
			if err == nil && finalized != "" {
				_ = s.copyLiveToCache(ctx, sc, liveTables, buildID, finalized)
			}
		}
	}

	return s.releaseLock(ctx)
}

func (s *Service) currentFinalizedCheckpoint(ctx context.Context) (string, error) {
	tx, err := s.conn.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()
	row, ok, err := s.readLockRow(ctx, tx)
	if err != nil || !ok {
		return "", err
	}
	return row.FinalizedCheckpoint, nil
}

// marshalSchema renders sc as canonical JSON. encoding/json sorts map
// keys when marshaling, so the output is stable across runs regardless of
// Go's randomized map iteration order.
func marshalSchema(sc schema.Schema) (string, error) {
	b, err := json.Marshal(sc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
