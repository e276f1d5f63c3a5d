package database

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/ponder-go/ponder/internal/buildid"
	"github.com/ponder-go/ponder/internal/schema"
)

// cacheNamespace is the separate schema/db spec.md §4.10 calls for:
// "ponder_cache" (Postgres schema) or a namespace-prefixed table set
// (SQLite, which has no real schemas).
const cacheNamespace = "ponder_cache"

const cacheBuildsTableName = "ponder_cache_builds"

func (s *Service) cacheTable(buildID, table string) string {
	phys := buildid.TableName(cacheNamespace+"|"+s.namespace, buildID, table)
	return s.conn.Dialect.SchemaQualify(cacheNamespace, phys)
}

func (s *Service) cacheBuildsTable() string {
	return s.conn.Dialect.SchemaQualify(cacheNamespace, cacheBuildsTableName)
}

func (s *Service) ensureCacheBuildsTable(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		namespace TEXT NOT NULL,
		build_id TEXT NOT NULL,
		last_used_at BIGINT NOT NULL,
		finalized_checkpoint TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (namespace, build_id)
	)`, s.cacheBuildsTable())
	_, err := s.conn.DB.ExecContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("database: create cache builds table: %w", err)
	}
	return nil
}

// cacheExists reports whether any cache table has been recorded for
// (namespace, buildID).
func (s *Service) cacheExists(ctx context.Context, buildID string) (string, bool, error) {
	builder := squirrel.StatementBuilder.PlaceholderFormat(s.conn.Dialect.PlaceholderFormat())
	query, args, err := builder.
		Select("finalized_checkpoint").
		From(s.cacheBuildsTable()).
		Where(squirrel.Eq{"namespace": s.namespace, "build_id": buildID}).
		ToSql()
	if err != nil {
		return "", false, fmt.Errorf("database: build cache lookup: %w", err)
	}
	var checkpoint string
	err = s.conn.DB.QueryRowContext(ctx, query, args...).Scan(&checkpoint)
	if err != nil {
		return "", false, nil
	}
	return checkpoint, true, nil
}

func (s *Service) touchCacheBuild(ctx context.Context, buildID string, now time.Time) error {
	builder := squirrel.StatementBuilder.PlaceholderFormat(s.conn.Dialect.PlaceholderFormat())
	upsertQuery, args, err := builder.
		Insert(s.cacheBuildsTable()).
		Columns("namespace", "build_id", "last_used_at").
		Values(s.namespace, buildID, now.UnixMilli()).
		Suffix(s.conn.Dialect.UpsertSuffix([]string{"namespace", "build_id"}, []string{"last_used_at"})).
		ToSql()
	if err != nil {
		return fmt.Errorf("database: build cache touch: %w", err)
	}
	if _, err := s.conn.DB.ExecContext(ctx, upsertQuery, args...); err != nil {
		return fmt.Errorf("database: touch cache build: %w", err)
	}
	return nil
}

// copyLiveToCache creates (if absent) one cache table per logical table
// and copies every row whose checkpoint is at or below
// finalizedCheckpoint — an idempotent promotion, safe to re-run.
func (s *Service) copyLiveToCache(ctx context.Context, sc schema.Schema, liveTables map[string]string, buildID, finalizedCheckpoint string) error {
	for name := range sc.Tables {
		livePhys := liveTables[name]
		cachePhys := s.cacheTable(buildID, name)

		createStmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT NOT NULL,
			revision BIGINT NOT NULL,
			checkpoint TEXT NOT NULL,
			deleted BIGINT NOT NULL DEFAULT 0,
			data TEXT NOT NULL,
			PRIMARY KEY (id, revision)
		)`, cachePhys)
		if _, err := s.conn.DB.ExecContext(ctx, createStmt); err != nil {
			return fmt.Errorf("database: create cache table %s: %w", name, err)
		}

		// DELETE+INSERT keeps promotion idempotent without requiring an
		// upsert across every revision column.
		delStmt := fmt.Sprintf("DELETE FROM %s", cachePhys)
		if _, err := s.conn.DB.ExecContext(ctx, delStmt); err != nil {
			return fmt.Errorf("database: clear cache table %s: %w", name, err)
		}

		builder := squirrel.StatementBuilder.PlaceholderFormat(s.conn.Dialect.PlaceholderFormat())
		query, args, err := builder.
			Select("id", "revision", "checkpoint", "deleted", "data").
			From(livePhys).
			Where(squirrel.LtOrEq{"checkpoint": finalizedCheckpoint}).
			ToSql()
		if err != nil {
			return fmt.Errorf("database: build cache copy select %s: %w", name, err)
		}
		rows, err := s.conn.DB.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("database: select live rows %s: %w", name, err)
		}
		if err := s.insertCacheRows(ctx, cachePhys, rows); err != nil {
			return err
		}
	}

	if err := s.touchCacheBuild(ctx, buildID, time.Now()); err != nil {
		return err
	}
	return s.evictOldCacheBuilds(ctx)
}

func (s *Service) insertCacheRows(ctx context.Context, cachePhys string, rows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
}) error {
	defer rows.Close()
	builder := squirrel.StatementBuilder.PlaceholderFormat(s.conn.Dialect.PlaceholderFormat())
	for rows.Next() {
		var id, checkpoint, data string
		var revision, deleted int64
		if err := rows.Scan(&id, &revision, &checkpoint, &deleted, &data); err != nil {
			return fmt.Errorf("database: scan live row: %w", err)
		}
		query, args, err := builder.
			Insert(cachePhys).
			Columns("id", "revision", "checkpoint", "deleted", "data").
			Values(id, revision, checkpoint, deleted, data).
			ToSql()
		if err != nil {
			return fmt.Errorf("database: build cache insert: %w", err)
		}
		if _, err := s.conn.DB.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("database: insert cache row: %w", err)
		}
	}
	return rows.Err()
}

// copyCacheToLive is the converse of copyLiveToCache, used on setup when
// cache tables exist for buildID but no live tables do yet.
func (s *Service) copyCacheToLive(ctx context.Context, sc schema.Schema, liveTables map[string]string, buildID string) error {
	for name := range sc.Tables {
		cachePhys := s.cacheTable(buildID, name)
		livePhys := liveTables[name]

		builder := squirrel.StatementBuilder.PlaceholderFormat(s.conn.Dialect.PlaceholderFormat())
		query, args, err := builder.
			Select("id", "revision", "checkpoint", "deleted", "data").
			From(cachePhys).
			ToSql()
		if err != nil {
			return fmt.Errorf("database: build cache read %s: %w", name, err)
		}
		rows, err := s.conn.DB.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("database: read cache table %s: %w", name, err)
		}
		if err := s.insertCacheRows(ctx, livePhys, rows); err != nil {
			return err
		}
	}
	return nil
}

// evictOldCacheBuilds drops the least-recently-used cache builds for this
// namespace once more than options.MaxCachedBuilds accumulate, per Open
// Question decision #3.
func (s *Service) evictOldCacheBuilds(ctx context.Context) error {
	if s.cfg.MaxCachedBuilds <= 0 {
		return nil
	}
	builder := squirrel.StatementBuilder.PlaceholderFormat(s.conn.Dialect.PlaceholderFormat())
	query, args, err := builder.
		Select("build_id").
		From(s.cacheBuildsTable()).
		Where(squirrel.Eq{"namespace": s.namespace}).
		OrderBy("last_used_at DESC").
		ToSql()
	if err != nil {
		return fmt.Errorf("database: build eviction scan: %w", err)
	}
	rows, err := s.conn.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("database: scan cache builds: %w", err)
	}
	defer rows.Close()

	var buildIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("database: scan cache build id: %w", err)
		}
		buildIDs = append(buildIDs, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if len(buildIDs) <= s.cfg.MaxCachedBuilds {
		return nil
	}
	for _, evictID := range buildIDs[s.cfg.MaxCachedBuilds:] {
		if err := s.dropCacheBuild(ctx, evictID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) dropCacheBuild(ctx context.Context, buildID string) error {
	for name := range s.schema.Tables {
		cachePhys := s.cacheTable(buildID, name)
		if _, err := s.conn.DB.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", cachePhys)); err != nil {
			return fmt.Errorf("database: drop cache table %s: %w", name, err)
		}
	}
	builder := squirrel.StatementBuilder.PlaceholderFormat(s.conn.Dialect.PlaceholderFormat())
	query, args, err := builder.
		Delete(s.cacheBuildsTable()).
		Where(squirrel.Eq{"namespace": s.namespace, "build_id": buildID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("database: build eviction delete: %w", err)
	}
	_, err = s.conn.DB.ExecContext(ctx, query, args...)
	return err
}
