package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
)

const lockTableName = "namespace_lock"

// lockRow mirrors one row of the namespace lock table.
type lockRow struct {
	IsLocked            bool
	HeartbeatAt         int64
	BuildID             string
	SchemaJSON          string
	FinalizedCheckpoint string
}

func (s *Service) lockTable() string {
	return s.conn.Dialect.SchemaQualify(s.namespace, lockTableName)
}

func (s *Service) ensureLockTable(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		namespace TEXT PRIMARY KEY,
		is_locked BIGINT NOT NULL DEFAULT 0,
		heartbeat_at BIGINT NOT NULL DEFAULT 0,
		build_id TEXT NOT NULL DEFAULT '',
		schema_json TEXT NOT NULL DEFAULT '',
		finalized_checkpoint TEXT NOT NULL DEFAULT ''
	)`, s.lockTable())
	_, err := s.conn.DB.ExecContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("database: create lock table: %w", err)
	}
	return nil
}

func (s *Service) readLockRow(ctx context.Context, tx *sql.Tx) (lockRow, bool, error) {
	builder := squirrel.StatementBuilder.PlaceholderFormat(s.conn.Dialect.PlaceholderFormat())
	query, args, err := builder.
		Select("is_locked", "heartbeat_at", "build_id", "schema_json", "finalized_checkpoint").
		From(s.lockTable()).
		Where(squirrel.Eq{"namespace": s.namespace}).
		ToSql()
	if err != nil {
		return lockRow{}, false, fmt.Errorf("database: build lock select: %w", err)
	}
	var row lockRow
	var isLocked int64
	err = tx.QueryRowContext(ctx, query, args...).Scan(&isLocked, &row.HeartbeatAt, &row.BuildID, &row.SchemaJSON, &row.FinalizedCheckpoint)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lockRow{}, false, nil
		}
		return lockRow{}, false, fmt.Errorf("database: scan lock row: %w", err)
	}
	row.IsLocked = isLocked != 0
	return row, true, nil
}

// acquireLockRow performs the CAS described in spec.md §4.10 step 2-3
// inside tx: acquire if the row is absent, unlocked, or its lease expired,
// otherwise fail with NamespaceLockedError.
func (s *Service) acquireLockRow(ctx context.Context, tx *sql.Tx, buildID, schemaJSON string, now time.Time) (lockRow, error) {
	existing, ok, err := s.readLockRow(ctx, tx)
	if err != nil {
		return lockRow{}, err
	}

	if ok && existing.IsLocked {
		expiresAt := time.UnixMilli(existing.HeartbeatAt).Add(s.cfg.LeaseTTL)
		if now.Before(expiresAt) {
			return lockRow{}, &NamespaceLockedError{Namespace: s.namespace, MsUntilFree: expiresAt.Sub(now).Milliseconds()}
		}
	}

	builder := squirrel.StatementBuilder.PlaceholderFormat(s.conn.Dialect.PlaceholderFormat())
	nowMs := now.UnixMilli()
	if ok {
		query, args, err := builder.
			Update(s.lockTable()).
			Set("is_locked", 1).
			Set("heartbeat_at", nowMs).
			Set("build_id", buildID).
			Set("schema_json", schemaJSON).
			Where(squirrel.Eq{"namespace": s.namespace}).
			ToSql()
		if err != nil {
			return lockRow{}, fmt.Errorf("database: build lock update: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return lockRow{}, fmt.Errorf("database: acquire lock: %w", err)
		}
	} else {
		query, args, err := builder.
			Insert(s.lockTable()).
			Columns("namespace", "is_locked", "heartbeat_at", "build_id", "schema_json", "finalized_checkpoint").
			Values(s.namespace, 1, nowMs, buildID, schemaJSON, "").
			ToSql()
		if err != nil {
			return lockRow{}, fmt.Errorf("database: build lock insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return lockRow{}, fmt.Errorf("database: insert lock row: %w", err)
		}
	}

	return lockRow{IsLocked: true, HeartbeatAt: nowMs, BuildID: buildID, SchemaJSON: schemaJSON, FinalizedCheckpoint: existing.FinalizedCheckpoint}, nil
}

func (s *Service) heartbeatOnce(ctx context.Context, now time.Time) error {
	builder := squirrel.StatementBuilder.PlaceholderFormat(s.conn.Dialect.PlaceholderFormat())
	query, args, err := builder.
		Update(s.lockTable()).
		Set("heartbeat_at", now.UnixMilli()).
		Where(squirrel.Eq{"namespace": s.namespace}).
		ToSql()
	if err != nil {
		return fmt.Errorf("database: build heartbeat update: %w", err)
	}
	_, err = s.conn.DB.ExecContext(ctx, query, args...)
	return err
}

func (s *Service) releaseLock(ctx context.Context) error {
	builder := squirrel.StatementBuilder.PlaceholderFormat(s.conn.Dialect.PlaceholderFormat())
	query, args, err := builder.
		Update(s.lockTable()).
		Set("is_locked", 0).
		Where(squirrel.Eq{"namespace": s.namespace}).
		ToSql()
	if err != nil {
		return fmt.Errorf("database: build lock release: %w", err)
	}
	_, err = s.conn.DB.ExecContext(ctx, query, args...)
	return err
}

func (s *Service) setFinalizedCheckpoint(ctx context.Context, checkpoint string) error {
	builder := squirrel.StatementBuilder.PlaceholderFormat(s.conn.Dialect.PlaceholderFormat())
	query, args, err := builder.
		Update(s.lockTable()).
		Set("finalized_checkpoint", checkpoint).
		Where(squirrel.Eq{"namespace": s.namespace}).
		ToSql()
	if err != nil {
		return fmt.Errorf("database: build finalized checkpoint update: %w", err)
	}
	_, err = s.conn.DB.ExecContext(ctx, query, args...)
	return err
}
