// Package indexingstore implements the typed, checkpoint-tagged row store
// handlers write into: one physical table per logical user table, with
// every write appended as a new revision rather than an in-place update so
// a reorg can revert to any prior checkpoint without a shadow log.
package indexingstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"

	"github.com/ponder-go/ponder/internal/dbconn"
	"github.com/ponder-go/ponder/internal/schema"
)

// Store is the live-tables indexing store for one build's set of
// physical tables.
type Store struct {
	conn    *dbconn.Conn
	schema  schema.Schema
	tables  map[string]string // logical table name -> physical table name (schema-qualified)
	builder squirrel.StatementBuilderType
	logger  zerolog.Logger
}

// New wraps an already-open connection. tables maps each logical table
// name the schema declares to its physical, already schema-qualified name
// (assigned by internal/database's build-ID naming). Migrate must be
// called once before use.
func New(conn *dbconn.Conn, sc schema.Schema, tables map[string]string, logger zerolog.Logger) *Store {
	return &Store{
		conn:    conn,
		schema:  sc,
		tables:  tables,
		builder: squirrel.StatementBuilder.PlaceholderFormat(conn.Dialect.PlaceholderFormat()),
		logger:  logger.With().Str("component", "indexingstore").Logger(),
	}
}

func (s *Store) physical(table string) (string, error) {
	p, ok := s.tables[table]
	if !ok {
		return "", fmt.Errorf("indexingstore: table %q is not provisioned", table)
	}
	return p, nil
}

// Migrate creates the physical revision table for every table the schema
// declares, if it does not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	for name := range s.schema.Tables {
		phys, err := s.physical(name)
		if err != nil {
			return err
		}
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT NOT NULL,
			revision BIGINT NOT NULL,
			checkpoint TEXT NOT NULL,
			deleted BIGINT NOT NULL DEFAULT 0,
			data TEXT NOT NULL,
			PRIMARY KEY (id, revision)
		)`, phys)
		if _, err := s.conn.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("indexingstore: migrate %s: %w", name, err)
		}
	}
	return nil
}

// currentRevision loads the row with the highest revision for (table,id)
// within a transaction-or-plain-conn executor, or (Row{}, false, nil) if
// none exists.
func (s *Store) currentRevision(ctx context.Context, exec sqlExecutor, table, id string) (Row, bool, error) {
	phys, err := s.physical(table)
	if err != nil {
		return Row{}, false, err
	}
	query, args, err := s.builder.
		Select("checkpoint", "deleted", "data").
		From(phys).
		Where(squirrel.Eq{"id": id}).
		OrderBy("revision DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return Row{}, false, fmt.Errorf("indexingstore: build select: %w", err)
	}
	row := exec.QueryRowContext(ctx, query, args...)
	var checkpoint string
	var deleted int64
	var raw string
	if err := row.Scan(&checkpoint, &deleted, &raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Row{}, false, nil
		}
		return Row{}, false, fmt.Errorf("indexingstore: scan %s(%s): %w", table, id, err)
	}
	data, err := decodeData(raw)
	if err != nil {
		return Row{}, false, err
	}
	return Row{ID: id, Data: data, Checkpoint: checkpoint, Deleted: deleted != 0}, true, nil
}

// nextRevision returns 1 + the highest existing revision for (table,id).
func (s *Store) nextRevision(ctx context.Context, exec sqlExecutor, table, id string) (int64, error) {
	phys, err := s.physical(table)
	if err != nil {
		return 0, err
	}
	query, args, err := s.builder.
		Select("COALESCE(MAX(revision), -1)").
		From(phys).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("indexingstore: build revision query: %w", err)
	}
	var max int64
	if err := exec.QueryRowContext(ctx, query, args...).Scan(&max); err != nil {
		return 0, fmt.Errorf("indexingstore: scan max revision: %w", err)
	}
	return max + 1, nil
}

func (s *Store) insertRevision(ctx context.Context, exec sqlExecutor, table, id string, revision int64, checkpoint string, deleted bool, data map[string]schema.Value) error {
	phys, err := s.physical(table)
	if err != nil {
		return err
	}
	raw, err := encodeData(data)
	if err != nil {
		return err
	}
	deletedInt := int64(0)
	if deleted {
		deletedInt = 1
	}
	query, args, err := s.builder.
		Insert(phys).
		Columns("id", "revision", "checkpoint", "deleted", "data").
		Values(id, revision, checkpoint, deletedInt, raw).
		ToSql()
	if err != nil {
		return fmt.Errorf("indexingstore: build insert: %w", err)
	}
	if _, err := exec.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("indexingstore: insert revision %s(%s): %w", table, id, err)
	}
	return nil
}

// sqlExecutor is satisfied by both *sql.DB and *sql.Tx, letting every
// helper above run inside or outside an explicit transaction.
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
