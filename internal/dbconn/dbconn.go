// Package dbconn opens the two persisted-state backends spec.md §6
// recognizes (SQLite and Postgres) behind one database/sql handle plus a
// small Dialect describing the SQL differences (placeholders, identifier
// quoting, bigint column type) every other store package needs.
package dbconn

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Kind selects the persisted-state backend.
type Kind string

const (
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
)

// Config mirrors spec.md §6: database: {kind, connectionString|directory,
// userNamespace?}.
type Config struct {
	Kind             Kind
	ConnectionString string // postgres DSN, or sqlite file path
	UserNamespace    string // default "public"
}

// Dialect abstracts the SQL differences between the two backends so
// syncstore/indexingstore/database can share one implementation.
type Dialect interface {
	// Placeholder returns squirrel's placeholder format for this backend.
	PlaceholderFormat() squirrel.PlaceholderFormat
	// QuoteIdent quotes a schema/table/column identifier.
	QuoteIdent(name string) string
	// BigIntColumnType is the column type used to store a checkpoint- or
	// bigint-encoded fixed-width decimal string.
	BigIntColumnType() string
	// SchemaQualify returns "namespace.table" or, for SQLite (which has no
	// schemas), a namespace-prefixed table name.
	SchemaQualify(namespace, table string) string
	// UpsertSuffix returns the "ON CONFLICT ... DO UPDATE" clause appended
	// to an INSERT to make it an upsert, given the conflict columns and the
	// columns to overwrite on conflict.
	UpsertSuffix(conflictCols, updateCols []string) string
}

// Conn bundles the generic *sql.DB handle used by every store with the
// dialect describing how to speak to it, and (for Postgres) the pgxpool
// backing DB, which Open pings once and Close closes.
type Conn struct {
	DB      *sql.DB
	Dialect Dialect
	Kind    Kind

	pgPool *pgxpool.Pool // nil in sqlite mode
}

// Open connects to the configured backend.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*Conn, error) {
	if cfg.UserNamespace == "" {
		cfg.UserNamespace = "public"
	}

	switch cfg.Kind {
	case KindPostgres:
		pool, err := pgxpool.New(ctx, cfg.ConnectionString)
		if err != nil {
			return nil, fmt.Errorf("dbconn: pgxpool.New: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("dbconn: ping postgres: %w", err)
		}

		db := stdlib.OpenDBFromPool(pool)
		logger.Info().Str("backend", "postgres").Str("namespace", cfg.UserNamespace).Msg("database connected")
		return &Conn{DB: db, Dialect: postgresDialect{}, Kind: KindPostgres, pgPool: pool}, nil

	case KindSQLite:
		db, err := sql.Open("sqlite", cfg.ConnectionString)
		if err != nil {
			return nil, fmt.Errorf("dbconn: sql.Open(sqlite): %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbconn: ping sqlite: %w", err)
		}
		// SQLite allows exactly one writer; serialize at the handle level
		// rather than fighting SQLITE_BUSY under concurrent writers.
		db.SetMaxOpenConns(1)
		logger.Info().Str("backend", "sqlite").Str("path", cfg.ConnectionString).Msg("database connected")
		return &Conn{DB: db, Dialect: sqliteDialect{}, Kind: KindSQLite}, nil

	default:
		return nil, fmt.Errorf("dbconn: unknown kind %q", cfg.Kind)
	}
}

// Close releases the connection (and, in Postgres mode, the pool).
func (c *Conn) Close() error {
	err := c.DB.Close()
	if c.pgPool != nil {
		c.pgPool.Close()
	}
	return err
}
