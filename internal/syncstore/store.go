package syncstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/ponder-go/ponder/internal/dbconn"
)

// Store persists raw chain rows and interval bookkeeping for one
// namespace. It is backend-agnostic: the same SQL (modulo the
// dbconn.Dialect it was opened with) runs against SQLite and Postgres.
type Store struct {
	conn      *dbconn.Conn
	namespace string
	builder   squirrel.StatementBuilderType
	logger    zerolog.Logger
}

// New wraps an already-open connection. Migrate must be called once
// before use.
func New(conn *dbconn.Conn, namespace string, logger zerolog.Logger) *Store {
	return &Store{
		conn:      conn,
		namespace: namespace,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(conn.Dialect.PlaceholderFormat()),
		logger:    logger.With().Str("component", "syncstore").Logger(),
	}
}

func (s *Store) table(name string) string {
	return s.conn.Dialect.SchemaQualify(s.namespace, name)
}

// Migrate creates the raw chain tables and interval-bookkeeping tables if
// they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	bigint := s.conn.Dialect.BigIntColumnType()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			chain_id BIGINT NOT NULL,
			hash TEXT NOT NULL,
			number %s NOT NULL,
			timestamp %s NOT NULL,
			parent_hash TEXT NOT NULL,
			header_json BYTEA,
			PRIMARY KEY (chain_id, hash)
		)`, s.table("blocks"), bigint, bigint),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			chain_id BIGINT NOT NULL,
			hash TEXT NOT NULL,
			block_hash TEXT NOT NULL,
			block_number %s NOT NULL,
			transaction_index %s NOT NULL,
			"from" TEXT NOT NULL,
			"to" TEXT,
			value %s,
			gas %s,
			body_json BYTEA,
			PRIMARY KEY (chain_id, hash)
		)`, s.table("transactions"), bigint, bigint, bigint, bigint),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			chain_id BIGINT NOT NULL,
			transaction_hash TEXT NOT NULL,
			status %s NOT NULL,
			logs_bloom BYTEA,
			logs_json BYTEA,
			PRIMARY KEY (chain_id, transaction_hash)
		)`, s.table("receipts"), bigint),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			chain_id BIGINT NOT NULL,
			id TEXT NOT NULL,
			address TEXT NOT NULL,
			block_hash TEXT NOT NULL,
			block_number %s NOT NULL,
			log_index %s NOT NULL,
			topic0 TEXT,
			topic1 TEXT,
			topic2 TEXT,
			topic3 TEXT,
			data BYTEA,
			transaction_hash TEXT NOT NULL,
			transaction_index %s NOT NULL,
			checkpoint TEXT NOT NULL,
			PRIMARY KEY (chain_id, id)
		)`, s.table("logs"), bigint, bigint, bigint),

		// logFilterIntervals / factoryLogFilterIntervals: the merged,
		// pairwise-disjoint block ranges already fetched for a given filter.
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			log_filter_id TEXT NOT NULL,
			start_block %s NOT NULL,
			end_block %s NOT NULL
		)`, s.table("log_filter_intervals"), bigint, bigint),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			factory_id TEXT NOT NULL,
			start_block %s NOT NULL,
			end_block %s NOT NULL
		)`, s.table("factory_log_filter_intervals"), bigint, bigint),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			factory_id TEXT NOT NULL,
			child_address TEXT NOT NULL,
			creation_block %s NOT NULL,
			PRIMARY KEY (factory_id, child_address)
		)`, s.table("factory_child_addresses"), bigint),
	}

	for _, stmt := range stmts {
		if _, err := s.conn.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("syncstore: migrate: %w", err)
		}
	}
	return nil
}

// InsertBlock is idempotent on (chain_id, hash).
func (s *Store) InsertBlock(ctx context.Context, b Block) error {
	q := s.builder.Insert(s.table("blocks")).
		Columns("chain_id", "hash", "number", "timestamp", "parent_hash", "header_json").
		Values(b.ChainID, b.Hash.Hex(), b.Number, b.Timestamp, b.ParentHash.Hex(), b.HeaderJSON).
		Suffix(s.conn.Dialect.UpsertSuffix([]string{"chain_id", "hash"}, nil))
	return s.exec(ctx, q, "insert block")
}

// InsertTransactions is idempotent on (chain_id, hash); no-op for an empty
// slice.
func (s *Store) InsertTransactions(ctx context.Context, txs []Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	q := s.builder.Insert(s.table("transactions")).
		Columns("chain_id", "hash", "block_hash", "block_number", "transaction_index", `"from"`, `"to"`, "value", "gas", "body_json").
		Suffix(s.conn.Dialect.UpsertSuffix([]string{"chain_id", "hash"}, nil))
	for _, tx := range txs {
		var to interface{}
		if tx.To != nil {
			to = tx.To.Hex()
		}
		var value interface{}
		if tx.Value != nil {
			value = tx.Value.String()
		}
		q = q.Values(tx.ChainID, tx.Hash.Hex(), tx.BlockHash.Hex(), tx.BlockNumber, tx.TransactionIndex, tx.From.Hex(), to, value, tx.Gas, tx.BodyJSON)
	}
	return s.exec(ctx, q, "insert transactions")
}

// InsertReceipts is idempotent on (chain_id, transaction_hash); no-op for
// an empty slice.
func (s *Store) InsertReceipts(ctx context.Context, receipts []Receipt) error {
	if len(receipts) == 0 {
		return nil
	}
	q := s.builder.Insert(s.table("receipts")).
		Columns("chain_id", "transaction_hash", "status", "logs_bloom", "logs_json").
		Suffix(s.conn.Dialect.UpsertSuffix([]string{"chain_id", "transaction_hash"}, nil))
	for _, r := range receipts {
		q = q.Values(r.ChainID, r.TransactionHash.Hex(), r.Status, r.LogsBloom, r.LogsJSON)
	}
	return s.exec(ctx, q, "insert receipts")
}

// InsertLogs is idempotent on (chain_id, id); no-op for an empty slice.
func (s *Store) InsertLogs(ctx context.Context, logs []Log) error {
	if len(logs) == 0 {
		return nil
	}
	q := s.builder.Insert(s.table("logs")).
		Columns("chain_id", "id", "address", "block_hash", "block_number", "log_index",
			"topic0", "topic1", "topic2", "topic3", "data", "transaction_hash", "transaction_index", "checkpoint").
		Suffix(s.conn.Dialect.UpsertSuffix([]string{"chain_id", "id"}, nil))
	for _, l := range logs {
		q = q.Values(l.ChainID, l.ID, l.Address.Hex(), l.BlockHash.Hex(), l.BlockNumber, l.LogIndex,
			hashPtr(l.Topic0), hashPtr(l.Topic1), hashPtr(l.Topic2), hashPtr(l.Topic3),
			l.Data, l.TransactionHash.Hex(), l.TransactionIndex, l.Checkpoint)
	}
	return s.exec(ctx, q, "insert logs")
}

func hashPtr(h *common.Hash) interface{} {
	if h == nil {
		return nil
	}
	return h.Hex()
}

// InsertLogFilterInterval records that [start, end] has been fetched for
// logFilterID, then re-merges that filter's intervals so the table stays
// pairwise-disjoint (spec.md §4.3).
func (s *Store) InsertLogFilterInterval(ctx context.Context, logFilterID string, start, end uint64) error {
	return s.insertInterval(ctx, "log_filter_intervals", "log_filter_id", logFilterID, start, end)
}

// InsertFactoryLogFilterInterval is the factory-scoped equivalent of
// InsertLogFilterInterval.
func (s *Store) InsertFactoryLogFilterInterval(ctx context.Context, factoryID string, start, end uint64) error {
	return s.insertInterval(ctx, "factory_log_filter_intervals", "factory_id", factoryID, start, end)
}

func (s *Store) insertInterval(ctx context.Context, table, idCol, id string, start, end uint64) error {
	tx, err := s.conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("syncstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := s.intervalsTx(ctx, tx, table, idCol, id)
	if err != nil {
		return err
	}
	merged := MergeIntervals(append(existing, Interval{Start: start, End: end}))

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE %s = %s`, s.table(table), s.conn.Dialect.QuoteIdent(idCol), s.placeholder(1)), id); err != nil {
		return fmt.Errorf("syncstore: clear intervals: %w", err)
	}

	q := s.builder.Insert(s.table(table)).Columns(idCol, "start_block", "end_block")
	for _, iv := range merged {
		q = q.Values(id, iv.Start, iv.End)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("syncstore: build interval insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("syncstore: insert merged intervals: %w", err)
	}
	return tx.Commit()
}

// placeholder renders the nth (1-indexed) positional placeholder for this
// dialect, used by hand-written SQL that squirrel's builder doesn't cover.
func (s *Store) placeholder(n int) string {
	if s.conn.Kind == dbconn.KindPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *Store) intervalsTx(ctx context.Context, tx *sql.Tx, table, idCol, id string) ([]Interval, error) {
	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf(`SELECT start_block, end_block FROM %s WHERE %s = %s`, s.table(table), s.conn.Dialect.QuoteIdent(idCol), s.placeholder(1)), id)
	if err != nil {
		return nil, fmt.Errorf("syncstore: query intervals: %w", err)
	}
	defer rows.Close()

	var out []Interval
	for rows.Next() {
		var iv Interval
		if err := rows.Scan(&iv.Start, &iv.End); err != nil {
			return nil, fmt.Errorf("syncstore: scan interval: %w", err)
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}

// LogFilterIntervals returns the merged, pairwise-disjoint intervals
// recorded for logFilterID.
func (s *Store) LogFilterIntervals(ctx context.Context, logFilterID string) ([]Interval, error) {
	return s.intervals(ctx, "log_filter_intervals", "log_filter_id", logFilterID)
}

// FactoryLogFilterIntervals is the factory-scoped equivalent of
// LogFilterIntervals.
func (s *Store) FactoryLogFilterIntervals(ctx context.Context, factoryID string) ([]Interval, error) {
	return s.intervals(ctx, "factory_log_filter_intervals", "factory_id", factoryID)
}

func (s *Store) intervals(ctx context.Context, table, idCol, id string) ([]Interval, error) {
	rows, err := s.conn.DB.QueryContext(ctx,
		fmt.Sprintf(`SELECT start_block, end_block FROM %s WHERE %s = %s ORDER BY start_block`, s.table(table), s.conn.Dialect.QuoteIdent(idCol), s.placeholder(1)), id)
	if err != nil {
		return nil, fmt.Errorf("syncstore: query intervals: %w", err)
	}
	defer rows.Close()

	var out []Interval
	for rows.Next() {
		var iv Interval
		if err := rows.Scan(&iv.Start, &iv.End); err != nil {
			return nil, fmt.Errorf("syncstore: scan interval: %w", err)
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}

// InsertFactoryChildAddress records a factory-derived child address first
// observed at creationBlock. Idempotent on (factory_id, child_address).
func (s *Store) InsertFactoryChildAddress(ctx context.Context, factoryID string, child common.Address, creationBlock uint64) error {
	q := s.builder.Insert(s.table("factory_child_addresses")).
		Columns("factory_id", "child_address", "creation_block").
		Values(factoryID, child.Hex(), creationBlock).
		Suffix(s.conn.Dialect.UpsertSuffix([]string{"factory_id", "child_address"}, nil))
	return s.exec(ctx, q, "insert factory child address")
}

// FactoryChildAddresses returns every address the factory has produced at
// or before throughBlock, along with the block it was first observed.
func (s *Store) FactoryChildAddresses(ctx context.Context, factoryID string, throughBlock uint64) (map[common.Address]uint64, error) {
	sqlStr, args, err := s.builder.Select("child_address", "creation_block").
		From(s.table("factory_child_addresses")).
		Where(squirrel.Eq{"factory_id": factoryID}).
		Where(squirrel.LtOrEq{"creation_block": throughBlock}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("syncstore: build child-address query: %w", err)
	}

	rows, err := s.conn.DB.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("syncstore: query child addresses: %w", err)
	}
	defer rows.Close()

	out := make(map[common.Address]uint64)
	for rows.Next() {
		var addr string
		var block uint64
		if err := rows.Scan(&addr, &block); err != nil {
			return nil, fmt.Errorf("syncstore: scan child address: %w", err)
		}
		out[common.HexToAddress(addr)] = block
	}
	return out, rows.Err()
}

// PruneByBlock deletes every row at or above fromBlock (inclusive) for
// chainID, across blocks/transactions/receipts/logs, the
// factory-child-address table, and the recorded fetch intervals (which
// are cut back to end at fromBlock-1). Used by realtime sync to roll back a
// detected reorg before re-syncing forward from the common ancestor.
func (s *Store) PruneByBlock(ctx context.Context, chainID, fromBlock uint64) error {
	tx, err := s.conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("syncstore: begin prune tx: %w", err)
	}
	defer tx.Rollback()

	stmts := []struct {
		table, col string
	}{
		{"blocks", "number"},
		{"transactions", "block_number"},
		{"logs", "block_number"},
	}
	for _, st := range stmts {
		q := fmt.Sprintf(`DELETE FROM %s WHERE chain_id = %s AND %s >= %s`,
			s.table(st.table), s.placeholder(1), s.conn.Dialect.QuoteIdent(st.col), s.placeholder(2))
		if _, err := tx.ExecContext(ctx, q, chainID, fromBlock); err != nil {
			return fmt.Errorf("syncstore: prune %s: %w", st.table, err)
		}
	}
	// receipts has no block_number column; prune by dangling transaction_hash.
	q := fmt.Sprintf(`DELETE FROM %s WHERE chain_id = %s AND transaction_hash NOT IN (SELECT hash FROM %s WHERE chain_id = %s)`,
		s.table("receipts"), s.placeholder(1), s.table("transactions"), s.placeholder(2))
	if _, err := tx.ExecContext(ctx, q, chainID, chainID); err != nil {
		return fmt.Errorf("syncstore: prune receipts: %w", err)
	}
	// Interval and child-address rows carry no chain_id; they are trimmed
	// for every filter and factory, so the pruned range reads as a gap.
	for t, col := range map[string]string{"log_filter_intervals": "start_block", "factory_log_filter_intervals": "start_block", "factory_child_addresses": "creation_block"} {
		q := fmt.Sprintf(`DELETE FROM %s WHERE %s >= %s`, s.table(t), col, s.placeholder(1))
		if _, err := tx.ExecContext(ctx, q, fromBlock); err != nil {
			return fmt.Errorf("syncstore: prune %s: %w", t, err)
		}
		if col == "start_block" && fromBlock > 0 {
			q = fmt.Sprintf(`UPDATE %s SET end_block = %s WHERE end_block >= %s`, s.table(t), s.placeholder(1), s.placeholder(2))
			if _, err := tx.ExecContext(ctx, q, fromBlock-1, fromBlock); err != nil {
				return fmt.Errorf("syncstore: prune %s: %w", t, err)
			}
		}
	}

	return tx.Commit()
}

func (s *Store) exec(ctx context.Context, q squirrel.InsertBuilder, op string) error {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("syncstore: build %s: %w", op, err)
	}
	if _, err := s.conn.DB.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("syncstore: %s: %w", op, err)
	}
	return nil
}
