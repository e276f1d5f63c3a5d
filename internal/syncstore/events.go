package syncstore

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/ethereum/go-ethereum/common"
)

// EventQuery selects logs matching one filter within a checkpoint range.
// A nil Address/TopicN matches any value, mirroring LogFilter's semantics.
type EventQuery struct {
	ChainID                    uint64
	Addresses                  []common.Address // empty matches any address
	Topic0                     *common.Hash
	FromCheckpoint             string // inclusive, "" means unbounded
	ToCheckpoint               string // inclusive, "" means unbounded
	IncludeTransactionReceipts bool
	Limit                      int
}

// GetLogEvents returns the matching logs in checkpoint order, each bundled
// with its parent block and transaction (and receipt, if requested and
// present). This is the read path the event stream pulls its
// checkpoint-ordered per-network cursor from.
func (s *Store) GetLogEvents(ctx context.Context, q EventQuery) ([]Event, error) {
	sel := s.builder.Select(
		"l.id", "l.address", "l.block_hash", "l.block_number", "l.log_index",
		"l.topic0", "l.topic1", "l.topic2", "l.topic3", "l.data",
		"l.transaction_hash", "l.transaction_index", "l.checkpoint",
		"b.timestamp", "b.parent_hash", "b.header_json",
		`t."from"`, `t."to"`, "t.value", "t.gas", "t.body_json",
	).
		From(s.table("logs") + " l").
		Join(s.table("blocks") + " b ON b.chain_id = l.chain_id AND b.hash = l.block_hash").
		Join(s.table("transactions") + " t ON t.chain_id = l.chain_id AND t.hash = l.transaction_hash").
		Where(squirrel.Eq{"l.chain_id": q.ChainID}).
		OrderBy("l.checkpoint ASC")

	if len(q.Addresses) > 0 {
		hexes := make([]string, len(q.Addresses))
		for i, a := range q.Addresses {
			hexes[i] = a.Hex()
		}
		sel = sel.Where(squirrel.Eq{"l.address": hexes})
	}
	if q.Topic0 != nil {
		sel = sel.Where(squirrel.Eq{"l.topic0": q.Topic0.Hex()})
	}
	if q.FromCheckpoint != "" {
		sel = sel.Where(squirrel.GtOrEq{"l.checkpoint": q.FromCheckpoint})
	}
	if q.ToCheckpoint != "" {
		sel = sel.Where(squirrel.LtOrEq{"l.checkpoint": q.ToCheckpoint})
	}
	if q.Limit > 0 {
		sel = sel.Limit(uint64(q.Limit))
	}

	sqlStr, args, err := sel.ToSql()
	if err != nil {
		return nil, fmt.Errorf("syncstore: build event query: %w", err)
	}

	rows, err := s.conn.DB.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("syncstore: query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev                                            Event
			id, address, blockHash                        string
			topic0, topic1, topic2, topic3                *string
			txHash                                         string
			parentHash, from                               string
			to                                             *string
			value                                          *string
		)
		if err := rows.Scan(
			&id, &address, &blockHash, &ev.Log.BlockNumber, &ev.Log.LogIndex,
			&topic0, &topic1, &topic2, &topic3, &ev.Log.Data,
			&txHash, &ev.Log.TransactionIndex, &ev.Log.Checkpoint,
			&ev.Block.Timestamp, &parentHash, &ev.Block.HeaderJSON,
			&from, &to, &value, &ev.Transaction.Gas, &ev.Transaction.BodyJSON,
		); err != nil {
			return nil, fmt.Errorf("syncstore: scan event: %w", err)
		}

		ev.Log.ChainID = q.ChainID
		ev.Log.ID = id
		ev.Log.Address = common.HexToAddress(address)
		ev.Log.BlockHash = common.HexToHash(blockHash)
		ev.Log.Topic0 = hexPtrToHash(topic0)
		ev.Log.Topic1 = hexPtrToHash(topic1)
		ev.Log.Topic2 = hexPtrToHash(topic2)
		ev.Log.Topic3 = hexPtrToHash(topic3)
		ev.Log.TransactionHash = common.HexToHash(txHash)

		ev.Block.ChainID = q.ChainID
		ev.Block.Hash = ev.Log.BlockHash
		ev.Block.Number = ev.Log.BlockNumber
		ev.Block.ParentHash = common.HexToHash(parentHash)

		ev.Transaction.ChainID = q.ChainID
		ev.Transaction.Hash = ev.Log.TransactionHash
		ev.Transaction.BlockHash = ev.Log.BlockHash
		ev.Transaction.BlockNumber = ev.Log.BlockNumber
		ev.Transaction.TransactionIndex = ev.Log.TransactionIndex
		ev.Transaction.From = common.HexToAddress(from)
		if to != nil {
			addr := common.HexToAddress(*to)
			ev.Transaction.To = &addr
		}
		if value != nil {
			if parsed, ok := parseBig(*value); ok {
				ev.Transaction.Value = parsed
			}
		}

		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if q.IncludeTransactionReceipts {
		if err := s.attachReceipts(ctx, q.ChainID, events); err != nil {
			return nil, err
		}
	}

	return events, nil
}

func (s *Store) attachReceipts(ctx context.Context, chainID uint64, events []Event) error {
	for i := range events {
		var r Receipt
		err := s.conn.DB.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT status, logs_bloom, logs_json FROM %s WHERE chain_id = %s AND transaction_hash = %s`,
				s.table("receipts"), s.placeholder(1), s.placeholder(2)),
			chainID, events[i].Transaction.Hash.Hex(),
		).Scan(&r.Status, &r.LogsBloom, &r.LogsJSON)
		if err != nil {
			continue // receipt not (yet) fetched; leave Receipt nil
		}
		r.ChainID = chainID
		r.TransactionHash = events[i].Transaction.Hash
		events[i].Receipt = &r
	}
	return nil
}

func hexPtrToHash(s *string) *common.Hash {
	if s == nil {
		return nil
	}
	h := common.HexToHash(*s)
	return &h
}
