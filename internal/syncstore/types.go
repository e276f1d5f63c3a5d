// Package syncstore persists raw chain data (blocks, transactions,
// receipts, logs) plus interval bookkeeping for which (filter, block-range)
// pairs have already been fetched, per spec.md §3/§4.3.
package syncstore

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ponder-go/ponder/internal/checkpoint"
)

// Block is a stored block header, scoped to one chain.
type Block struct {
	ChainID    uint64
	Hash       common.Hash
	Number     uint64
	Timestamp  uint64
	ParentHash common.Hash
	// HeaderJSON carries the remaining header fields (stateRoot, gasUsed,
	// baseFee, etc.) as a JSON blob rather than one column per field; see
	// DESIGN.md for the rationale.
	HeaderJSON []byte
}

// Transaction is a stored transaction, scoped to one chain.
type Transaction struct {
	ChainID          uint64
	Hash             common.Hash
	BlockHash        common.Hash
	BlockNumber      uint64
	TransactionIndex uint64
	From             common.Address
	To               *common.Address
	Value            *big.Int
	Gas              uint64
	// BodyJSON carries input data, gas price / EIP-1559 fields, and the
	// access list.
	BodyJSON []byte
}

// Receipt is a stored transaction receipt, scoped to one chain.
type Receipt struct {
	ChainID         uint64
	TransactionHash common.Hash
	Status          uint64
	LogsBloom       []byte
	// LogsJSON mirrors the receipt's embedded logs (kept for completeness;
	// the authoritative, queryable copy lives in the logs table).
	LogsJSON []byte
}

// Log is a stored event log, scoped to one chain. ID is
// blockHash||logIndex, the table's primary key.
type Log struct {
	ChainID          uint64
	ID               string
	Address          common.Address
	BlockHash        common.Hash
	BlockNumber      uint64
	LogIndex         uint64
	Topic0           *common.Hash
	Topic1           *common.Hash
	Topic2           *common.Hash
	Topic3           *common.Hash
	Data             []byte
	TransactionHash  common.Hash
	TransactionIndex uint64
	Checkpoint       string // checkpoint.Encode output
}

// LogID computes the primary key of a log row.
func LogID(blockHash common.Hash, logIndex uint64) string {
	return blockHash.Hex() + "-" + bigToDecimal(logIndex)
}

func bigToDecimal(v uint64) string {
	return new(big.Int).SetUint64(v).String()
}

func parseBig(s string) (*big.Int, bool) {
	return new(big.Int).SetString(s, 10)
}

// ChildAddressLocation identifies where a factory-created child address is
// found in its creation log.
type ChildAddressLocation string

const (
	LocationTopic1  ChildAddressLocation = "topic1"
	LocationTopic2  ChildAddressLocation = "topic2"
	LocationTopic3  ChildAddressLocation = "topic3"
	LocationOffsetN ChildAddressLocation = "offsetN" // paired with ByteOffset
)

// LogFilter identifies a set of logs by (chainId, address, topics).
type LogFilter struct {
	ID                         string
	ChainID                    uint64
	Address                    *common.Address // nil matches any address
	Topic0                    *common.Hash
	Topic1                     *common.Hash
	Topic2                     *common.Hash
	Topic3                     *common.Hash
	IncludeTransactionReceipts bool
}

// Factory identifies the log filter whose logs announce new child
// addresses to also watch.
type Factory struct {
	ID                         string
	ChainID                    uint64
	Address                    common.Address
	EventSelector              common.Hash
	ChildAddressLocation       ChildAddressLocation
	ByteOffset                 int // used when ChildAddressLocation == LocationOffsetN
	Topic0                     *common.Hash
	Topic1                     *common.Hash
	Topic2                     *common.Hash
	Topic3                     *common.Hash
	IncludeTransactionReceipts bool
}

// ToCheckpoint builds the canonical checkpoint for a log: spec.md §3
// invariant "logs.checkpoint equals the canonical encoding of
// (block.timestamp, chainId, block.number, transactionIndex, logIndex)".
func ToCheckpoint(chainID, blockTimestamp, blockNumber, txIndex, logIndex uint64) string {
	return checkpoint.Encode(checkpoint.New(blockTimestamp, chainID, blockNumber, txIndex, logIndex))
}

// Event bundles a stored log with its parent block/transaction (and
// optional receipt), the unit getLogEvents yields.
type Event struct {
	Log         Log
	Block       Block
	Transaction Transaction
	Receipt     *Receipt
}
