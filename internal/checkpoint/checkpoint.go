// Package checkpoint implements the totally ordered position used to track
// progress across chains: (blockTimestamp, chainId, blockNumber,
// transactionIndex, eventIndex) compared lexicographically.
package checkpoint

import (
	"fmt"
	"strconv"
	"strings"
)

// Checkpoint is a position in multi-chain history. Comparison is
// lexicographic over the five fields in the order they are declared.
type Checkpoint struct {
	BlockTimestamp   uint64
	ChainID          uint64
	BlockNumber      uint64
	TransactionIndex uint64
	EventIndex       uint64
}

// Zero is the smallest possible checkpoint.
var Zero = Checkpoint{}

// Max is the largest possible checkpoint, component-max.
var Max = Checkpoint{
	BlockTimestamp:   maxUint64,
	ChainID:          maxUint64,
	BlockNumber:      maxUint64,
	TransactionIndex: maxUint64,
	EventIndex:       maxUint64,
}

const maxUint64 = ^uint64(0)

// fieldWidth is the number of decimal digits used to encode each component.
// 20 digits covers the full uint64 range (max ~1.8e19).
const fieldWidth = 20

// New builds a Checkpoint from its components.
func New(blockTimestamp, chainID, blockNumber, transactionIndex, eventIndex uint64) Checkpoint {
	return Checkpoint{
		BlockTimestamp:   blockTimestamp,
		ChainID:          chainID,
		BlockNumber:      blockNumber,
		TransactionIndex: transactionIndex,
		EventIndex:       eventIndex,
	}
}

// Compare returns -1, 0 or 1 as a is less than, equal to, or greater than b.
func Compare(a, b Checkpoint) int {
	switch {
	case a.BlockTimestamp != b.BlockTimestamp:
		return cmpUint64(a.BlockTimestamp, b.BlockTimestamp)
	case a.ChainID != b.ChainID:
		return cmpUint64(a.ChainID, b.ChainID)
	case a.BlockNumber != b.BlockNumber:
		return cmpUint64(a.BlockNumber, b.BlockNumber)
	case a.TransactionIndex != b.TransactionIndex:
		return cmpUint64(a.TransactionIndex, b.TransactionIndex)
	default:
		return cmpUint64(a.EventIndex, b.EventIndex)
	}
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Less reports whether a sorts strictly before b.
func Less(a, b Checkpoint) bool { return Compare(a, b) < 0 }

// Encode produces a fixed-width, lexicographically sortable string such
// that byte-lex order of the encoding equals tuple order of the checkpoint.
// Each field is zero-padded decimal, so the 5*fieldWidth-byte output never
// varies in length.
func Encode(c Checkpoint) string {
	var b strings.Builder
	b.Grow(fieldWidth * 5)
	pad(&b, c.BlockTimestamp)
	pad(&b, c.ChainID)
	pad(&b, c.BlockNumber)
	pad(&b, c.TransactionIndex)
	pad(&b, c.EventIndex)
	return b.String()
}

func pad(b *strings.Builder, v uint64) {
	s := strconv.FormatUint(v, 10)
	for i := 0; i < fieldWidth-len(s); i++ {
		b.WriteByte('0')
	}
	b.WriteString(s)
}

// Decode parses an Encode-produced string back into a Checkpoint.
func Decode(s string) (Checkpoint, error) {
	if len(s) != fieldWidth*5 {
		return Checkpoint{}, fmt.Errorf("checkpoint: invalid encoding length %d, want %d", len(s), fieldWidth*5)
	}
	fields := make([]uint64, 5)
	for i := range fields {
		chunk := s[i*fieldWidth : (i+1)*fieldWidth]
		v, err := strconv.ParseUint(chunk, 10, 64)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("checkpoint: invalid field %d (%q): %w", i, chunk, err)
		}
		fields[i] = v
	}
	return Checkpoint{
		BlockTimestamp:   fields[0],
		ChainID:          fields[1],
		BlockNumber:      fields[2],
		TransactionIndex: fields[3],
		EventIndex:       fields[4],
	}, nil
}

// String implements fmt.Stringer for logging.
func (c Checkpoint) String() string {
	return fmt.Sprintf("(ts=%d,chain=%d,block=%d,tx=%d,event=%d)",
		c.BlockTimestamp, c.ChainID, c.BlockNumber, c.TransactionIndex, c.EventIndex)
}
