// Package callcache persists memoized eth_call results so a handler
// re-running over the same historical event (hot reload, cold replay)
// doesn't re-issue an RPC call whose result can't have changed: the call
// is keyed by (chainId, address, calldata, blockNumber), all of which are
// fixed for a given historical invocation.
//
// Adapted from the teacher's internal/db/checkpoint.go, which persisted a
// single (serviceName -> last-processed-block) row in BoltDB; this
// package keeps BoltDB as the embedded store but repurposes it for a much
// higher-cardinality, content-addressed key space instead.
package callcache

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.etcd.io/bbolt"
)

const resultsBucket = "rpcRequestResults"

// Cache is an embedded, file-backed memoization store for eth_call
// results.
type Cache struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the cache file at path.
func Open(path string) (*Cache, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("callcache: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(resultsBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("callcache: create bucket: %w", err)
	}
	return &Cache{db: db}, nil
}

// Key identifies one memoizable eth_call.
type Key struct {
	ChainID     uint64
	Address     common.Address
	Calldata    []byte
	BlockNumber uint64
}

func (k Key) bytes() []byte {
	return []byte(fmt.Sprintf("%d|%s|%s|%d", k.ChainID, k.Address.Hex(), hex.EncodeToString(k.Calldata), k.BlockNumber))
}

// Get returns a previously memoized result, if present.
func (c *Cache) Get(_ context.Context, key Key) ([]byte, bool, error) {
	var value []byte
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(resultsBucket))
		v := b.Get(key.bytes())
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("callcache: get: %w", err)
	}
	return value, value != nil, nil
}

// Put memoizes a result. Results are only ever memoized for block numbers
// at or below the network's finalized checkpoint (the caller's
// responsibility), so a memoized entry is never observably stale.
func (c *Cache) Put(_ context.Context, key Key, value []byte) error {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(resultsBucket))
		return b.Put(key.bytes(), value)
	})
	if err != nil {
		return fmt.Errorf("callcache: put: %w", err)
	}
	return nil
}

// Close releases the underlying file handle.
func (c *Cache) Close() error { return c.db.Close() }
