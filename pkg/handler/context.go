package handler

import (
	"context"

	"github.com/ponder-go/ponder/internal/indexingstore"
	"github.com/ponder-go/ponder/internal/schema"
)

// Network identifies the chain a handler invocation is running against.
type Network struct {
	ChainID uint64
	Name    string
}

// DB is the indexing store scoped to one handler invocation: every write
// is automatically tagged with the invocation's checkpoint, so handler
// code never has to thread it through by hand.
type DB struct {
	store      *indexingstore.Store
	checkpoint string
}

func newDB(store *indexingstore.Store, checkpoint string) *DB {
	return &DB{store: store, checkpoint: checkpoint}
}

func (d *DB) Create(ctx context.Context, table, id string, data map[string]schema.Value) error {
	return d.store.Create(ctx, table, id, data, d.checkpoint)
}

func (d *DB) CreateMany(ctx context.Context, table string, rows []indexingstore.Row) error {
	for i := range rows {
		rows[i].Checkpoint = d.checkpoint
	}
	return d.store.CreateMany(ctx, table, rows)
}

func (d *DB) Update(ctx context.Context, table, id string, patch map[string]schema.Value) error {
	return d.store.Update(ctx, table, id, patch, d.checkpoint)
}

func (d *DB) Upsert(ctx context.Context, table, id string, create, update map[string]schema.Value) error {
	return d.store.Upsert(ctx, table, id, create, update, d.checkpoint)
}

func (d *DB) Delete(ctx context.Context, table, id string) (bool, error) {
	return d.store.Delete(ctx, table, id, d.checkpoint)
}

func (d *DB) FindUnique(ctx context.Context, table, id string) (indexingstore.Row, bool, error) {
	return d.store.FindUnique(ctx, table, id)
}

func (d *DB) FindMany(ctx context.Context, table string, q indexingstore.FindManyQuery) (indexingstore.Page, error) {
	return d.store.FindMany(ctx, table, q)
}

// Context is what a handler invocation receives alongside its event:
// the scoped indexing store, a memoized read-only chain client, the
// network it's running against, and externally generated typed contract
// bindings (opaque to the engine).
type Context struct {
	DB        *DB
	Client    *CallClient
	Network   Network
	Contracts any
}

// NewContext builds the per-invocation context. checkpoint tags every
// write DB makes during this invocation.
func NewContext(store *indexingstore.Store, client *CallClient, network Network, contracts any, checkpoint string) *Context {
	return &Context{DB: newDB(store, checkpoint), Client: client, Network: network, Contracts: contracts}
}
