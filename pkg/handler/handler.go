// Package handler is the contract between the engine and user indexing
// functions: a handler declares the tables it reads and writes (derived
// externally, by static analysis of the handler's source — the engine
// only ever consumes the precomputed sets) and an Invoke function the
// scheduler calls once per matching event.
package handler

import (
	"context"

	"github.com/ponder-go/ponder/internal/syncstore"
)

// Event is one log event a handler is invoked for, carrying its
// checkpoint so writes made during Invoke can be tagged for later
// revert.
type Event struct {
	syncstore.Event
	ChainID uint64
}

// InvokeFunc is the user code the scheduler dispatches to.
type InvokeFunc func(ctx context.Context, ev Event, hc *Context) error

// Handler is one registered indexing function.
type Handler struct {
	Name   string
	Reads  []string
	Writes []string
	Invoke InvokeFunc
}
