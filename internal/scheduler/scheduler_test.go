package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ponder-go/ponder/internal/indexingstore"
	"github.com/ponder-go/ponder/internal/syncstore"
	"github.com/ponder-go/ponder/pkg/handler"
)

func evWithID(id string) handler.Event {
	return handler.Event{Event: syncstore.Event{Log: syncstore.Log{ID: id}}, ChainID: 1}
}

func TestRunBatchInvokesAllMatchingHandlers(t *testing.T) {
	var mu sync.Mutex
	var order []string

	deposit := handler.Handler{Name: "Deposit", Writes: []string{"A"}, Invoke: func(ctx context.Context, ev handler.Event, hc *handler.Context) error {
		mu.Lock()
		order = append(order, "Deposit:"+ev.Log.ID)
		mu.Unlock()
		return nil
	}}
	burn := handler.Handler{Name: "Burn", Reads: []string{"A"}, Writes: []string{"B"}, Invoke: func(ctx context.Context, ev handler.Event, hc *handler.Context) error {
		mu.Lock()
		order = append(order, "Burn:"+ev.Log.ID)
		mu.Unlock()
		return nil
	}}

	s := New([]handler.Handler{deposit, burn}, func(ev handler.Event) *handler.Context { return &handler.Context{} }, DefaultConfig(), zerolog.Nop())

	dispatch := Dispatch{ByHandler: map[string][]handler.Event{
		"Deposit": {evWithID("1")},
		"Burn":    {evWithID("1")},
	}}
	require.NoError(t, s.RunBatch(context.Background(), dispatch))

	require.Contains(t, order, "Deposit:1")
	require.Contains(t, order, "Burn:1")
	// Deposit must appear before Burn since writes(Deposit) ∩ reads(Burn) != ∅.
	depositIdx, burnIdx := -1, -1
	for i, o := range order {
		if o == "Deposit:1" {
			depositIdx = i
		}
		if o == "Burn:1" {
			burnIdx = i
		}
	}
	require.Less(t, depositIdx, burnIdx)
}

func TestRunBatchSurfacesHandlerErrorAsReloadable(t *testing.T) {
	var reloadErr error
	failing := handler.Handler{Name: "Failing", Writes: []string{"X"}, Invoke: func(ctx context.Context, ev handler.Event, hc *handler.Context) error {
		return fmt.Errorf("boom")
	}}
	s := New([]handler.Handler{failing}, func(ev handler.Event) *handler.Context { return &handler.Context{} }, DefaultConfig(), zerolog.Nop())
	s.OnReloadableError(func(err error) { reloadErr = err })

	dispatch := Dispatch{ByHandler: map[string][]handler.Event{"Failing": {evWithID("1")}}}
	err := s.RunBatch(context.Background(), dispatch)
	require.Error(t, err)
	require.Error(t, reloadErr)
}

func TestRunBatchSurfacesSchemaViolationAsFatal(t *testing.T) {
	var fatalErr error
	failing := handler.Handler{Name: "Failing", Writes: []string{"X"}, Invoke: func(ctx context.Context, ev handler.Event, hc *handler.Context) error {
		return &indexingstore.Error{Kind: indexingstore.KindSchemaViolation, Table: "X", ID: "1", Err: fmt.Errorf("bad column")}
	}}
	s := New([]handler.Handler{failing}, func(ev handler.Event) *handler.Context { return &handler.Context{} }, DefaultConfig(), zerolog.Nop())
	s.OnFatalError(func(err error) { fatalErr = err })

	dispatch := Dispatch{ByHandler: map[string][]handler.Event{"Failing": {evWithID("1")}}}
	err := s.RunBatch(context.Background(), dispatch)
	require.Error(t, err)
	require.Error(t, fatalErr)
}

func TestPartitionByHandlerGroupsMatchingEvents(t *testing.T) {
	addrA := common.HexToAddress("0xaaaa000000000000000000000000000000000a")
	addrB := common.HexToAddress("0xbbbb000000000000000000000000000000000b")
	events := []syncstore.Event{
		{Log: syncstore.Log{ID: "1", Address: addrA}},
		{Log: syncstore.Log{ID: "2", Address: addrB}},
	}
	matches := map[string]func(syncstore.Event) bool{
		"HandlerA": func(ev syncstore.Event) bool { return ev.Log.Address == addrA },
	}
	dispatch := PartitionByHandler(events, 1, matches)
	require.Len(t, dispatch.ByHandler["HandlerA"], 1)
	require.Equal(t, "1", dispatch.ByHandler["HandlerA"][0].Log.ID)
}
