package rpcqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig("test")
	cfg.MaxRequestsPerSecond = 1000
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.RequestTimeout = time.Second
	return cfg
}

func TestDoSucceedsFirstTry(t *testing.T) {
	q := New(testConfig(), zerolog.Nop())
	calls := 0
	result, err := Do(context.Background(), q, "eth_chainId", func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, result)
	require.Equal(t, 1, calls)
}

func TestDoRetriesTransient(t *testing.T) {
	q := New(testConfig(), zerolog.Nop())
	calls := 0
	result, err := Do(context.Background(), q, "eth_getLogs", func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection reset")
		}
		return 7, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, result)
	require.Equal(t, 3, calls)
}

func TestDoFailsFastOnPermanentError(t *testing.T) {
	q := New(testConfig(), zerolog.Nop())
	calls := 0
	_, err := Do(context.Background(), q, "eth_call", func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("execution reverted: insufficient balance")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
	var rpcErr *Error
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, KindPermanent, rpcErr.Kind)
}

func TestDoExhaustsRetries(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	q := New(cfg, zerolog.Nop())
	calls := 0
	_, err := Do(context.Background(), q, "eth_getLogs", func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("timeout")
	})
	require.Error(t, err)
	require.Equal(t, cfg.MaxRetries+1, calls)
}

func TestGetLogsWithSplitBisects(t *testing.T) {
	tooLarge := &Error{Kind: KindTooManyResults, Method: "eth_getLogs", Err: errors.New("query returned more than 10000 results")}

	fetch := func(ctx context.Context, r BlockRange) ([]int, error) {
		if r.To-r.From > 1 {
			return nil, tooLarge
		}
		return []int{int(r.From), int(r.To)}, nil
	}

	logs, err := GetLogsWithSplit(context.Background(), BlockRange{From: 0, To: 7}, 4, fetch)
	require.NoError(t, err)
	require.Len(t, logs, 8) // 4 two-block ranges each contributing 2 entries
}

func TestGetLogsWithSplitPropagatesUnsplittableError(t *testing.T) {
	tooLarge := &Error{Kind: KindTooManyResults, Method: "eth_getLogs", Err: errors.New("query returned more than 10000 results")}
	fetch := func(ctx context.Context, r BlockRange) ([]int, error) {
		return nil, tooLarge
	}
	_, err := GetLogsWithSplit(context.Background(), BlockRange{From: 5, To: 5}, 2, fetch)
	require.Error(t, err)
}
