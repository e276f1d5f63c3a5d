// Package rpcqueue implements the per-network rate-limited, retrying RPC
// client described in spec.md §4.2: it guarantees bounded in-flight
// requests, a requests/sec ceiling, exponential-backoff retry on transient
// failures, and immediate failure on permanent ones.
package rpcqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config configures a per-network Queue. Mirrors spec.md §6
// networks[].{maxRequestsPerSecond,maxConcurrentRequests}.
type Config struct {
	Network               string
	MaxRequestsPerSecond  float64
	MaxConcurrentRequests int
	MaxRetries            int
	InitialBackoff        time.Duration
	MaxBackoff            time.Duration
	RequestTimeout        time.Duration
}

// DefaultConfig returns the spec's defaults: 10s per-request timeout,
// exponential backoff starting at 250ms capped at 10s.
func DefaultConfig(network string) Config {
	return Config{
		Network:               network,
		MaxRequestsPerSecond:  50,
		MaxConcurrentRequests: 10,
		MaxRetries:            5,
		InitialBackoff:        250 * time.Millisecond,
		MaxBackoff:            10 * time.Second,
		RequestTimeout:        10 * time.Second,
	}
}

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ponder_rpcqueue_requests_total",
		Help: "Total RPC requests issued, by network and method.",
	}, []string{"network", "method"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ponder_rpcqueue_retries_total",
		Help: "Total RPC retries, by network and method.",
	}, []string{"network", "method"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ponder_rpcqueue_errors_total",
		Help: "Total RPC failures (after exhausting retries), by network and kind.",
	}, []string{"network", "kind"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ponder_rpcqueue_request_duration_seconds",
		Help:    "RPC request latency, by network and method.",
		Buckets: prometheus.DefBuckets,
	}, []string{"network", "method"})

	inFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ponder_rpcqueue_in_flight",
		Help: "Current number of in-flight RPC requests, by network.",
	}, []string{"network"})
)

// Queue rate-limits, bounds concurrency for, and retries RPC calls for a
// single network.
type Queue struct {
	cfg     Config
	logger  zerolog.Logger
	limiter *rate.Limiter
	sem     chan struct{}
}

// New creates a Queue for one network.
func New(cfg Config, logger zerolog.Logger) *Queue {
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 1
	}
	return &Queue{
		cfg:     cfg,
		logger:  logger.With().Str("component", "rpcqueue").Str("network", cfg.Network).Logger(),
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), int(cfg.MaxRequestsPerSecond)+1),
		sem:     make(chan struct{}, cfg.MaxConcurrentRequests),
	}
}

// Do issues a single RPC call, enforcing rate limiting, concurrency
// bounding, a per-request timeout, and retry-with-backoff on transient
// errors. fn is invoked with a context bounded by RequestTimeout.
func Do[T any](ctx context.Context, q *Queue, method string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if err := q.limiter.Wait(ctx); err != nil {
		return zero, fmt.Errorf("rpcqueue: rate limiter: %w", err)
	}

	select {
	case q.sem <- struct{}{}:
		defer func() { <-q.sem }()
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	inFlight.WithLabelValues(q.cfg.Network).Inc()
	defer inFlight.WithLabelValues(q.cfg.Network).Dec()

	requestsTotal.WithLabelValues(q.cfg.Network, method).Inc()
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(q.cfg.Network, method).Observe(time.Since(start).Seconds())
	}()

	backoff := q.cfg.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= q.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			retriesTotal.WithLabelValues(q.cfg.Network, method).Inc()
			q.logger.Debug().
				Str("method", method).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("retrying rpc call")

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
			backoff *= 2
			if backoff > q.cfg.MaxBackoff {
				backoff = q.cfg.MaxBackoff
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, q.cfg.RequestTimeout)
		result, err := fn(callCtx)
		cancel()

		if err == nil {
			return result, nil
		}

		kind := classify(err)
		lastErr = &Error{Kind: kind, Method: method, Attempt: attempt, Err: err}

		switch kind {
		case KindTransient, KindTooManyResults:
			// retried below (too-many-results callers bisect and re-call Do
			// themselves; a bare retry here still makes forward progress if
			// the node's limit is intermittent).
			continue
		default:
			errorsTotal.WithLabelValues(q.cfg.Network, kind.String()).Inc()
			return zero, lastErr
		}
	}

	errorsTotal.WithLabelValues(q.cfg.Network, "exhausted").Inc()
	return zero, fmt.Errorf("rpcqueue: exhausted %d retries for %s: %w", q.cfg.MaxRetries, method, lastErr)
}
