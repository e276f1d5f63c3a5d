// Main indexing service: wires the engine to a configured network/contract
// set and runs it until signaled to stop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ponder-go/ponder/internal/ctfapp"
	"github.com/ponder-go/ponder/internal/engine"
	"github.com/ponder-go/ponder/pkg/config"
)

func main() {
	logger := initLogger()
	logger.Info().Msg("starting ponder")

	cfg, err := config.Load("config.toml")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	sc, err := ctfapp.Schema()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build schema")
	}

	logger.Info().
		Int("networks", len(cfg.Networks)).
		Int("contracts", len(cfg.Contracts)).
		Msg("loaded configuration")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, err := engine.New(ctx, cfg, sc, ctfapp.Registrations(), nil, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build engine")
	}

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.Options.MetricsAddress,
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info().Str("address", metricsServer.Addr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	// Start health check server
	healthServer := &http.Server{
		Addr:    cfg.Options.HealthAddress,
		Handler: http.HandlerFunc(healthCheckHandler(e)),
	}
	go func() {
		logger.Info().Str("address", healthServer.Addr).Msg("starting health check server")
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health check server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() { errChan <- e.Run(ctx) }()

	exitCode := 0
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errChan:
		if err != nil && err != context.Canceled {
			_, _, reason := e.GetStatus()
			logger.Error().Err(err).Str("reason", reason).Msg("Received fatal error")
			exitCode = 1
		}
	}

	logger.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := e.Kill(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("engine shutdown error")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("health server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
	os.Exit(exitCode)
}

// healthCheckHandler returns a health check handler reporting the
// engine's cursor and whether its last batch/network poll succeeded.
func healthCheckHandler(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cursor, healthy, reason := e.GetStatus()
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "unhealthy\nreason: %s\n", reason)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "healthy\ncursor: %s\n", cursor)
	}
}

// initLogger builds a zerolog logger: pretty console output when stdout
// is a terminal, JSON otherwise.
func initLogger() zerolog.Logger {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if isTerminal() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().
			Timestamp().
			Caller().
			Logger()
	}
	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", "ponder").
		Logger()
}

func isTerminal() bool {
	fileInfo, _ := os.Stdout.Stat()
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}
