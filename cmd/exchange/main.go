// Options Exchange Simulator — a standalone exchange for options trading
// games: teams submit orders over REST, trade against each other under
// per-role risk constraints, and watch fills on a WebSocket feed.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine + API, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires the validator → matcher → publisher → tracker pipeline
//	exchange/venue.go    — instrument registry, per-instrument books, phase-routed intake, trade tape
//	matching/continuous  — price-time priority matching for the continuous session
//	matching/auction.go  — uniform-price opening auction with fair marginal allocation
//	market/book.go       — btree-backed price levels with FIFO order queues
//	market/phase.go      — trading calendar: closed → pre-open → auction → continuous
//	risk/validator.go    — per-role constraints: position limits, instrument access, order rate
//	fees/fees.go         — maker/taker fee schedules by role
//	coordinator/         — pending-request registry bridging blocking HTTP calls to the async pipeline
//	api/server.go        — REST + WebSocket transport with HMAC request authentication
//	pkg/client           — team-facing SDK: signed REST calls and the reconnecting feed
//
// How a trading game runs:
//
//	The operator lists option contracts and assigns each team a role
//	(market maker, hedge fund, retail) with its own fee schedule and
//	constraints. During pre-open, orders park without matching; the
//	opening auction clears crossed interest at one uniform price; then
//	continuous trading matches by price-time priority until the close,
//	when every resting order is swept.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"optionsim/internal/api"
	"optionsim/internal/config"
	"optionsim/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("OPTX_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	apiServer := api.NewServer(*cfg, eng, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	logger.Info("options exchange started",
		"port", cfg.Server.Port,
		"instruments", len(cfg.Instruments),
		"teams", len(cfg.Teams),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Transport drains first so no submission arrives after the
	// pipeline starts closing.
	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
