// hedgerd — a cross-venue hedging engine for binary prediction markets.
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts engine + API, waits for SIGINT/SIGTERM
//	engine/engine.go        — orchestrator: wires adapters → reconcilers → controllers → hedger
//	strategy/controller.go  — per-pair entry loop: rests primary limit orders on wide net spreads
//	hedge/hedger.go         — at-most-once hedging of primary fills on the secondary venue
//	reconcile/reconciler.go — merges websocket and poll fill sources into one deduplicated stream
//	order/manager.go        — order state machine, persistence, timeout sweeps
//	exchange/               — venue adapters (Polymarket CLOB, Opinion) plus a dry-run wrapper
//	risk/manager.go         — exposure caps, loss limits, cooldowns, pair kill switches
//	store/store.go          — SQLite/Postgres persistence: orders, fills, trades, watermarks
//	api/server.go           — read-only HTTP surface: /status, /health, /simulate, /ws
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"hedgerd/internal/api"
	"hedgerd/internal/config"
	"hedgerd/internal/engine"
	"hedgerd/internal/store"
)

// Exit codes. Anything operational (venue outages, hedge failures) is
// handled inside the engine and never terminates the process.
const (
	exitOK       = 0
	exitConfig   = 2
	exitDatabase = 3
	exitAccounts = 4
	exitPairs    = 5
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()
	if p := os.Getenv("HEDGERD_CONFIG"); p != "" && !flagPassed("config") {
		*cfgPath = p
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return exitConfig
	}

	logger := newLogger(cfg.Logging)

	if len(cfg.Accounts) == 0 {
		logger.Error("no accounts configured")
		return exitAccounts
	}
	for _, venue := range []string{cfg.Exchanges.Primary, cfg.Exchanges.Secondary} {
		if !hasAccountFor(cfg, venue) {
			logger.Error("no account configured for routed venue", "venue", venue)
			return exitAccounts
		}
	}
	if len(cfg.EnabledPairs()) == 0 {
		logger.Error("no enabled market pairs configured")
		return exitPairs
	}

	ctx := context.Background()
	st, err := store.Open(cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return exitDatabase
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		logger.Error("database unreachable", "error", err, "backend", st.Backend())
		return exitDatabase
	}
	if err := st.Migrate(ctx); err != nil {
		logger.Error("database migration failed", "error", err)
		return exitDatabase
	}

	eng, err := engine.New(cfg, st, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		return exitConfig
	}
	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		return exitConfig
	}

	apiServer := api.NewServer(cfg.API.ListenAddr, eng, st,
		eng.Healthcheck(), eng.Simulator(), eng.Hub(), logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("hedgerd started",
		"pairs", len(cfg.EnabledPairs()),
		"accounts", len(cfg.Accounts),
		"api", cfg.API.ListenAddr,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	eng.Stop()

	return exitOK
}

func hasAccountFor(cfg *config.Config, venue string) bool {
	for _, a := range cfg.Accounts {
		if a.Venue == venue {
			return true
		}
	}
	return false
}

func flagPassed(name string) bool {
	passed := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			passed = true
		}
	})
	return passed
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
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
