// Kraken Grid Bot — an automated grid trading bot for a single Kraken
// spot pair, with four strategy variants (GridHODL, GridSell, SWING, cDCA).
//
// Architecture:
//
//	main.go              — entry point: loads config, runs a subcommand
//	engine/engine.go     — orchestrator: wires stream → bus → strategy, watchdog, teardown
//	strategy/grid.go     — the grid core: buy ladder, counter-sells, shift-up, salvage
//	strategy/policy.go   — the four variants as policies over the grid core
//	exchange/client.go   — Kraken REST client (orders, balances, pair metadata)
//	exchange/auth.go     — API-Sign request signing
//	exchange/ws.go       — WebSocket v2 stream (ticker + own executions) with auto-reconnect
//	store/store.go       — SQLite persistence: orderbook mirror, pending/unsold sets, grid state
//	bus/bus.go           — synchronous in-process event bus
//	state/machine.go     — lifecycle state machine with one-shot shutdown signal
//	notify/notify.go     — operator notifications (log always, Telegram when configured)
//
// How it trades:
//
//	The bot keeps a ladder of limit buy orders spaced a fixed percentage
//	interval below the current price. When a buy fills, it places a sell one
//	interval above the buy price (except cDCA, which only accumulates). When
//	the price runs away upward, the ladder is cancelled and rebuilt closer
//	to the market. Profit per cycle is the interval minus fees.
//
// Subcommands:
//
//	run              — run the bot (default)
//	cancel --force   — cancel ALL open orders on the account and exit
package main

import (
	"context"
	"log/slog"
	"os"

	"kraken-gridbot/internal/config"
	"kraken-gridbot/internal/engine"
)

func main() {
	args := os.Args[1:]
	command := "run"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		command = args[0]
		args = args[1:]
	}

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("GRID_CONFIG"); p != "" {
		cfgPath = p
	}
	force := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--force":
			force = true
		case "--config", "-config":
			if i+1 < len(args) {
				i++
				cfgPath = args[i]
			}
		}
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

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	switch command {
	case "run":
		if cfg.DryRun {
			logger.Warn("DRY-RUN MODE — no real orders will be placed")
		}
		logger.Info("kraken grid bot starting",
			"name", cfg.Name,
			"strategy", cfg.Trading.Strategy,
			"pair", cfg.Trading.BaseCurrency+"/"+cfg.Trading.QuoteCurrency,
			"userref", cfg.Userref,
			"dry_run", cfg.DryRun,
		)
		if err := eng.Run(context.Background()); err != nil {
			logger.Error("bot terminated", "error", err)
			os.Exit(1)
		}

	case "cancel":
		// Cancels every open order on the account, not just this bot's.
		if !force {
			logger.Error("cancel removes ALL open orders on the account; re-run with --force")
			os.Exit(1)
		}
		if err := eng.CancelAllOrders(context.Background()); err != nil {
			logger.Error("cancel failed", "error", err)
			os.Exit(1)
		}

	default:
		logger.Error("unknown command", "command", command)
		os.Exit(1)
	}
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
