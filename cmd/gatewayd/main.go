// Command gatewayd is the trading gateway's long-running daemon: it loads
// config, wires the shared collaborators (store, risk gate, event bus,
// venue adapter), registers the configured strategies with the Scheduler,
// starts the operator dashboard, and runs until SIGINT/SIGTERM.
//
// Architecture (generalized from the teacher's single-file cmd/bot/main.go,
// which wired one hard-coded engine.Engine driving strategy.Maker against
// internal/exchange directly):
//
//	internal/config          — YAML + env config (unchanged from the teacher)
//	internal/store           — sqlite-backed trade ledger (internal/store.Store)
//	internal/risk            — RiskGate: per-signal sizing + portfolio monitor
//	internal/eventbus         — shared pub/sub fan-out for dashboard + ingestion
//	internal/venue/sim        — in-memory venue for dry-run/demo operation
//	internal/venue/polymarket — live CLOB adapter (wired by an operator once
//	                            wallet/API credentials are configured; left
//	                            out of this default bootstrap since its SDK
//	                            client construction is credential-specific)
//	internal/scheduler        — Bot Manager: registers and runs strategies
//	internal/strategy         — the concrete types.Strategy implementations
//	internal/api              — operator HTTP/WebSocket dashboard
//
// internal/whale, internal/copytrader, and internal/swarm are fully built
// and tested but not wired into this default bootstrap: the first two need
// a live internal/venue/polymarket.WhaleStream/PositionFetcher to track or
// copy against, and the swarm executor needs operator-supplied Solana
// wallet keys (internal/venue/solana.WalletKeys) — both require
// credentials this binary has no business fabricating. Wire them the same
// way registerDefaultStrategies wires the demo maker once those
// collaborators are configured.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/pmgateway/gateway/internal/api"
	"github.com/pmgateway/gateway/internal/config"
	"github.com/pmgateway/gateway/internal/eventbus"
	"github.com/pmgateway/gateway/internal/risk"
	"github.com/pmgateway/gateway/internal/scheduler"
	"github.com/pmgateway/gateway/internal/store"
	"github.com/pmgateway/gateway/internal/strategy"
	"github.com/pmgateway/gateway/internal/venue/sim"
	"github.com/pmgateway/gateway/pkg/types"
)

func main() {
	cfgPath := "configs/gateway.yaml"
	if p := os.Getenv("GATEWAY_CONFIG"); p != "" {
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

	logger := newLogger(*cfg)

	events := eventbus.New(logger)

	tradeStore, err := store.Open(cfg.Store.DataDir, cfg.Store.DBFile, events)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	riskGate := risk.NewGate(cfg.Risk, logger)

	// The simulated venue stands in for a live exchange in dry-run/demo
	// operation; a live Polymarket (or other) venue is wired the same way
	// via internal/venue/polymarket.NewVenue once wallet/API credentials
	// are available to bootstrap the SDK's clob/ws/data clients.
	venue := sim.New(sim.Config{})

	sched := scheduler.New(tradeStore, riskGate, venue, venue, venue, events, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go riskGate.Run(ctx)
	go consumeKillSwitch(ctx, riskGate, sched, logger)

	registerDefaultStrategies(ctx, sched, venue, logger)

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(*cfg, sched, riskGate, tradeStore, events, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("gateway started",
		"max_markets", cfg.Risk.MaxMarketsActive,
		"max_exposure", cfg.Risk.MaxGlobalExposure,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	cancel()
}

// registerDefaultStrategies wires the demo market-making strategy shipped
// with this gateway. Additional strategies (copy-trading, swarm execution)
// are registered the same way once their venue-specific collaborators
// (whale trade stream, Solana tx builder) are configured.
func registerDefaultStrategies(ctx context.Context, sched *scheduler.Scheduler, venue *sim.Venue, logger *slog.Logger) {
	maxPos := decimal.NewFromInt(500)
	cfg := types.StrategyConfig{
		ID:              "maker-demo",
		Name:            "avellaneda-stoikov maker",
		Description:     "Quotes both sides of a single market using inventory-skewed Avellaneda-Stoikov pricing.",
		Venues:          []string{"sim"},
		IntervalMs:      2000,
		MaxPositionSize: &maxPos,
		Enabled:         true,
		DryRun:          true,
	}

	triples := []types.MarketTriple{
		{Venue: "sim", MarketID: "demo-market-1", Outcome: "yes"},
	}
	venue.SetPrice("demo-market-1", decimal.NewFromFloat(0.5))

	maker := strategy.NewMaker(cfg, strategy.MakerConfig{}, triples, venue, logger)

	if err := sched.RegisterStrategy(ctx, maker); err != nil {
		logger.Error("failed to register demo strategy", "error", err)
		return
	}
	if err := sched.StartBot(cfg.ID); err != nil {
		logger.Error("failed to start demo strategy", "error", err)
	}
}

// consumeKillSwitch stops every registered bot when the RiskGate trips the
// global kill switch, mirroring the teacher's engine-level reaction to its
// risk manager's kill channel.
func consumeKillSwitch(ctx context.Context, riskGate *risk.Gate, sched *scheduler.Scheduler, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-riskGate.KillCh():
			logger.Error("kill switch engaged", "reason", sig.Reason)
			for _, status := range sched.AllStatuses() {
				if sig.Triple != nil {
					continue // per-market kills are left for the strategy itself to react to
				}
				if err := sched.StopBot(status.ID); err != nil {
					logger.Error("failed to stop bot after kill switch", "bot", status.ID, "error", err)
				}
			}
		}
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
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
