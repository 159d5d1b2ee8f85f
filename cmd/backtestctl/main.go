// Command backtestctl replays a CSV tick file through the BacktestEngine
// (spec §4.4) against the same strategy.Maker used by cmd/gatewayd, and
// prints the resulting performance metrics. Grounded on the teacher's
// single-binary operational style (one cmd/ entry point, flag-configured,
// no subcommand framework) — the corpus shows no cobra/urfave-cli usage in
// the teacher's own go.mod, so this CLI stays on the standard library's
// flag package rather than introducing one.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pmgateway/gateway/internal/backtest"
	"github.com/pmgateway/gateway/internal/strategy"
	"github.com/pmgateway/gateway/pkg/types"
)

func main() {
	tickFile := flag.String("ticks", "", "CSV file of ticks: time,venue,market_id,outcome,price (RFC3339 timestamps)")
	initialCapital := flag.Float64("capital", 10_000, "starting capital")
	commissionPct := flag.Float64("commission-pct", 0, "commission percentage per fill")
	slippagePct := flag.Float64("slippage-pct", 0.1, "slippage percentage per fill")
	evalIntervalMs := flag.Int64("eval-interval-ms", 0, "evaluate every N ms of tick time (0 = every tick)")
	logLevel := flag.String("log-level", "warn", "log level: debug, info, warn, error")
	flag.Parse()

	if *tickFile == "" {
		fmt.Fprintln(os.Stderr, "usage: backtestctl -ticks <file.csv> [flags]")
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(*logLevel)}))

	ticks, err := loadTicks(*tickFile)
	if err != nil {
		logger.Error("failed to load ticks", "error", err)
		os.Exit(1)
	}
	if len(ticks) == 0 {
		logger.Error("tick file contained no rows")
		os.Exit(1)
	}

	triples := uniqueTriples(ticks)

	maxPos := decimal.NewFromInt(500)
	stratCfg := types.StrategyConfig{
		ID:              "backtest-maker",
		Name:            "avellaneda-stoikov maker",
		Venues:          []string{ticks[0].Triple.Venue},
		IntervalMs:      1000,
		MaxPositionSize: &maxPos,
		Enabled:         true,
	}
	maker := strategy.NewMaker(stratCfg, strategy.MakerConfig{}, triples, nil, logger)

	cfg := backtest.Config{
		InitialCapital: decimal.NewFromFloat(*initialCapital),
		CommissionPct:  decimal.NewFromFloat(*commissionPct),
		SlippagePct:    decimal.NewFromFloat(*slippagePct),
		EvalIntervalMs: *evalIntervalMs,
	}

	engine, err := backtest.New(maker, cfg, nil, logger)
	if err != nil {
		logger.Error("failed to construct backtest engine", "error", err)
		os.Exit(1)
	}

	result, err := engine.Run(context.Background(), ticks)
	if err != nil {
		logger.Error("backtest run failed", "error", err)
		os.Exit(1)
	}

	printReport(result)
}

// loadTicks reads a CSV file with header "time,venue,market_id,outcome,price"
// and returns its rows sorted by time, the precondition backtest.Engine.Run
// requires (spec §4.4 step 1).
func loadTicks(path string) ([]backtest.Tick, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tick file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(rows) < 2 {
		return nil, nil
	}

	ticks := make([]backtest.Tick, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if len(row) < 5 {
			return nil, fmt.Errorf("row %d: expected 5 columns, got %d", i+2, len(row))
		}
		ts, err := time.Parse(time.RFC3339, row[0])
		if err != nil {
			return nil, fmt.Errorf("row %d: parse time: %w", i+2, err)
		}
		price, err := decimal.NewFromString(row[4])
		if err != nil {
			return nil, fmt.Errorf("row %d: parse price: %w", i+2, err)
		}
		ticks = append(ticks, backtest.Tick{
			Time: ts,
			Triple: types.MarketTriple{
				Venue:    row[1],
				MarketID: row[2],
				Outcome:  row[3],
			},
			Price: price,
		})
	}

	sort.Slice(ticks, func(i, j int) bool { return ticks[i].Time.Before(ticks[j].Time) })
	return ticks, nil
}

func uniqueTriples(ticks []backtest.Tick) []types.MarketTriple {
	seen := make(map[types.MarketTriple]bool)
	var out []types.MarketTriple
	for _, t := range ticks {
		if !seen[t.Triple] {
			seen[t.Triple] = true
			out = append(out, t.Triple)
		}
	}
	return out
}

func printReport(result backtest.Result) {
	m := result.Metrics
	fmt.Printf("Trades:          %d (win rate %.1f%%)\n", m.TotalTrades, m.WinRate*100)
	fmt.Printf("Final equity:    %s\n", m.FinalEquity.StringFixed(2))
	fmt.Printf("Total return:    %s (%.2f%%)\n", m.TotalReturn.StringFixed(2), m.TotalReturnPct)
	fmt.Printf("Max drawdown:    %s (%.2f%%)\n", m.MaxDrawdown.StringFixed(2), m.MaxDrawdownPct)
	fmt.Printf("Sharpe ratio:    %.3f\n", m.SharpeRatio)
	fmt.Printf("Profit factor:   %.3f\n", m.ProfitFactor)
	fmt.Printf("Average trade:   %s\n", m.AverageTrade.StringFixed(4))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
