// Package backtest implements the BacktestEngine (spec §4.4): it replays a
// historical tick sequence against a types.Strategy through the identical
// evaluate/signal loop the Scheduler drives live, producing the same Trade
// shape via a TradeLogger plus equity-curve analytics.
//
// Grounded on the s2ungeda-cexoms backtest engine (other_examples): the
// portfolio/order/trade-record shape and the tick-driven main loop are
// adapted from there into the teacher's idiom (decimal arithmetic, slog
// logging, TradeLogger reuse). Where the reference engine recomputes its own
// win-rate/profit-factor bookkeeping inline, this engine instead delegates
// that to internal/store.Store.GetStats once the run completes, per spec §9
// "shared vs isolated TradeLogger": the TradeLogger is the single source of
// truth for trade-derived statistics in both live and replay.
package backtest

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pmgateway/gateway/internal/gatewayerr"
	"github.com/pmgateway/gateway/internal/ringbuffer"
	"github.com/pmgateway/gateway/internal/store"
	"github.com/pmgateway/gateway/pkg/types"
)

// Tick is a single price observation fed to the engine in strictly
// increasing timestamp order.
type Tick struct {
	Time   time.Time
	Triple types.MarketTriple
	Price  decimal.Decimal
}

// Config is the BacktestConfig (spec §4.4).
type Config struct {
	InitialCapital   decimal.Decimal
	CommissionPct    decimal.Decimal
	SlippagePct      decimal.Decimal
	RiskFreeRate     float64
	EvalIntervalMs   int64 // 0 = evaluate on every tick
	PriceHistorySize int
	IncludeOrderbook bool
	Start            time.Time
	End              time.Time
}

type syntheticPosition struct {
	shares       decimal.Decimal
	avgCost      decimal.Decimal
	currentPrice decimal.Decimal
	entryTradeID string
}

// EquityPoint is one sample of the backtest's equity curve.
type EquityPoint struct {
	Time  time.Time
	Value decimal.Decimal
}

// Metrics is the BacktestEngine's output metrics (spec §4.4).
type Metrics struct {
	TotalTrades    int
	WinningTrades  int
	WinRate        float64
	FinalEquity    decimal.Decimal
	TotalReturn    decimal.Decimal
	TotalReturnPct float64
	MaxDrawdown    decimal.Decimal
	MaxDrawdownPct float64
	SharpeRatio    float64
	ProfitFactor   float64
	AverageTrade   decimal.Decimal
	DailyReturns   []float64
	EquityCurve    []EquityPoint
}

// Result is the full output of a Run.
type Result struct {
	Metrics Metrics
	Trades  []types.Trade
}

// Engine is the BacktestEngine.
type Engine struct {
	strategy types.Strategy
	cfg      Config
	trades   *store.Store
	logger   *slog.Logger

	cash         decimal.Decimal
	positions    map[types.MarketTriple]*syntheticPosition
	priceHistory map[types.MarketTriple]*ringbuffer.Buffer[decimal.Decimal]

	// orderbooks holds, per triple, snapshots sorted by Timestamp ascending
	// — the precondition for the binary search in orderbookAt.
	orderbooks map[types.MarketTriple][]types.OrderbookSnapshot

	lastEvalTime time.Time
	equityCurve  []EquityPoint
}

// LoadOrderbooks supplies the order book snapshot stream consulted when
// Config.IncludeOrderbook is set. Snapshots need not be pre-sorted; LoadOrderbooks
// sorts them per triple by Timestamp.
func (e *Engine) LoadOrderbooks(snapshots []types.OrderbookSnapshot) {
	for _, snap := range snapshots {
		e.orderbooks[snap.Triple] = append(e.orderbooks[snap.Triple], snap)
	}
	for triple := range e.orderbooks {
		list := e.orderbooks[triple]
		sort.Slice(list, func(i, j int) bool { return list[i].Timestamp.Before(list[j].Timestamp) })
		e.orderbooks[triple] = list
	}
}

// orderbookAt finds, via binary search, the latest snapshot for triple
// whose Timestamp is within [at-60s, at] (§4.4 step 4).
func (e *Engine) orderbookAt(triple types.MarketTriple, at time.Time) (types.OrderbookSnapshot, bool) {
	list := e.orderbooks[triple]
	if len(list) == 0 {
		return types.OrderbookSnapshot{}, false
	}
	// sort.Search finds the first index whose Timestamp is after `at`; the
	// candidate snapshot is the one immediately before it.
	idx := sort.Search(len(list), func(i int) bool { return list[i].Timestamp.After(at) })
	if idx == 0 {
		return types.OrderbookSnapshot{}, false
	}
	candidate := list[idx-1]
	if at.Sub(candidate.Timestamp) > 60*time.Second {
		return types.OrderbookSnapshot{}, false
	}
	return candidate, true
}

// New constructs a BacktestEngine. If trades is nil, an isolated in-memory
// TradeLogger is created (spec §9 "shared vs isolated TradeLogger");
// otherwise the supplied store is reused as-is, letting callers share one
// ledger between live and replay.
func New(strategy types.Strategy, cfg Config, trades *store.Store, logger *slog.Logger) (*Engine, error) {
	if trades == nil {
		var err error
		trades, err = store.OpenInMemory(nil)
		if err != nil {
			return nil, gatewayerr.New(gatewayerr.Storage, "backtest.New", err)
		}
	}
	if cfg.PriceHistorySize <= 0 {
		cfg.PriceHistorySize = 200
	}
	return &Engine{
		strategy:     strategy,
		cfg:          cfg,
		trades:       trades,
		logger:       logger.With("component", "backtest"),
		cash:         cfg.InitialCapital,
		positions:    make(map[types.MarketTriple]*syntheticPosition),
		priceHistory: make(map[types.MarketTriple]*ringbuffer.Buffer[decimal.Decimal]),
		orderbooks:   make(map[types.MarketTriple][]types.OrderbookSnapshot),
	}, nil
}

// Run replays ticks in strictly increasing timestamp order (§4.4 steps
// 1-6). Calling Run a second time on the same Engine continues from the
// current cash/position state rather than resetting it.
func (e *Engine) Run(ctx context.Context, ticks []Tick) (Result, error) {
	cfg := e.strategy.Config()

	if initializer, ok := e.strategy.(types.StrategyInitializer); ok {
		if err := initializer.Init(ctx); err != nil {
			return Result{}, gatewayerr.New(gatewayerr.StrategyError, "backtest.Run", err)
		}
	}
	if cleaner, ok := e.strategy.(types.StrategyCleaner); ok {
		defer func() {
			if err := cleaner.Cleanup(); err != nil {
				e.logger.Error("strategy cleanup failed", "error", err)
			}
		}()
	}

	if len(ticks) == 0 {
		return Result{Metrics: Metrics{FinalEquity: e.cfg.InitialCapital, EquityCurve: []EquityPoint{}}}, nil
	}

	for _, tick := range ticks {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		e.applyTick(tick)

		interval := time.Duration(e.cfg.EvalIntervalMs) * time.Millisecond
		shouldEval := e.cfg.EvalIntervalMs <= 0 || e.lastEvalTime.IsZero() || tick.Time.Sub(e.lastEvalTime) >= interval
		if shouldEval {
			e.lastEvalTime = tick.Time

			sctx := e.buildContext(tick)
			signals, err := e.strategy.Evaluate(ctx, sctx)
			if err != nil {
				return Result{}, gatewayerr.New(gatewayerr.StrategyError, "backtest.Run", err)
			}
			for _, sig := range signals {
				if sig.Type == types.SignalHold {
					continue
				}
				e.executeSignal(ctx, cfg, tick, sig)
			}
		}

		e.recordEquity(tick.Time)
	}

	return e.result(ctx, cfg)
}

// applyTick updates the rolling price history and the current price of any
// synthetic position on this triple (§4.4 steps 1-2).
func (e *Engine) applyTick(tick Tick) {
	buf, ok := e.priceHistory[tick.Triple]
	if !ok {
		buf = ringbuffer.New[decimal.Decimal](e.cfg.PriceHistorySize)
		e.priceHistory[tick.Triple] = buf
	}
	buf.Push(tick.Price)

	if pos, ok := e.positions[tick.Triple]; ok {
		pos.currentPrice = tick.Price
	}
}

func (e *Engine) buildContext(tick Tick) types.StrategyContext {
	positions := make(map[types.MarketTriple]types.Position, len(e.positions))
	priceHistory := make(map[types.MarketTriple][]decimal.Decimal, len(e.priceHistory))
	value := e.cash

	for triple, pos := range e.positions {
		positions[triple] = types.Position{
			Triple:       triple,
			Shares:       pos.shares,
			AvgPrice:     pos.avgCost,
			CurrentPrice: pos.currentPrice,
		}
		value = value.Add(pos.shares.Mul(pos.currentPrice))
	}
	for triple, buf := range e.priceHistory {
		priceHistory[triple] = buf.Newest(e.cfg.PriceHistorySize)
	}

	var orderbooks map[types.MarketTriple]types.OrderbookSnapshot
	if e.cfg.IncludeOrderbook {
		orderbooks = make(map[types.MarketTriple]types.OrderbookSnapshot)
		for triple := range e.orderbooks {
			if snap, ok := e.orderbookAt(triple, tick.Time); ok {
				orderbooks[triple] = snap
			}
		}
	}

	return types.StrategyContext{
		PortfolioValue: value,
		Balance:        e.cash,
		Positions:      positions,
		PriceHistory:   priceHistory,
		Orderbooks:     orderbooks,
		Timestamp:      tick.Time,
		IsBacktest:     true,
	}
}

// executeSignal simulates a fill with slippage and commission (§4.4 step 5).
// Buys that would overdraw cash are rejected (kind InsufficientFunds) and
// logged, never propagated as a fatal Run error.
func (e *Engine) executeSignal(ctx context.Context, cfg types.StrategyConfig, tick Tick, sig types.Signal) {
	size := decimal.Zero
	if sig.Size != nil {
		size = *sig.Size
	}
	if size.IsZero() || size.IsNegative() {
		return
	}

	sign := decimal.NewFromInt(1)
	side := types.Buy
	if sig.Type == types.SignalSell {
		sign = decimal.NewFromInt(-1)
		side = types.Sell
	}
	fillPrice := tick.Price.Mul(decimal.NewFromInt(1).Add(e.cfg.SlippagePct.Mul(sign)))
	notional := fillPrice.Mul(size)
	commission := notional.Mul(e.cfg.CommissionPct)

	if side == types.Buy {
		totalCost := notional.Add(commission)
		if totalCost.GreaterThan(e.cash) {
			e.logger.Warn("buy rejected: insufficient funds", "triple", sig.Triple, "required", totalCost, "available", e.cash)
			return
		}
	} else {
		pos, ok := e.positions[sig.Triple]
		if !ok || pos.shares.LessThanOrEqual(decimal.Zero) {
			e.logger.Warn("sell rejected: no open position", "triple", sig.Triple)
			return
		}
		if size.GreaterThan(pos.shares) {
			size = pos.shares
			notional = fillPrice.Mul(size)
			commission = notional.Mul(e.cfg.CommissionPct)
		}
	}

	tr, err := e.trades.LogTrade(ctx, store.TradeSpec{
		Venue:        sig.Triple.Venue,
		MarketID:     sig.Triple.MarketID,
		Outcome:      sig.Triple.Outcome,
		Side:         side,
		OrderKind:    types.OrderKindMarket,
		Price:        fillPrice,
		Size:         size,
		StrategyID:   cfg.ID,
		StrategyName: cfg.Name,
		Meta:         map[string]any{"backtest": true},
	})
	if err != nil {
		e.logger.Error("backtest trade log failed", "error", err)
		return
	}
	if _, err := e.trades.FillTrade(ctx, tr.ID, fillPrice, size, commission); err != nil {
		e.logger.Error("backtest trade fill failed", "error", err)
		return
	}

	if side == types.Buy {
		e.cash = e.cash.Sub(notional).Sub(commission)
		pos, ok := e.positions[sig.Triple]
		if !ok {
			e.positions[sig.Triple] = &syntheticPosition{shares: size, avgCost: fillPrice, currentPrice: tick.Price, entryTradeID: tr.ID}
			return
		}
		totalShares := pos.shares.Add(size)
		pos.avgCost = pos.avgCost.Mul(pos.shares).Add(fillPrice.Mul(size)).Div(totalShares)
		pos.shares = totalShares
		pos.currentPrice = tick.Price
		return
	}

	pos := e.positions[sig.Triple]
	costBasis := size.Mul(pos.avgCost)
	proceeds := notional.Sub(commission)
	realizedPnL := proceeds.Sub(costBasis)
	e.cash = e.cash.Add(proceeds)

	pos.shares = pos.shares.Sub(size)
	pos.currentPrice = tick.Price
	entryID := pos.entryTradeID
	if pos.shares.IsZero() {
		delete(e.positions, sig.Triple)
	}

	if entryID != "" {
		if err := e.trades.LinkTrades(ctx, entryID, tr.ID, realizedPnL); err != nil {
			e.logger.Error("backtest trade link failed", "error", err)
		}
	}
}

func (e *Engine) recordEquity(at time.Time) {
	value := e.cash
	for _, pos := range e.positions {
		value = value.Add(pos.shares.Mul(pos.currentPrice))
	}
	e.equityCurve = append(e.equityCurve, EquityPoint{Time: at, Value: value})
}

func (e *Engine) result(ctx context.Context, cfg types.StrategyConfig) (Result, error) {
	stats, err := e.trades.GetStats(ctx, store.TradeFilter{StrategyID: cfg.ID})
	if err != nil {
		return Result{}, gatewayerr.New(gatewayerr.Storage, "backtest.result", err)
	}
	rows, err := e.trades.GetTrades(ctx, store.TradeFilter{StrategyID: cfg.ID})
	if err != nil {
		return Result{}, gatewayerr.New(gatewayerr.Storage, "backtest.result", err)
	}
	trades := make([]types.Trade, len(rows))
	for i, r := range rows {
		trades[len(rows)-1-i] = r // GetTrades is newest-first; present oldest-first
	}

	finalEquity := e.cfg.InitialCapital
	if len(e.equityCurve) > 0 {
		finalEquity = e.equityCurve[len(e.equityCurve)-1].Value
	}

	totalReturn := finalEquity.Sub(e.cfg.InitialCapital)
	totalReturnPct := 0.0
	if !e.cfg.InitialCapital.IsZero() {
		totalReturnPct, _ = totalReturn.Div(e.cfg.InitialCapital).Float64()
	}

	maxDrawdown, maxDrawdownPct := drawdown(e.equityCurve)
	dailyReturns := dailyReturns(e.equityCurve)
	sharpe := sharpeRatio(dailyReturns, e.cfg.RiskFreeRate)

	avgTrade := decimal.Zero
	if stats.TotalTrades > 0 {
		avgTrade = stats.TotalPnL.Div(decimal.NewFromInt(int64(stats.TotalTrades)))
	}

	return Result{
		Metrics: Metrics{
			TotalTrades:    stats.TotalTrades,
			WinningTrades:  stats.Wins,
			WinRate:        stats.WinRate,
			FinalEquity:    finalEquity,
			TotalReturn:    totalReturn,
			TotalReturnPct: totalReturnPct,
			MaxDrawdown:    maxDrawdown,
			MaxDrawdownPct: maxDrawdownPct,
			SharpeRatio:    sharpe,
			ProfitFactor:   stats.ProfitFactor,
			AverageTrade:   avgTrade,
			DailyReturns:   dailyReturns,
			EquityCurve:    e.equityCurve,
		},
		Trades: trades,
	}, nil
}

// drawdown computes the running-peak max drawdown (§4.4 output metrics).
func drawdown(curve []EquityPoint) (decimal.Decimal, float64) {
	if len(curve) == 0 {
		return decimal.Zero, 0
	}
	peak := curve[0].Value
	maxDD := decimal.Zero
	maxDDPct := 0.0
	for _, pt := range curve {
		if pt.Value.GreaterThan(peak) {
			peak = pt.Value
		}
		dd := peak.Sub(pt.Value)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
			if !peak.IsZero() {
				maxDDPct, _ = dd.Div(peak).Float64()
			}
		}
	}
	return maxDD, maxDDPct
}

// dailyReturns buckets the equity curve by calendar day and returns the
// day-over-day fractional return series.
func dailyReturns(curve []EquityPoint) []float64 {
	if len(curve) == 0 {
		return nil
	}
	byDay := make(map[string]decimal.Decimal)
	var days []string
	for _, pt := range curve {
		day := pt.Time.UTC().Format("2006-01-02")
		if _, seen := byDay[day]; !seen {
			days = append(days, day)
		}
		byDay[day] = pt.Value // last sample of the day wins
	}
	sort.Strings(days)

	out := make([]float64, 0, len(days))
	for i := 1; i < len(days); i++ {
		prev := byDay[days[i-1]]
		curr := byDay[days[i]]
		if prev.IsZero() {
			continue
		}
		r, _ := curr.Sub(prev).Div(prev).Float64()
		out = append(out, r)
	}
	return out
}

// sharpeRatio annualises the daily-return series by √252, subtracting the
// daily risk-free rate (§4.4 output metrics).
func sharpeRatio(daily []float64, riskFreeRate float64) float64 {
	n := len(daily)
	if n < 2 {
		return 0
	}
	dailyRF := riskFreeRate / 252

	mean := 0.0
	for _, r := range daily {
		mean += r - dailyRF
	}
	mean /= float64(n)

	variance := 0.0
	for _, r := range daily {
		diff := (r - dailyRF) - mean
		variance += diff * diff
	}
	variance /= float64(n)

	stddev := math.Sqrt(variance)
	if stddev == 0 {
		return 0
	}
	return mean / stddev * math.Sqrt(252)
}
