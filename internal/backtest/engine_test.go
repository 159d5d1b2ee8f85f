package backtest

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pmgateway/gateway/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testTriple() types.MarketTriple {
	return types.MarketTriple{Venue: "polymarket", MarketID: "m1", Outcome: "yes"}
}

// buySellStrategy buys a fixed size on its first evaluation and sells once
// the most recent price reaches sellAt.
type buySellStrategy struct {
	cfg    types.StrategyConfig
	triple types.MarketTriple
	size   decimal.Decimal
	sellAt decimal.Decimal
	bought bool
	sold   bool
}

func (s *buySellStrategy) Config() types.StrategyConfig { return s.cfg }

func (s *buySellStrategy) Evaluate(ctx context.Context, sctx types.StrategyContext) ([]types.Signal, error) {
	hist := sctx.PriceHistory[s.triple]
	if len(hist) == 0 {
		return nil, nil
	}
	last := hist[len(hist)-1]

	if !s.bought {
		s.bought = true
		size := s.size
		return []types.Signal{{Type: types.SignalBuy, Triple: s.triple, Size: &size}}, nil
	}
	if !s.sold && last.GreaterThanOrEqual(s.sellAt) {
		s.sold = true
		size := s.size
		return []types.Signal{{Type: types.SignalSell, Triple: s.triple, Size: &size}}, nil
	}
	return nil, nil
}

func ticksFromPrices(prices []float64, start time.Time, step time.Duration, triple types.MarketTriple) []Tick {
	ticks := make([]Tick, len(prices))
	for i, p := range prices {
		ticks[i] = Tick{Time: start.Add(time.Duration(i) * step), Triple: triple, Price: decimal.NewFromFloat(p)}
	}
	return ticks
}

func TestRunBuyThenSellLinksRealizedPnL(t *testing.T) {
	t.Parallel()
	triple := testTriple()
	strat := &buySellStrategy{
		cfg:    types.StrategyConfig{ID: "s1", Name: "buy-sell"},
		triple: triple,
		size:   decimal.NewFromInt(100),
		sellAt: decimal.NewFromFloat(0.59),
	}
	cfg := Config{InitialCapital: decimal.NewFromInt(10000), CommissionPct: decimal.Zero, SlippagePct: decimal.Zero}
	engine, err := New(strat, cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	ticks := ticksFromPrices([]float64{0.50, 0.55, 0.60, 0.55, 0.50}, time.Unix(0, 0), 5*time.Second, triple)
	result, err := engine.Run(context.Background(), ticks)
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}

	if result.Metrics.TotalTrades != 2 {
		t.Fatalf("TotalTrades = %d, want 2", result.Metrics.TotalTrades)
	}
	if result.Metrics.WinRate != 100 {
		t.Errorf("WinRate = %v, want 100", result.Metrics.WinRate)
	}
	if len(result.Trades) != 2 {
		t.Fatalf("len(Trades) = %d, want 2", len(result.Trades))
	}

	entry := result.Trades[0]
	if entry.RealizedPnL == nil || !entry.RealizedPnL.Equal(decimal.NewFromInt(10)) {
		t.Errorf("entry.RealizedPnL = %v, want 10", entry.RealizedPnL)
	}
	if entry.ExitTradeID == nil || *entry.ExitTradeID != result.Trades[1].ID {
		t.Error("entry.ExitTradeID should reference the sell trade")
	}

	wantCash := decimal.NewFromInt(10000).Sub(decimal.NewFromFloat(50)).Add(decimal.NewFromFloat(60))
	if !result.Metrics.FinalEquity.Equal(wantCash) {
		t.Errorf("FinalEquity = %v, want %v", result.Metrics.FinalEquity, wantCash)
	}
}

// TestRunMeanReversionBuyAndHold reproduces spec scenario 1: a strategy that
// commits roughly 90% of capital to a single buy-and-hold position as soon as
// it has none, across a steadily rising tick sequence.
func TestRunMeanReversionBuyAndHold(t *testing.T) {
	t.Parallel()
	triple := testTriple()
	strat := &buySellStrategy{
		cfg:    types.StrategyConfig{ID: "s1", Name: "buy-and-hold"},
		triple: triple,
		size:   decimal.NewFromInt(1800), // ~90% of capital at the entry price of 0.50
		sellAt: decimal.NewFromFloat(999), // never reached: this strategy never sells
	}
	cfg := Config{InitialCapital: decimal.NewFromInt(10000), CommissionPct: decimal.Zero, SlippagePct: decimal.Zero}
	engine, err := New(strat, cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	prices := make([]float64, 10)
	for i := range prices {
		prices[i] = 0.50 + float64(i)*0.01
	}
	ticks := ticksFromPrices(prices, time.Unix(0, 0), 5*time.Second, triple)
	result, err := engine.Run(context.Background(), ticks)
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}

	if result.Metrics.TotalTrades != 1 {
		t.Fatalf("TotalTrades = %d, want 1", result.Metrics.TotalTrades)
	}
	trade := result.Trades[0]
	if trade.Side != types.Buy {
		t.Errorf("trade.Side = %v, want buy", trade.Side)
	}
	if trade.Status != types.TradeStatusFilled {
		t.Errorf("trade.Status = %v, want filled", trade.Status)
	}

	wantEquity := decimal.NewFromInt(10000).Add(
		decimal.NewFromInt(1800).Mul(decimal.NewFromFloat(0.59).Sub(decimal.NewFromFloat(0.50))),
	)
	if !result.Metrics.FinalEquity.Equal(wantEquity) {
		t.Errorf("FinalEquity = %v, want %v (~10162)", result.Metrics.FinalEquity, wantEquity)
	}
}

func TestRunAppliesCommissionAndSlippage(t *testing.T) {
	t.Parallel()
	triple := testTriple()
	size := decimal.NewFromInt(100)
	strat := &buySellStrategy{
		cfg:    types.StrategyConfig{ID: "s1", Name: "buy-only"},
		triple: triple,
		size:   size,
		sellAt: decimal.NewFromFloat(999), // never reached: only the buy fires
	}
	cfg := Config{
		InitialCapital: decimal.NewFromInt(10000),
		CommissionPct:  decimal.NewFromFloat(0.01),
		SlippagePct:    decimal.NewFromFloat(0.005),
	}
	engine, err := New(strat, cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	ticks := ticksFromPrices([]float64{0.50}, time.Unix(0, 0), time.Second, triple)
	result, err := engine.Run(context.Background(), ticks)
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if len(result.Trades) != 1 {
		t.Fatalf("len(Trades) = %d, want 1", len(result.Trades))
	}

	trade := result.Trades[0]
	wantFillPrice := decimal.NewFromFloat(0.50).Mul(decimal.NewFromFloat(1.005))
	if !trade.Price.Equal(wantFillPrice) {
		t.Errorf("fill price = %v, want %v", trade.Price, wantFillPrice)
	}
	wantCommission := wantFillPrice.Mul(size).Mul(decimal.NewFromFloat(0.01))
	if !trade.Fees.Equal(wantCommission) {
		t.Errorf("fees = %v, want %v", trade.Fees, wantCommission)
	}
}

func TestRunRejectsBuyThatWouldOverdrawCash(t *testing.T) {
	t.Parallel()
	triple := testTriple()
	strat := &buySellStrategy{
		cfg:    types.StrategyConfig{ID: "s1", Name: "too-big"},
		triple: triple,
		size:   decimal.NewFromInt(1_000_000),
		sellAt: decimal.NewFromFloat(999),
	}
	cfg := Config{InitialCapital: decimal.NewFromInt(100), CommissionPct: decimal.Zero, SlippagePct: decimal.Zero}
	engine, err := New(strat, cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	ticks := ticksFromPrices([]float64{0.50}, time.Unix(0, 0), time.Second, triple)
	result, err := engine.Run(context.Background(), ticks)
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if result.Metrics.TotalTrades != 0 {
		t.Errorf("TotalTrades = %d, want 0 (buy should be rejected for insufficient funds)", result.Metrics.TotalTrades)
	}
	if !result.Metrics.FinalEquity.Equal(decimal.NewFromInt(100)) {
		t.Errorf("FinalEquity = %v, want 100 (cash unchanged)", result.Metrics.FinalEquity)
	}
}

func TestRunEmptyTicksReturnsInitialState(t *testing.T) {
	t.Parallel()
	strat := &buySellStrategy{cfg: types.StrategyConfig{ID: "s1"}, triple: testTriple()}
	cfg := Config{InitialCapital: decimal.NewFromInt(500)}
	engine, err := New(strat, cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	result, err := engine.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if result.Metrics.TotalTrades != 0 {
		t.Errorf("TotalTrades = %d, want 0", result.Metrics.TotalTrades)
	}
	if !result.Metrics.FinalEquity.Equal(decimal.NewFromInt(500)) {
		t.Errorf("FinalEquity = %v, want 500", result.Metrics.FinalEquity)
	}
	if len(result.Metrics.EquityCurve) != 0 {
		t.Errorf("EquityCurve = %v, want empty", result.Metrics.EquityCurve)
	}
}

func TestOrderbookAtFindsNearestPrecedingSnapshotWithinWindow(t *testing.T) {
	t.Parallel()
	triple := testTriple()
	strat := &buySellStrategy{cfg: types.StrategyConfig{ID: "s1"}, triple: triple}
	engine, err := New(strat, Config{InitialCapital: decimal.NewFromInt(1000)}, nil, testLogger())
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	base := time.Unix(1_700_000_000, 0)
	engine.LoadOrderbooks([]types.OrderbookSnapshot{
		{Triple: triple, Timestamp: base},
		{Triple: triple, Timestamp: base.Add(30 * time.Second)},
		{Triple: triple, Timestamp: base.Add(90 * time.Second)},
	})

	snap, ok := engine.orderbookAt(triple, base.Add(40*time.Second))
	if !ok {
		t.Fatal("orderbookAt() = not found, want found")
	}
	if !snap.Timestamp.Equal(base.Add(30 * time.Second)) {
		t.Errorf("Timestamp = %v, want %v", snap.Timestamp, base.Add(30*time.Second))
	}

	if _, ok := engine.orderbookAt(triple, base.Add(200*time.Second)); ok {
		t.Error("orderbookAt() should reject a match older than 60s")
	}
	if _, ok := engine.orderbookAt(triple, base.Add(-time.Second)); ok {
		t.Error("orderbookAt() should not match a snapshot after `at`")
	}
}

func TestMonteCarloPercentileOrderingAndProbability(t *testing.T) {
	t.Parallel()
	result := Result{
		Metrics: Metrics{
			DailyReturns: []float64{0.02, -0.01, 0.03, -0.005, 0.01},
			EquityCurve:  []EquityPoint{{Value: decimal.NewFromInt(10000)}},
			FinalEquity:  decimal.NewFromInt(10000),
		},
	}

	mc := MonteCarlo(result, 100, 42)

	if mc.P5.GreaterThan(mc.P25) || mc.P25.GreaterThan(mc.P50) || mc.P50.GreaterThan(mc.P75) || mc.P75.GreaterThan(mc.P95) {
		t.Errorf("percentiles not ordered: p5=%v p25=%v p50=%v p75=%v p95=%v", mc.P5, mc.P25, mc.P50, mc.P75, mc.P95)
	}
	if mc.ProbabilityOfProfit <= 0.5 {
		t.Errorf("ProbabilityOfProfit = %v, want > 0.5 for a positive-drift return series", mc.ProbabilityOfProfit)
	}
}

func TestMonteCarloEmptyReturnsYieldsZeroValue(t *testing.T) {
	t.Parallel()
	mc := MonteCarlo(Result{}, 100, 1)
	if mc.ExpectedValue.IsZero() == false || mc.ProbabilityOfProfit != 0 {
		t.Errorf("MonteCarlo() with no daily returns = %+v, want zero value", mc)
	}
}
