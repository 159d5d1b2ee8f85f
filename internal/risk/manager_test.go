package risk

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pmgateway/gateway/internal/config"
	"github.com/pmgateway/gateway/pkg/types"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxGlobalExposure: 500,
		MaxMarketsActive:  5,
		CooldownAfterKill: 5 * time.Minute,
	}
}

func newTestGate() *Gate {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewGate(testRiskConfig(), logger)
}

func triple(marketID string) types.MarketTriple {
	return types.MarketTriple{Venue: "polymarket", MarketID: marketID, Outcome: "yes"}
}

func TestProcessReportUnderLimits(t *testing.T) {
	t.Parallel()
	g := newTestGate()

	g.processReport(PositionReport{Triple: triple("m1"), ExposureUSD: decimal.NewFromInt(50), Timestamp: time.Now()})

	if g.killSwitchActive {
		t.Error("kill switch should not fire for report under limits")
	}
	select {
	case sig := <-g.killCh:
		t.Errorf("unexpected kill signal: %+v", sig)
	default:
	}
}

func TestProcessReportGlobalExposureBreach(t *testing.T) {
	t.Parallel()
	g := newTestGate()

	for i, id := range []string{"m1", "m2", "m3", "m4", "m5", "m6"} {
		_ = i
		g.processReport(PositionReport{Triple: triple(id), ExposureUSD: decimal.NewFromInt(90), Timestamp: time.Now()})
	}
	// total = 540 > 500
	if !g.killSwitchActive {
		t.Error("kill switch should fire for global exposure breach")
	}
	select {
	case <-g.killCh:
	default:
		t.Error("expected a kill signal on the channel")
	}
}

func TestProcessReportMaxMarketsActiveBreach(t *testing.T) {
	t.Parallel()
	g := newTestGate()

	for _, id := range []string{"m1", "m2", "m3", "m4", "m5", "m6"} {
		g.processReport(PositionReport{Triple: triple(id), ExposureUSD: decimal.NewFromInt(1), Timestamp: time.Now()})
	}
	if !g.killSwitchActive {
		t.Error("kill switch should fire once active markets exceed the configured cap")
	}
}

func TestIsKillSwitchCooldownExpires(t *testing.T) {
	t.Parallel()
	g := newTestGate()
	g.cfg.CooldownAfterKill = 100 * time.Millisecond

	g.processReport(PositionReport{Triple: triple("m1"), ExposureUSD: decimal.NewFromInt(600), Timestamp: time.Now()})
	if !g.IsKillSwitchActive() {
		t.Fatal("kill switch should be active immediately after breach")
	}

	time.Sleep(150 * time.Millisecond)
	if g.IsKillSwitchActive() {
		t.Error("kill switch should expire after cooldown")
	}
}

func TestRemoveMarketRecomputesTotalExposure(t *testing.T) {
	t.Parallel()
	g := newTestGate()

	g.processReport(PositionReport{Triple: triple("m1"), ExposureUSD: decimal.NewFromInt(60), Timestamp: time.Now()})
	g.processReport(PositionReport{Triple: triple("m2"), ExposureUSD: decimal.NewFromInt(70), Timestamp: time.Now()})

	if !g.totalExposure.Equal(decimal.NewFromInt(130)) {
		t.Fatalf("totalExposure = %v, want 130", g.totalExposure)
	}

	g.RemoveMarket(triple("m2"))

	if !g.totalExposure.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("totalExposure after remove = %v, want 60", g.totalExposure)
	}
}

func strategyConfig(maxPos, maxExp *decimal.Decimal) types.StrategyConfig {
	return types.StrategyConfig{ID: "s1", Name: "test", MaxPositionSize: maxPos, MaxExposure: maxExp}
}

func decPtr(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func TestEvaluateClampsOversizedSignal(t *testing.T) {
	t.Parallel()
	g := newTestGate()

	cfg := strategyConfig(decPtr("50"), nil)
	sctx := types.StrategyContext{PortfolioValue: decimal.NewFromInt(1000)}
	signal := types.Signal{Type: types.SignalBuy, Size: decPtr("100"), Price: decPtr("0.5")}

	dec := g.Evaluate(cfg, sctx, signal, nil)
	if !dec.Allowed {
		t.Fatalf("Evaluate() not allowed, reason=%q", dec.Reason)
	}
	if !dec.Clamped {
		t.Error("expected Clamped = true")
	}
	if !dec.Signal.Size.Equal(decimal.NewFromInt(50)) {
		t.Errorf("clamped size = %v, want 50", dec.Signal.Size)
	}
	if dec.Signal.Reason != "clamped" {
		t.Errorf("Signal.Reason = %q, want %q", dec.Signal.Reason, "clamped")
	}
}

func TestEvaluateResolvesSizePctAgainstPortfolioValue(t *testing.T) {
	t.Parallel()
	g := newTestGate()

	cfg := strategyConfig(nil, nil)
	sctx := types.StrategyContext{PortfolioValue: decimal.NewFromInt(1000)}
	pct := 0.1
	signal := types.Signal{Type: types.SignalBuy, SizePct: &pct, Price: decPtr("0.5")}

	dec := g.Evaluate(cfg, sctx, signal, nil)
	if !dec.Allowed {
		t.Fatalf("Evaluate() not allowed, reason=%q", dec.Reason)
	}
	if !dec.Signal.Size.Equal(decimal.NewFromInt(100)) {
		t.Errorf("resolved size = %v, want 100", dec.Signal.Size)
	}
}

func TestEvaluateSkipsWhenNoPortfolioValue(t *testing.T) {
	t.Parallel()
	g := newTestGate()

	cfg := strategyConfig(nil, nil)
	sctx := types.StrategyContext{PortfolioValue: decimal.Zero}
	pct := 0.1
	signal := types.Signal{Type: types.SignalBuy, SizePct: &pct}

	dec := g.Evaluate(cfg, sctx, signal, nil)
	if dec.Allowed {
		t.Fatal("Evaluate() should not allow when portfolio value is unavailable")
	}
	if dec.Reason != "no_portfolio_value" {
		t.Errorf("Reason = %q, want no_portfolio_value", dec.Reason)
	}
}

func TestEvaluateSkipsWhenExposureExceeded(t *testing.T) {
	t.Parallel()
	g := newTestGate()

	cfg := strategyConfig(nil, decPtr("40"))
	sctx := types.StrategyContext{
		PortfolioValue: decimal.NewFromInt(1000),
		Positions: map[types.MarketTriple]types.Position{
			triple("existing"): {Shares: decimal.NewFromInt(20), CurrentPrice: decimal.NewFromFloat(1.0)},
		},
	}
	signal := types.Signal{Type: types.SignalBuy, Size: decPtr("50"), Price: decPtr("0.5")}

	dec := g.Evaluate(cfg, sctx, signal, nil)
	if dec.Allowed {
		t.Fatal("Evaluate() should reject when maxExposure would be exceeded")
	}
	if dec.Reason != "exposure_exceeded" {
		t.Errorf("Reason = %q, want exposure_exceeded", dec.Reason)
	}
}

func TestEvaluateSkipsWhenKillSwitchActive(t *testing.T) {
	t.Parallel()
	g := newTestGate()
	g.processReport(PositionReport{Triple: triple("m1"), ExposureUSD: decimal.NewFromInt(600), Timestamp: time.Now()})

	cfg := strategyConfig(nil, nil)
	sctx := types.StrategyContext{PortfolioValue: decimal.NewFromInt(1000)}
	signal := types.Signal{Type: types.SignalBuy, Size: decPtr("10"), Price: decPtr("0.5")}

	dec := g.Evaluate(cfg, sctx, signal, nil)
	if dec.Allowed {
		t.Fatal("Evaluate() should reject all signals while the kill switch is active")
	}
	if dec.Reason != "kill_switch_active" {
		t.Errorf("Reason = %q, want kill_switch_active", dec.Reason)
	}
}

func TestEvaluateUsesLastKnownPriceWhenSignalHasNone(t *testing.T) {
	t.Parallel()
	g := newTestGate()

	cfg := strategyConfig(nil, nil)
	sctx := types.StrategyContext{PortfolioValue: decimal.NewFromInt(1000)}
	signal := types.Signal{Type: types.SignalBuy, Size: decPtr("10")}
	last := decimal.NewFromFloat(0.42)

	dec := g.Evaluate(cfg, sctx, signal, &last)
	if !dec.Allowed {
		t.Fatalf("Evaluate() not allowed, reason=%q", dec.Reason)
	}
	if !dec.Signal.Price.Equal(last) {
		t.Errorf("Price = %v, want %v", dec.Signal.Price, last)
	}
}

func TestEvaluatePassesThroughDryRunFlag(t *testing.T) {
	t.Parallel()
	g := newTestGate()

	cfg := strategyConfig(nil, nil)
	cfg.DryRun = true
	sctx := types.StrategyContext{PortfolioValue: decimal.NewFromInt(1000)}
	signal := types.Signal{Type: types.SignalBuy, Size: decPtr("10"), Price: decPtr("0.5")}

	dec := g.Evaluate(cfg, sctx, signal, nil)
	if !dec.Allowed || !dec.DryRun {
		t.Fatalf("Evaluate() = %+v, want Allowed=true DryRun=true", dec)
	}
}
