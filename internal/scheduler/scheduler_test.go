package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pmgateway/gateway/internal/config"
	"github.com/pmgateway/gateway/internal/eventbus"
	"github.com/pmgateway/gateway/internal/risk"
	"github.com/pmgateway/gateway/internal/store"
	"github.com/pmgateway/gateway/internal/venueport"
	"github.com/pmgateway/gateway/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakePortfolio struct {
	snapshot venueport.PortfolioSnapshot
}

func (f *fakePortfolio) Snapshot(ctx context.Context) (venueport.PortfolioSnapshot, error) {
	return f.snapshot, nil
}

type fakeExecution struct {
	mu     sync.Mutex
	orders []venueport.OrderSpec
}

func (f *fakeExecution) PlaceOrder(ctx context.Context, spec venueport.OrderSpec) (venueport.OrderResult, error) {
	f.mu.Lock()
	f.orders = append(f.orders, spec)
	f.mu.Unlock()
	return venueport.OrderResult{Success: true, OrderID: "o1", Status: "filled", FilledSize: spec.Size, AvgFillPrice: spec.Price}, nil
}

func (f *fakeExecution) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	return true, nil
}

func (f *fakeExecution) GetOrderStatus(ctx context.Context, orderID string) (venueport.OrderResult, error) {
	return venueport.OrderResult{}, nil
}

type fakeMarketData struct{}

func (f *fakeMarketData) SubscribeTrades(ctx context.Context, marketID string, cb venueport.TradeCallback) error {
	return nil
}
func (f *fakeMarketData) SubscribeOrderbook(ctx context.Context, marketID string, cb venueport.OrderbookCallback) error {
	return nil
}
func (f *fakeMarketData) GetMarket(ctx context.Context, venue, marketID string) (types.MarketMetadata, error) {
	return types.MarketMetadata{Venue: venue, MarketID: marketID}, nil
}
func (f *fakeMarketData) GetPrice(ctx context.Context, venue, marketID string) (*decimal.Decimal, error) {
	p := decimal.NewFromFloat(0.5)
	return &p, nil
}

type fakeStrategy struct {
	cfg      types.StrategyConfig
	evalFunc func(ctx context.Context, sctx types.StrategyContext) ([]types.Signal, error)
	calls    atomic.Int32
}

func (f *fakeStrategy) Config() types.StrategyConfig { return f.cfg }

func (f *fakeStrategy) Evaluate(ctx context.Context, sctx types.StrategyContext) ([]types.Signal, error) {
	f.calls.Add(1)
	if f.evalFunc != nil {
		return f.evalFunc(ctx, sctx)
	}
	return nil, nil
}

func newTestScheduler(t *testing.T, execution venueport.ExecutionPort) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir(), "test.db", nil)
	if err != nil {
		t.Fatalf("store.Open() = %v", err)
	}
	gate := risk.NewGate(config.RiskConfig{MaxGlobalExposure: 1_000_000, MaxMarketsActive: 100, CooldownAfterKill: time.Minute}, testLogger())
	portfolio := &fakePortfolio{snapshot: venueport.PortfolioSnapshot{Value: decimal.NewFromInt(1000), Balance: decimal.NewFromInt(1000)}}
	sched := New(st, gate, portfolio, execution, &fakeMarketData{}, eventbus.New(nil), testLogger())
	return sched, st
}

func TestRegisterStrategySeedsStoppedStatus(t *testing.T) {
	t.Parallel()
	sched, _ := newTestScheduler(t, &fakeExecution{})
	strat := &fakeStrategy{cfg: types.StrategyConfig{ID: "s1", Name: "test", IntervalMs: 50}}

	if err := sched.RegisterStrategy(context.Background(), strat); err != nil {
		t.Fatalf("RegisterStrategy() = %v", err)
	}

	status, ok := sched.Status("s1")
	if !ok {
		t.Fatal("Status() = not found, want found")
	}
	if status.State != types.BotStopped {
		t.Errorf("State = %v, want stopped", status.State)
	}
}

func TestRegisterStrategyRejectsZeroInterval(t *testing.T) {
	t.Parallel()
	sched, _ := newTestScheduler(t, &fakeExecution{})
	strat := &fakeStrategy{cfg: types.StrategyConfig{ID: "s1"}}

	if err := sched.RegisterStrategy(context.Background(), strat); err == nil {
		t.Fatal("RegisterStrategy() = nil, want error for intervalMs <= 0")
	}
}

func TestStartBotRunsImmediateEvaluationAndTicks(t *testing.T) {
	t.Parallel()
	sched, _ := newTestScheduler(t, &fakeExecution{})

	var gotSignals atomic.Bool
	strat := &fakeStrategy{
		cfg: types.StrategyConfig{ID: "s1", Name: "t", IntervalMs: 20},
		evalFunc: func(ctx context.Context, sctx types.StrategyContext) ([]types.Signal, error) {
			gotSignals.Store(true)
			return nil, nil
		},
	}
	if err := sched.RegisterStrategy(context.Background(), strat); err != nil {
		t.Fatalf("RegisterStrategy() = %v", err)
	}
	if err := sched.StartBot("s1"); err != nil {
		t.Fatalf("StartBot() = %v", err)
	}
	defer sched.StopBot("s1")

	deadline := time.After(time.Second)
	for !gotSignals.Load() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for immediate evaluation")
		case <-time.After(5 * time.Millisecond):
		}
	}

	status, _ := sched.Status("s1")
	if status.State != types.BotRunning {
		t.Errorf("State = %v, want running", status.State)
	}
}

func TestLifecycleStateMachine(t *testing.T) {
	t.Parallel()
	sched, _ := newTestScheduler(t, &fakeExecution{})
	strat := &fakeStrategy{cfg: types.StrategyConfig{ID: "s1", Name: "t", IntervalMs: 10_000}}
	if err := sched.RegisterStrategy(context.Background(), strat); err != nil {
		t.Fatalf("RegisterStrategy() = %v", err)
	}

	if err := sched.StartBot("s1"); err != nil {
		t.Fatalf("StartBot() = %v", err)
	}
	if err := sched.PauseBot("s1"); err != nil {
		t.Fatalf("PauseBot() = %v", err)
	}
	status, _ := sched.Status("s1")
	if status.State != types.BotPaused {
		t.Fatalf("State = %v, want paused", status.State)
	}

	if err := sched.ResumeBot("s1"); err != nil {
		t.Fatalf("ResumeBot() = %v", err)
	}
	status, _ = sched.Status("s1")
	if status.State != types.BotRunning {
		t.Fatalf("State = %v, want running", status.State)
	}

	if err := sched.StopBot("s1"); err != nil {
		t.Fatalf("StopBot() = %v", err)
	}
	status, _ = sched.Status("s1")
	if status.State != types.BotStopped {
		t.Fatalf("State = %v, want stopped", status.State)
	}
}

func TestEvaluateErrorTransitionsToErrorState(t *testing.T) {
	t.Parallel()
	sched, _ := newTestScheduler(t, &fakeExecution{})
	strat := &fakeStrategy{
		cfg: types.StrategyConfig{ID: "s1", Name: "t", IntervalMs: 10_000},
		evalFunc: func(ctx context.Context, sctx types.StrategyContext) ([]types.Signal, error) {
			return nil, errors.New("boom")
		},
	}
	if err := sched.RegisterStrategy(context.Background(), strat); err != nil {
		t.Fatalf("RegisterStrategy() = %v", err)
	}
	if err := sched.StartBot("s1"); err != nil {
		t.Fatalf("StartBot() = %v", err)
	}
	defer sched.StopBot("s1")

	deadline := time.After(time.Second)
	for {
		status, _ := sched.Status("s1")
		if status.State == types.BotError {
			if status.LastError == "" {
				t.Fatal("LastError should be set after evaluation error")
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for error state")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestEvaluateNowDoesNotDispatchOrders(t *testing.T) {
	t.Parallel()
	exec := &fakeExecution{}
	sched, _ := newTestScheduler(t, exec)

	size := decimal.NewFromInt(10)
	price := decimal.NewFromFloat(0.5)
	strat := &fakeStrategy{
		cfg: types.StrategyConfig{ID: "s1", Name: "t", IntervalMs: 10_000},
		evalFunc: func(ctx context.Context, sctx types.StrategyContext) ([]types.Signal, error) {
			return []types.Signal{{Type: types.SignalBuy, Triple: types.MarketTriple{Venue: "polymarket", MarketID: "m1", Outcome: "yes"}, Size: &size, Price: &price}}, nil
		},
	}
	if err := sched.RegisterStrategy(context.Background(), strat); err != nil {
		t.Fatalf("RegisterStrategy() = %v", err)
	}

	signals, err := sched.EvaluateNow(context.Background(), "s1")
	if err != nil {
		t.Fatalf("EvaluateNow() = %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("len(signals) = %d, want 1", len(signals))
	}

	exec.mu.Lock()
	n := len(exec.orders)
	exec.mu.Unlock()
	if n != 0 {
		t.Errorf("orders placed = %d, want 0 (evaluateNow must not dispatch)", n)
	}
}

func TestDispatchPlacesOrderForBuySignal(t *testing.T) {
	t.Parallel()
	exec := &fakeExecution{}
	sched, tradeStore := newTestScheduler(t, exec)

	size := decimal.NewFromInt(10)
	price := decimal.NewFromFloat(0.5)
	var fired atomic.Bool
	strat := &fakeStrategy{
		cfg: types.StrategyConfig{ID: "s1", Name: "t", IntervalMs: 20},
		evalFunc: func(ctx context.Context, sctx types.StrategyContext) ([]types.Signal, error) {
			if fired.Swap(true) {
				return nil, nil
			}
			return []types.Signal{{Type: types.SignalBuy, Triple: types.MarketTriple{Venue: "polymarket", MarketID: "m1", Outcome: "yes"}, Size: &size, Price: &price}}, nil
		},
	}
	if err := sched.RegisterStrategy(context.Background(), strat); err != nil {
		t.Fatalf("RegisterStrategy() = %v", err)
	}
	if err := sched.StartBot("s1"); err != nil {
		t.Fatalf("StartBot() = %v", err)
	}
	defer sched.StopBot("s1")

	deadline := time.After(time.Second)
	for {
		exec.mu.Lock()
		n := len(exec.orders)
		exec.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for order dispatch")
		case <-time.After(5 * time.Millisecond):
		}
	}

	trades, err := tradeStore.GetTrades(context.Background(), store.TradeFilter{StrategyID: "s1"})
	if err != nil {
		t.Fatalf("GetTrades() = %v", err)
	}
	if len(trades) == 0 {
		t.Fatal("expected a logged trade for the dispatched signal")
	}
}

func TestDryRunSignalRecordsSyntheticFillWithoutExecution(t *testing.T) {
	t.Parallel()
	exec := &fakeExecution{}
	sched, tradeStore := newTestScheduler(t, exec)

	size := decimal.NewFromInt(5)
	price := decimal.NewFromFloat(0.4)
	var fired atomic.Bool
	strat := &fakeStrategy{
		cfg: types.StrategyConfig{ID: "s1", Name: "t", IntervalMs: 20, DryRun: true},
		evalFunc: func(ctx context.Context, sctx types.StrategyContext) ([]types.Signal, error) {
			if fired.Swap(true) {
				return nil, nil
			}
			return []types.Signal{{Type: types.SignalBuy, Triple: types.MarketTriple{Venue: "polymarket", MarketID: "m1", Outcome: "yes"}, Size: &size, Price: &price}}, nil
		},
	}
	if err := sched.RegisterStrategy(context.Background(), strat); err != nil {
		t.Fatalf("RegisterStrategy() = %v", err)
	}
	if err := sched.StartBot("s1"); err != nil {
		t.Fatalf("StartBot() = %v", err)
	}
	defer sched.StopBot("s1")

	deadline := time.After(time.Second)
	for {
		trades, err := tradeStore.GetTrades(context.Background(), store.TradeFilter{StrategyID: "s1"})
		if err != nil {
			t.Fatalf("GetTrades() = %v", err)
		}
		if len(trades) > 0 {
			if trades[0].Meta["dryRun"] != true {
				t.Fatalf("trade Meta = %+v, want dryRun=true", trades[0].Meta)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for dry-run trade")
		case <-time.After(5 * time.Millisecond):
		}
	}

	exec.mu.Lock()
	n := len(exec.orders)
	exec.mu.Unlock()
	if n != 0 {
		t.Errorf("orders placed = %d, want 0 for a dry-run strategy", n)
	}
}

func TestUnregisterStrategyRetainsHistoricalTrades(t *testing.T) {
	t.Parallel()
	sched, tradeStore := newTestScheduler(t, &fakeExecution{})

	if _, err := tradeStore.LogTrade(context.Background(), store.TradeSpec{
		Venue: "polymarket", MarketID: "m1", StrategyID: "s1", Side: types.Buy,
		Price: decimal.NewFromFloat(0.5), Size: decimal.NewFromInt(10),
	}); err != nil {
		t.Fatalf("LogTrade() = %v", err)
	}

	strat := &fakeStrategy{cfg: types.StrategyConfig{ID: "s1", Name: "t", IntervalMs: 1000}}
	if err := sched.RegisterStrategy(context.Background(), strat); err != nil {
		t.Fatalf("RegisterStrategy() = %v", err)
	}
	sched.UnregisterStrategy("s1")

	if _, ok := sched.Status("s1"); ok {
		t.Fatal("Status() found, want not found after unregister")
	}

	trades, err := tradeStore.GetTrades(context.Background(), store.TradeFilter{StrategyID: "s1"})
	if err != nil {
		t.Fatalf("GetTrades() = %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("len(trades) = %d, want 1 (historical trades retained)", len(trades))
	}
}

func TestTickReportsPositionExposureToRiskGate(t *testing.T) {
	t.Parallel()
	st, err := store.Open(t.TempDir(), "test.db", nil)
	if err != nil {
		t.Fatalf("store.Open() = %v", err)
	}
	gate := risk.NewGate(config.RiskConfig{MaxGlobalExposure: 1_000_000, MaxMarketsActive: 100, CooldownAfterKill: time.Minute}, testLogger())
	triple := types.MarketTriple{Venue: "polymarket", MarketID: "m1", Outcome: "yes"}
	portfolio := &fakePortfolio{snapshot: venueport.PortfolioSnapshot{
		Value:   decimal.NewFromInt(1000),
		Balance: decimal.NewFromInt(1000),
		Positions: []types.Position{
			{Triple: triple, Shares: decimal.NewFromInt(20), AvgPrice: decimal.NewFromFloat(0.4), CurrentPrice: decimal.NewFromFloat(0.5)},
		},
	}}
	sched := New(st, gate, portfolio, &fakeExecution{}, &fakeMarketData{}, eventbus.New(nil), testLogger())

	gateCtx, gateCancel := context.WithCancel(context.Background())
	defer gateCancel()
	go gate.Run(gateCtx)

	strat := &fakeStrategy{cfg: types.StrategyConfig{ID: "s1", Name: "t", IntervalMs: 20}}
	if err := sched.RegisterStrategy(context.Background(), strat); err != nil {
		t.Fatalf("RegisterStrategy() = %v", err)
	}
	if err := sched.StartBot("s1"); err != nil {
		t.Fatalf("StartBot() = %v", err)
	}

	wantExposure := decimal.NewFromInt(20).Mul(decimal.NewFromFloat(0.5))
	deadline := time.After(time.Second)
	for {
		if gate.Snapshot().GlobalExposure.Equal(wantExposure) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("risk gate never reported exposure; last snapshot = %+v", gate.Snapshot())
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := sched.StopBot("s1"); err != nil {
		t.Fatalf("StopBot() = %v", err)
	}

	deadline = time.After(time.Second)
	for {
		if gate.Snapshot().GlobalExposure.IsZero() {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("risk gate still reports exposure after StopBot; snapshot = %+v", gate.Snapshot())
		case <-time.After(5 * time.Millisecond):
		}
	}
}
