// Package scheduler implements the Bot Manager (spec §4.2): the strategy
// registry, lifecycle state machine, and per-tick evaluate/dispatch loop
// shared by live trading and (via the same Strategy interface) the
// BacktestEngine.
//
// It is grounded on the teacher's internal/engine.Engine: a slot map
// protected by a RWMutex, one goroutine per slot with its own cancellable
// context, and a dedicated loop that reacts to both its own ticker and an
// out-of-band kill channel (here internal/risk.Gate's KillCh, there
// internal/risk.Manager's). Where the teacher hard-codes one concrete
// strategy (strategy.Maker) per market, the Scheduler drives an arbitrary
// types.Strategy per registered config, and adds the pause/error states
// and tick-coalescing discipline the market-maker's single always-running
// quoting loop never needed.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pmgateway/gateway/internal/eventbus"
	"github.com/pmgateway/gateway/internal/gatewayerr"
	"github.com/pmgateway/gateway/internal/ringbuffer"
	"github.com/pmgateway/gateway/internal/risk"
	"github.com/pmgateway/gateway/internal/store"
	"github.com/pmgateway/gateway/internal/venueport"
	"github.com/pmgateway/gateway/pkg/types"
)

const priceHistoryCap = 200

// slot is one registered strategy's runtime state.
type slot struct {
	strategy types.Strategy

	mu     sync.RWMutex
	status types.BotStatus

	busy atomic.Bool // guards against concurrent/overlapping evaluate() calls

	ctx    context.Context
	cancel context.CancelFunc

	priceHistory map[types.MarketTriple]*ringbuffer.Buffer[decimal.Decimal]
}

func (sl *slot) snapshotStatus() types.BotStatus {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return sl.status
}

// Scheduler is the Bot Manager.
type Scheduler struct {
	logger     *slog.Logger
	events     *eventbus.Bus
	trades     *store.Store
	risk       *risk.Gate
	portfolio  venueport.PortfolioProvider
	execution  venueport.ExecutionPort
	marketData venueport.MarketDataPort

	mu    sync.RWMutex
	slots map[string]*slot
}

// New creates a Scheduler. trades, portfolio, execution, and marketData are
// the collaborators the per-tick algorithm (§4.2 step 2) reads from.
func New(
	trades *store.Store,
	riskGate *risk.Gate,
	portfolio venueport.PortfolioProvider,
	execution venueport.ExecutionPort,
	marketData venueport.MarketDataPort,
	events *eventbus.Bus,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		logger:     logger.With("component", "scheduler"),
		events:     events,
		trades:     trades,
		risk:       riskGate,
		portfolio:  portfolio,
		execution:  execution,
		marketData: marketData,
		slots:      make(map[string]*slot),
	}
}

// RegisterStrategy indexes strategy by its config id. Registering a
// duplicate id replaces the existing slot (stopping it first if running)
// and emits a reregistration event. The new BotStatus is seeded from
// historical stats for that strategy id.
func (s *Scheduler) RegisterStrategy(ctx context.Context, strategy types.Strategy) error {
	cfg := strategy.Config()
	if cfg.IntervalMs <= 0 {
		return gatewayerr.New(gatewayerr.Invalid, "registerStrategy", fmt.Errorf("strategy %q: intervalMs must be > 0", cfg.ID))
	}

	s.mu.Lock()
	existing, replacing := s.slots[cfg.ID]
	s.mu.Unlock()
	if replacing {
		s.publish("strategyReregistered", cfg.ID)
		_ = s.StopBot(existing)
	}

	stats, err := s.trades.GetStats(ctx, store.TradeFilter{StrategyID: cfg.ID})
	if err != nil {
		return gatewayerr.New(gatewayerr.Storage, "registerStrategy", err)
	}

	sl := &slot{
		strategy: strategy,
		status: types.BotStatus{
			ID:          cfg.ID,
			State:       types.BotStopped,
			TradesCount: stats.TotalTrades,
			TotalPnL:    stats.TotalPnL,
			WinRate:     stats.WinRate,
		},
		priceHistory: make(map[types.MarketTriple]*ringbuffer.Buffer[decimal.Decimal]),
	}

	s.mu.Lock()
	s.slots[cfg.ID] = sl
	s.mu.Unlock()

	s.publish("strategyRegistered", cfg.ID)
	return nil
}

// UnregisterStrategy stops the bot if running and discards its in-memory
// state. Historical trades in the TradeStore are retained.
func (s *Scheduler) UnregisterStrategy(id string) {
	_ = s.StopBot(id)

	s.mu.Lock()
	delete(s.slots, id)
	s.mu.Unlock()

	s.publish("strategyUnregistered", id)
}

func (s *Scheduler) lookup(id string) (*slot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slots[id]
	return sl, ok
}

func unregisteredErr(op, id string) error {
	return gatewayerr.New(gatewayerr.NotFound, op, fmt.Errorf("strategy %q is not registered", id))
}

// StartBot transitions stopped or error → running: calls Strategy.Init
// once if implemented, sets startedAt, clears lastError, and schedules
// evaluation every config.intervalMs, running one immediate evaluation
// first.
func (s *Scheduler) StartBot(id string) error {
	sl, ok := s.lookup(id)
	if !ok {
		return unregisteredErr("startBot", id)
	}

	sl.mu.Lock()
	switch sl.status.State {
	case types.BotRunning:
		sl.mu.Unlock()
		return nil
	case types.BotPaused:
		sl.status.State = types.BotRunning
		sl.mu.Unlock()
		s.publish("botStarted", id)
		return nil
	}
	now := time.Now().UTC()
	sl.status.State = types.BotRunning
	sl.status.StartedAt = &now
	sl.status.LastError = ""
	sl.mu.Unlock()

	if initializer, ok := sl.strategy.(types.StrategyInitializer); ok {
		ctx := context.Background()
		if err := initializer.Init(ctx); err != nil {
			s.transitionError(id, sl, err)
			return gatewayerr.New(gatewayerr.StrategyError, "startBot", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sl.ctx = ctx
	sl.cancel = cancel

	cfg := sl.strategy.Config()
	go s.runSlot(ctx, id, sl, time.Duration(cfg.IntervalMs)*time.Millisecond)

	s.publish("botStarted", id)
	return nil
}

// StopBot cancels the schedule and calls Strategy.Cleanup if implemented.
// Valid from any state.
func (s *Scheduler) StopBot(id string) error {
	sl, ok := s.lookup(id)
	if !ok {
		return unregisteredErr("stopBot", id)
	}

	sl.mu.Lock()
	alreadyStopped := sl.status.State == types.BotStopped
	sl.status.State = types.BotStopped
	cancel := sl.cancel
	sl.cancel = nil
	tracked := make([]types.MarketTriple, 0, len(sl.priceHistory))
	for triple := range sl.priceHistory {
		tracked = append(tracked, triple)
	}
	sl.mu.Unlock()

	if alreadyStopped {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	for _, triple := range tracked {
		s.risk.RemoveMarket(triple)
	}

	if cleaner, ok := sl.strategy.(types.StrategyCleaner); ok {
		if err := cleaner.Cleanup(); err != nil {
			s.logger.Error("strategy cleanup failed", "strategy", id, "error", err)
		}
	}

	s.publish("botStopped", id)
	return nil
}

// PauseBot keeps the schedule firing but drops every signal it produces.
func (s *Scheduler) PauseBot(id string) error {
	sl, ok := s.lookup(id)
	if !ok {
		return unregisteredErr("pauseBot", id)
	}
	sl.mu.Lock()
	if sl.status.State != types.BotRunning {
		sl.mu.Unlock()
		return gatewayerr.New(gatewayerr.Invalid, "pauseBot", fmt.Errorf("strategy %q is not running", id))
	}
	sl.status.State = types.BotPaused
	sl.mu.Unlock()
	s.publish("botPaused", id)
	return nil
}

// ResumeBot transitions paused → running.
func (s *Scheduler) ResumeBot(id string) error {
	sl, ok := s.lookup(id)
	if !ok {
		return unregisteredErr("resumeBot", id)
	}
	sl.mu.Lock()
	if sl.status.State != types.BotPaused {
		sl.mu.Unlock()
		return gatewayerr.New(gatewayerr.Invalid, "resumeBot", fmt.Errorf("strategy %q is not paused", id))
	}
	sl.status.State = types.BotRunning
	sl.mu.Unlock()
	s.publish("botResumed", id)
	return nil
}

// Status returns the current BotStatus snapshot for id.
func (s *Scheduler) Status(id string) (types.BotStatus, bool) {
	sl, ok := s.lookup(id)
	if !ok {
		return types.BotStatus{}, false
	}
	return sl.snapshotStatus(), true
}

// AllStatuses returns a snapshot of every registered strategy's status.
func (s *Scheduler) AllStatuses() []types.BotStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.BotStatus, 0, len(s.slots))
	for _, sl := range s.slots {
		out = append(out, sl.snapshotStatus())
	}
	return out
}

// StrategyConfig returns the registered configuration for id, for callers
// (e.g. internal/api) that need the strategy's venues/name/flags alongside
// its runtime BotStatus.
func (s *Scheduler) StrategyConfig(id string) (types.StrategyConfig, bool) {
	sl, ok := s.lookup(id)
	if !ok {
		return types.StrategyConfig{}, false
	}
	return sl.strategy.Config(), true
}

// EvaluateNow runs one evaluation out-of-band and returns its signals
// without dispatching them through the RiskGate or ExecutionPort. It
// coalesces with the strategy's own scheduled ticks via the same busy flag.
func (s *Scheduler) EvaluateNow(ctx context.Context, id string) ([]types.Signal, error) {
	sl, ok := s.lookup(id)
	if !ok {
		return nil, unregisteredErr("evaluateNow", id)
	}
	if !sl.busy.CompareAndSwap(false, true) {
		return nil, gatewayerr.New(gatewayerr.Invalid, "evaluateNow", fmt.Errorf("strategy %q: evaluation already in progress", id))
	}
	defer sl.busy.Store(false)

	sctx, err := s.buildContext(ctx, id, sl)
	if err != nil {
		return nil, err
	}
	return sl.strategy.Evaluate(ctx, sctx)
}

func (s *Scheduler) runSlot(ctx context.Context, id string, sl *slot, interval time.Duration) {
	s.tick(ctx, id, sl)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, id, sl)
		}
	}
}

// tick implements the per-tick algorithm (§4.2). A tick that arrives while
// the previous one is still running for this strategy is coalesced
// (dropped), never queued.
func (s *Scheduler) tick(ctx context.Context, id string, sl *slot) {
	if sl.snapshotStatus().State != types.BotRunning {
		return
	}
	if !sl.busy.CompareAndSwap(false, true) {
		return
	}
	defer sl.busy.Store(false)

	sctx, err := s.buildContext(ctx, id, sl)
	if err != nil {
		s.transitionError(id, sl, err)
		return
	}

	signals, err := sl.strategy.Evaluate(ctx, sctx)
	if err != nil {
		s.transitionError(id, sl, err)
		return
	}

	now := time.Now().UTC()
	sl.mu.Lock()
	sl.status.LastCheck = &now
	paused := sl.status.State == types.BotPaused
	if len(signals) > 0 {
		sig := signals[0]
		sl.status.LastSignal = &sig
	}
	sl.mu.Unlock()

	s.publish("signals", signalsEvent{StrategyID: id, Signals: signals})
	if paused {
		return
	}

	cfg := sl.strategy.Config()
	for _, sig := range signals {
		if sig.Type == types.SignalHold {
			continue
		}
		s.dispatch(ctx, id, cfg, sctx, sig)
	}
}

type signalsEvent struct {
	StrategyID string
	Signals    []types.Signal
}

// buildContext assembles a fresh StrategyContext (§4.2 step 2): portfolio
// snapshot, recent trades for this strategy capped at 100, open positions
// keyed by canonical triple, and a bounded rolling price history per
// position the strategy currently holds.
func (s *Scheduler) buildContext(ctx context.Context, id string, sl *slot) (types.StrategyContext, error) {
	snapshot, err := s.portfolio.Snapshot(ctx)
	if err != nil {
		return types.StrategyContext{}, gatewayerr.New(gatewayerr.VenueError, "buildContext", err)
	}

	recent, err := s.trades.GetTrades(ctx, store.TradeFilter{StrategyID: id, Limit: 100})
	if err != nil {
		return types.StrategyContext{}, gatewayerr.New(gatewayerr.Storage, "buildContext", err)
	}

	positions := make(map[types.MarketTriple]types.Position, len(snapshot.Positions))
	markets := make(map[string]types.MarketMetadata, len(snapshot.Positions))
	priceHistory := make(map[types.MarketTriple][]decimal.Decimal, len(snapshot.Positions))

	for _, pos := range snapshot.Positions {
		positions[pos.Triple] = pos

		buf, ok := sl.priceHistory[pos.Triple]
		if !ok {
			buf = ringbuffer.New[decimal.Decimal](priceHistoryCap)
			sl.priceHistory[pos.Triple] = buf
		}
		buf.Push(pos.CurrentPrice)
		priceHistory[pos.Triple] = buf.Newest(priceHistoryCap)

		if meta, err := s.marketData.GetMarket(ctx, pos.Triple.Venue, pos.Triple.MarketID); err == nil {
			markets[pos.Triple.MarketID] = meta
		}

		// Report this position's exposure to the portfolio monitor every
		// tick (teacher internal/strategy/maker.go's quoteUpdate reports its
		// own inventory the same way), so the gate's global-exposure and
		// max-active-markets kill paths have something to evaluate.
		s.risk.Report(risk.PositionReport{
			Triple:      pos.Triple,
			ExposureUSD: pos.Shares.Abs().Mul(pos.CurrentPrice),
			Timestamp:   time.Now().UTC(),
		})
	}

	return types.StrategyContext{
		PortfolioValue: snapshot.Value,
		Balance:        snapshot.Balance,
		Positions:      positions,
		RecentTrades:   recent,
		Markets:        markets,
		PriceHistory:   priceHistory,
		Timestamp:      time.Now().UTC(),
		IsBacktest:     false,
	}, nil
}

// dispatch routes one non-hold signal through the RiskGate then the
// ExecutionPort (§4.3), or inserts a synthetic filled trade when the
// RiskGate marks the signal dry-run.
func (s *Scheduler) dispatch(ctx context.Context, id string, cfg types.StrategyConfig, sctx types.StrategyContext, sig types.Signal) {
	var lastKnown *decimal.Decimal
	if price, err := s.marketData.GetPrice(ctx, sig.Triple.Venue, sig.Triple.MarketID); err == nil {
		lastKnown = price
	}

	decision := s.risk.Evaluate(cfg, sctx, sig, lastKnown)
	if !decision.Allowed {
		s.publish("signalSkipped", skippedEvent{StrategyID: id, Triple: sig.Triple, Reason: decision.Reason})
		return
	}

	side := sideFromSignal(decision.Signal.Type)
	price := decimal.Zero
	if decision.Signal.Price != nil {
		price = *decision.Signal.Price
	}
	size := decimal.Zero
	if decision.Signal.Size != nil {
		size = *decision.Signal.Size
	}

	if decision.DryRun {
		tr, err := s.trades.LogTrade(ctx, store.TradeSpec{
			Venue:        sig.Triple.Venue,
			MarketID:     sig.Triple.MarketID,
			Outcome:      sig.Triple.Outcome,
			Side:         side,
			OrderKind:    types.OrderKindMarket,
			Price:        price,
			Size:         size,
			StrategyID:   cfg.ID,
			StrategyName: cfg.Name,
			Meta:         map[string]any{"dryRun": true},
		})
		if err != nil {
			s.logger.Error("dry-run trade log failed", "strategy", id, "error", err)
			return
		}
		if _, err := s.trades.FillTrade(ctx, tr.ID, price, size, decimal.Zero); err != nil {
			s.logger.Error("dry-run trade fill failed", "strategy", id, "error", err)
		}
		return
	}

	tr, err := s.trades.LogTrade(ctx, store.TradeSpec{
		Venue:        sig.Triple.Venue,
		MarketID:     sig.Triple.MarketID,
		Outcome:      sig.Triple.Outcome,
		Side:         side,
		OrderKind:    types.OrderKindLimit,
		Price:        price,
		Size:         size,
		StrategyID:   cfg.ID,
		StrategyName: cfg.Name,
	})
	if err != nil {
		s.logger.Error("trade log failed", "strategy", id, "error", err)
		return
	}

	result, err := s.execution.PlaceOrder(ctx, venueport.OrderSpec{
		Triple:    sig.Triple,
		Side:      side,
		Price:     price,
		Size:      size,
		OrderKind: types.OrderKindLimit,
	})
	if err != nil {
		s.logger.Error("order placement failed", "strategy", id, "error", err)
		if _, cancelErr := s.trades.CancelTrade(ctx, tr.ID); cancelErr != nil {
			s.logger.Error("failed to cancel trade after order placement error", "trade", tr.ID, "error", cancelErr)
		}
		return
	}
	if result.Success && result.FilledSize.IsPositive() {
		if _, err := s.trades.FillTrade(ctx, tr.ID, result.AvgFillPrice, result.FilledSize, decimal.Zero); err != nil {
			s.logger.Error("fill recording failed", "strategy", id, "trade", tr.ID, "error", err)
		}
	}
}

type skippedEvent struct {
	StrategyID string
	Triple     types.MarketTriple
	Reason     string
}

func sideFromSignal(t types.SignalType) types.Side {
	if t == types.SignalBuy {
		return types.Buy
	}
	return types.Sell
}

func (s *Scheduler) transitionError(id string, sl *slot, err error) {
	sl.mu.Lock()
	sl.status.State = types.BotError
	sl.status.LastError = err.Error()
	sl.mu.Unlock()
	s.logger.Error("strategy evaluation failed", "strategy", id, "error", err)
	s.publish("botError", errorEvent{StrategyID: id, Error: err.Error()})
}

type errorEvent struct {
	StrategyID string
	Error      string
}

func (s *Scheduler) publish(eventType string, data any) {
	if s.events != nil {
		s.events.Publish(eventType, data)
	}
}
