// Package copytrader implements the CopyTrader (spec §4.6): it subscribes
// to the WhaleTracker's "trade" event stream and mirrors qualifying whale
// trades through the ExecutionPort, after a decision pipeline (follow
// check, size check, market filter, saturation check, sizing) and a delay
// meant to avoid a front-running appearance.
//
// Grounded on the teacher's channel-fan-out consumption idiom
// (internal/engine.Engine reading Scanner.Results(), internal/exchange's
// WSFeed event channels) for the subscribe-and-loop shape, and on the
// teacher's per-slot context.CancelFunc discipline (internal/engine/engine.go)
// for the per-trade delay timer bookkeeping — here expressed with
// time.AfterFunc per spec §9 "Timers and cancellation" rather than a
// goroutine-per-timer, since every pending copy is a single one-shot fire,
// not a loop that needs its own goroutine.
package copytrader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pmgateway/gateway/internal/eventbus"
	"github.com/pmgateway/gateway/internal/venueport"
	"github.com/pmgateway/gateway/pkg/types"
)

// SizingMode selects how CopyTrader computes a copy's notional size.
type SizingMode string

const (
	SizingFixed        SizingMode = "fixed"
	SizingProportional SizingMode = "proportional"
	SizingPercentage   SizingMode = "percentage"
)

// Config tunes the CopyTrader's decision policy (spec §4.6).
type Config struct {
	FollowSet       map[string]bool
	ExcludedMarkets map[string]bool

	MinTradeSize decimal.Decimal
	MaxPositionSize decimal.Decimal

	SizingMode           SizingMode
	FixedSize            decimal.Decimal // notional USD, sizing mode "fixed"
	ProportionMultiplier decimal.Decimal // sizing mode "proportional"
	PortfolioPercentage  decimal.Decimal // sizing mode "percentage" (0-100)

	CopyDelay      time.Duration
	MaxSlippagePct decimal.Decimal // 0-100

	StopLossPct   decimal.Decimal // 0 disables
	TakeProfitPct decimal.Decimal // 0 disables
	WatchInterval time.Duration   // poll period for the SL/TP price watch
}

func (c Config) withDefaults() Config {
	if c.CopyDelay <= 0 {
		c.CopyDelay = 3 * time.Second
	}
	if c.WatchInterval <= 0 {
		c.WatchInterval = 5 * time.Second
	}
	if c.FollowSet == nil {
		c.FollowSet = map[string]bool{}
	}
	if c.ExcludedMarkets == nil {
		c.ExcludedMarkets = map[string]bool{}
	}
	return c
}

// openPosition is the CopyTrader's bookkeeping record for one placed copy,
// wrapping the shared types.CopiedTrade with the market identity the spec's
// saturation/SL-TP checks need but the domain type does not itself carry.
type openPosition struct {
	trade  types.CopiedTrade
	triple types.MarketTriple
}

// CopyTrader implements spec §4.6.
type CopyTrader struct {
	cfg        Config
	execution  venueport.ExecutionPort
	portfolio  venueport.PortfolioProvider
	marketData venueport.MarketDataPort
	events     *eventbus.Bus
	logger     *slog.Logger

	mu            sync.Mutex
	openPositions map[string]*openPosition // keyed by OrderHandle
	timers        map[string]*time.Timer   // keyed by trade ref, pending copies
	watchCancels  map[string]context.CancelFunc

	totalSkipped atomic.Int64 // spec §4.6 scenario 6: count of trades that never qualified for a copy

	unsubscribe func()
	wg          sync.WaitGroup
}

// New creates a CopyTrader. marketData may be nil if StopLossPct and
// TakeProfitPct are both zero (no price watch is ever started).
func New(execution venueport.ExecutionPort, portfolio venueport.PortfolioProvider, marketData venueport.MarketDataPort, cfg Config, events *eventbus.Bus, logger *slog.Logger) *CopyTrader {
	if logger == nil {
		logger = slog.Default()
	}
	return &CopyTrader{
		cfg:           cfg.withDefaults(),
		execution:     execution,
		portfolio:     portfolio,
		marketData:    marketData,
		events:        events,
		logger:        logger.With("component", "copytrader"),
		openPositions: make(map[string]*openPosition),
		timers:        make(map[string]*time.Timer),
		watchCancels:  make(map[string]context.CancelFunc),
	}
}

// Start subscribes to whaleBus's "trade" events and begins evaluating them.
// It is a no-op if already running.
func (c *CopyTrader) Start(ctx context.Context, whaleBus *eventbus.Bus) {
	c.mu.Lock()
	if c.unsubscribe != nil {
		c.mu.Unlock()
		return
	}
	ch, unsub := whaleBus.Subscribe()
	c.unsubscribe = unsub
	c.mu.Unlock()

	c.wg.Add(1)
	go c.consume(ctx, ch)
}

// Stop unsubscribes from the whale event bus, cancels every pending copy
// timer and SL/TP watcher, and waits for the consumer loop to exit. It does
// not close already-open positions; call CloseAllPositions first if desired.
func (c *CopyTrader) Stop() {
	c.mu.Lock()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	for ref, timer := range c.timers {
		timer.Stop()
		delete(c.timers, ref)
	}
	for handle, cancel := range c.watchCancels {
		cancel()
		delete(c.watchCancels, handle)
	}
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *CopyTrader) consume(ctx context.Context, ch <-chan eventbus.Event) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Type != "trade" {
				continue
			}
			trade, ok := evt.Data.(types.WhaleTrade)
			if !ok {
				continue
			}
			c.handleWhaleTrade(ctx, trade)
		}
	}
}

// handleWhaleTrade runs the §4.6 decision pipeline steps 1-5 synchronously
// and, if the trade survives, schedules step 7 (execution) after the
// configured delay.
func (c *CopyTrader) handleWhaleTrade(ctx context.Context, trade types.WhaleTrade) {
	usdValue := trade.Price.Mul(trade.Size)

	if !c.cfg.FollowSet[trade.Maker] && !c.cfg.FollowSet[trade.Taker] {
		c.skip(trade, "address_not_followed")
		return
	}
	if usdValue.LessThan(c.cfg.MinTradeSize) {
		c.skip(trade, "trade_too_small")
		return
	}
	if c.cfg.ExcludedMarkets[trade.MarketID] {
		c.skip(trade, "market_excluded")
		return
	}
	if c.isSaturated(trade.MarketID) {
		c.skip(trade, "max_position_reached")
		return
	}

	notional, err := c.resolveNotional(ctx, usdValue)
	if err != nil {
		c.logger.Error("resolve copy size failed", "error", err)
		return
	}
	if notional.GreaterThan(c.cfg.MaxPositionSize) {
		notional = c.cfg.MaxPositionSize
	}
	if notional.IsZero() || notional.IsNegative() {
		c.skip(trade, "zero_size")
		return
	}

	ref := fmt.Sprintf("%s:%s:%s", trade.MarketID, trade.Outcome, trade.Timestamp.Format(time.RFC3339Nano))
	timer := time.AfterFunc(c.cfg.CopyDelay, func() {
		c.execute(context.Background(), trade, notional, ref)
	})
	c.mu.Lock()
	c.timers[ref] = timer
	c.mu.Unlock()
}

func (c *CopyTrader) isSaturated(marketID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.openPositions {
		if p.triple.MarketID != marketID {
			continue
		}
		notional := p.trade.Size.Mul(p.trade.EntryPrice)
		if notional.GreaterThanOrEqual(c.cfg.MaxPositionSize) {
			return true
		}
	}
	return false
}

// resolveNotional computes step 5's uncapped USD size per sizing mode.
func (c *CopyTrader) resolveNotional(ctx context.Context, whaleUSDValue decimal.Decimal) (decimal.Decimal, error) {
	switch c.cfg.SizingMode {
	case SizingProportional:
		return whaleUSDValue.Mul(c.cfg.ProportionMultiplier), nil
	case SizingPercentage:
		snap, err := c.portfolio.Snapshot(ctx)
		if err != nil {
			return decimal.Zero, err
		}
		return snap.Value.Mul(c.cfg.PortfolioPercentage).Div(decimal.NewFromInt(100)), nil
	default:
		return c.cfg.FixedSize, nil
	}
}

// execute places the copy order at whale.price*(1±slippage) (spec §4.6
// step 7), records the position on success, and starts an optional SL/TP
// watch.
func (c *CopyTrader) execute(ctx context.Context, trade types.WhaleTrade, notional decimal.Decimal, ref string) {
	c.mu.Lock()
	delete(c.timers, ref)
	c.mu.Unlock()

	slippage := c.cfg.MaxSlippagePct.Div(decimal.NewFromInt(100))
	execPrice := trade.Price.Mul(decimal.NewFromInt(1).Add(slippage))
	if trade.Side == types.Sell {
		execPrice = trade.Price.Mul(decimal.NewFromInt(1).Sub(slippage))
	}
	if execPrice.IsZero() || execPrice.IsNegative() {
		c.publish("error", fmt.Errorf("copytrader: non-positive execution price for ref %s", ref))
		return
	}
	size := notional.Div(execPrice)

	triple := types.MarketTriple{MarketID: trade.MarketID, Outcome: trade.Outcome}
	result, err := c.execution.PlaceOrder(ctx, venueport.OrderSpec{
		Triple:    triple,
		Side:      trade.Side,
		Price:     execPrice,
		Size:      size,
		OrderKind: types.OrderKindLimit,
	})
	if err != nil {
		c.publish("error", err)
		return
	}
	if !result.Success {
		c.publish("error", fmt.Errorf("copytrader: order rejected for ref %s: %s", ref, result.Error))
		return
	}

	ct := types.CopiedTrade{
		OriginalTradeRef: ref,
		CopiedAt:         time.Now(),
		Side:             trade.Side,
		Size:             size,
		EntryPrice:       execPrice,
		Status:           "open",
		OrderHandle:      result.OrderID,
	}

	c.mu.Lock()
	c.openPositions[result.OrderID] = &openPosition{trade: ct, triple: triple}
	c.mu.Unlock()

	c.publish("copiedTrade", ct)

	if (!c.cfg.StopLossPct.IsZero() || !c.cfg.TakeProfitPct.IsZero()) && c.marketData != nil {
		c.startWatch(result.OrderID)
	}
}

// startWatch polls the current price for handle's position and emits
// positionClosed once it crosses the configured stop-loss/take-profit
// bound (spec §4.6 step 8).
func (c *CopyTrader) startWatch(handle string) {
	watchCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.watchCancels[handle] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.WatchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				if c.checkWatch(watchCtx, handle) {
					c.mu.Lock()
					delete(c.watchCancels, handle)
					c.mu.Unlock()
					return
				}
			}
		}
	}()
}

// checkWatch returns true once the position has crossed its SL/TP bound
// and been closed.
func (c *CopyTrader) checkWatch(ctx context.Context, handle string) bool {
	c.mu.Lock()
	pos, ok := c.openPositions[handle]
	c.mu.Unlock()
	if !ok {
		return true
	}

	price, err := c.marketData.GetPrice(ctx, pos.triple.Venue, pos.triple.MarketID)
	if err != nil || price == nil {
		return false
	}

	returnPct := price.Sub(pos.trade.EntryPrice).Div(pos.trade.EntryPrice).Mul(decimal.NewFromInt(100))
	if pos.trade.Side == types.Sell {
		returnPct = returnPct.Neg()
	}

	hitSL := !c.cfg.StopLossPct.IsZero() && returnPct.LessThanOrEqual(c.cfg.StopLossPct.Neg())
	hitTP := !c.cfg.TakeProfitPct.IsZero() && returnPct.GreaterThanOrEqual(c.cfg.TakeProfitPct)
	if !hitSL && !hitTP {
		return false
	}

	c.closePosition(ctx, handle, *price)
	return true
}

// closePosition places a closing order, marks the position closed, and
// emits positionClosed. Failures are logged; the position is still removed
// from openPositions so a stuck venue can't wedge future saturation checks
// forever — this matches the spec's "do not retry" stance for executions.
func (c *CopyTrader) closePosition(ctx context.Context, handle string, exitPrice decimal.Decimal) {
	c.mu.Lock()
	pos, ok := c.openPositions[handle]
	if ok {
		delete(c.openPositions, handle)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	closeSide := types.Sell
	if pos.trade.Side == types.Sell {
		closeSide = types.Buy
	}

	_, err := c.execution.PlaceOrder(ctx, venueport.OrderSpec{
		Triple:    pos.triple,
		Side:      closeSide,
		Price:     exitPrice,
		Size:      pos.trade.Size,
		OrderKind: types.OrderKindLimit,
	})
	if err != nil {
		c.logger.Error("close position failed", "handle", handle, "error", err)
	}

	pnl := exitPrice.Sub(pos.trade.EntryPrice).Mul(pos.trade.Size)
	if pos.trade.Side == types.Sell {
		pnl = pnl.Neg()
	}
	pos.trade.ExitPrice = &exitPrice
	pos.trade.Status = "closed"
	pos.trade.PnL = &pnl

	c.publish("positionClosed", pos.trade)
}

// CloseAllPositions walks the open set sequentially, serialising each close
// call to avoid order storms against one venue (spec §4.6).
func (c *CopyTrader) CloseAllPositions(ctx context.Context) {
	c.mu.Lock()
	handles := make([]string, 0, len(c.openPositions))
	for h := range c.openPositions {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, handle := range handles {
		c.mu.Lock()
		pos, ok := c.openPositions[handle]
		c.mu.Unlock()
		if !ok {
			continue
		}
		c.closePosition(ctx, handle, c.exitPriceFor(ctx, pos))
	}
}

// exitPriceFor resolves the price an emergency close-all uses, preferring a
// live market read over the position's own entry price so a close-all
// doesn't force every closed position's realized PnL to zero by
// construction. Falls back to EntryPrice when no MarketDataPort is
// configured or the live lookup fails.
func (c *CopyTrader) exitPriceFor(ctx context.Context, pos *openPosition) decimal.Decimal {
	if c.marketData == nil {
		return pos.trade.EntryPrice
	}
	price, err := c.marketData.GetPrice(ctx, pos.triple.Venue, pos.triple.MarketID)
	if err != nil || price == nil {
		return pos.trade.EntryPrice
	}
	return *price
}

// OpenPositions returns a snapshot of the currently open copied trades.
func (c *CopyTrader) OpenPositions() []types.CopiedTrade {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.CopiedTrade, 0, len(c.openPositions))
	for _, p := range c.openPositions {
		out = append(out, p.trade)
	}
	return out
}

func (c *CopyTrader) skip(trade types.WhaleTrade, reason string) {
	c.totalSkipped.Add(1)
	c.publish("tradeSkipped", tradeSkippedEvent{Trade: trade, Reason: reason})
}

// TotalSkipped returns the running count of trades the decision pipeline
// declined to copy (spec §4.6 scenario 6), for operators who want a
// tracked counter rather than tallying "tradeSkipped" events off the bus.
func (c *CopyTrader) TotalSkipped() int64 {
	return c.totalSkipped.Load()
}

func (c *CopyTrader) publish(eventType string, data any) {
	if c.events != nil {
		c.events.Publish(eventType, data)
	}
}

// tradeSkippedEvent is published on the "tradeSkipped" event (spec §4.6).
type tradeSkippedEvent struct {
	Trade  types.WhaleTrade
	Reason string
}
