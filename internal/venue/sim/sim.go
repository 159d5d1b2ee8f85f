// Package sim is an in-memory simulated venue implementing
// internal/venueport's MarketDataPort/ExecutionPort/PortfolioProvider,
// for exercising internal/scheduler without a live venue connection (dev
// mode, integration tests). Its fill/slippage model is grounded on
// other_examples' s2ungeda-cexoms BacktestEngine.executeOrder: a fixed-bps
// slippage applied against the mid/last price, a flat trading fee, and
// running average-cost position bookkeeping. internal/backtest is a
// separate, already-complete replay engine with its own synthetic-fill path
// (TradeStore-backed, not this package) — this package exists purely as a
// lightweight live-style venue stand-in, not a second backtester.
package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/pmgateway/gateway/internal/venueport"
	"github.com/pmgateway/gateway/pkg/types"
)

// Config tunes the simulated venue's fill model.
type Config struct {
	SlippageBps   int64 // applied against the quoted price, widening against the taker
	TradingFeeBps int64
	StartingCash  decimal.Decimal
}

func (c Config) withDefaults() Config {
	if c.SlippageBps <= 0 {
		c.SlippageBps = 5
	}
	if c.StartingCash.IsZero() {
		c.StartingCash = decimal.NewFromInt(10_000)
	}
	return c
}

type simPosition struct {
	shares   decimal.Decimal
	avgCost  decimal.Decimal
	curPrice decimal.Decimal
}

// Venue is a simulated MarketDataPort + ExecutionPort + PortfolioProvider.
type Venue struct {
	cfg Config

	mu        sync.Mutex
	cash      decimal.Decimal
	positions map[types.MarketTriple]*simPosition
	prices    map[string]decimal.Decimal // marketID -> last known price
	orders    map[string]venueport.OrderResult
	nextID    int
}

// New creates a simulated venue seeded with the configured starting cash.
func New(cfg Config) *Venue {
	cfg = cfg.withDefaults()
	return &Venue{
		cfg:       cfg,
		cash:      cfg.StartingCash,
		positions: make(map[types.MarketTriple]*simPosition),
		prices:    make(map[string]decimal.Decimal),
		orders:    make(map[string]venueport.OrderResult),
	}
}

// SetPrice lets a test or dev harness drive the simulated market price for
// a given market ID, read back by GetPrice and used as the fill reference
// price by PlaceOrder.
func (v *Venue) SetPrice(marketID string, price decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prices[marketID] = price
}

// SubscribeTrades implements venueport.MarketDataPort; the simulated venue
// has no external trade feed to mirror, so this is a no-op subscription
// that never calls back, which is the correct behavior for a venue nothing
// else is trading against.
func (v *Venue) SubscribeTrades(ctx context.Context, marketID string, cb venueport.TradeCallback) error {
	return nil
}

// SubscribeOrderbook implements venueport.MarketDataPort; same rationale as
// SubscribeTrades — no order book ever moves except through PlaceOrder.
func (v *Venue) SubscribeOrderbook(ctx context.Context, marketID string, cb venueport.OrderbookCallback) error {
	return nil
}

// GetMarket implements venueport.MarketDataPort with a minimal metadata
// stand-in built from the last known simulated price.
func (v *Venue) GetMarket(ctx context.Context, venue, marketID string) (types.MarketMetadata, error) {
	v.mu.Lock()
	price, ok := v.prices[marketID]
	v.mu.Unlock()
	if !ok {
		price = decimal.NewFromFloat(0.5)
	}
	return types.MarketMetadata{
		Venue: venue, MarketID: marketID,
		BestBid: price, BestAsk: price, LastPrice: price,
	}, nil
}

// GetPrice implements venueport.MarketDataPort.
func (v *Venue) GetPrice(ctx context.Context, venue, marketID string) (*decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	price, ok := v.prices[marketID]
	if !ok {
		return nil, nil
	}
	return &price, nil
}

// PlaceOrder implements venueport.ExecutionPort, filling immediately at the
// simulated price plus fixed-bps slippage against the taker, per
// BacktestEngine.executeOrder's model.
func (v *Venue) PlaceOrder(ctx context.Context, spec venueport.OrderSpec) (venueport.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	price, ok := v.prices[spec.Triple.MarketID]
	if !ok {
		price = spec.Price
	}
	if price.IsZero() {
		price = spec.Price
	}

	slippage := price.Mul(decimal.NewFromInt(v.cfg.SlippageBps)).Div(decimal.NewFromInt(10_000))
	var fillPrice decimal.Decimal
	if spec.Side == types.Buy {
		fillPrice = price.Add(slippage)
	} else {
		fillPrice = price.Sub(slippage)
	}

	tradeValue := fillPrice.Mul(spec.Size)
	fee := tradeValue.Mul(decimal.NewFromInt(v.cfg.TradingFeeBps)).Div(decimal.NewFromInt(10_000))

	pos, exists := v.positions[spec.Triple]
	if !exists {
		pos = &simPosition{}
		v.positions[spec.Triple] = pos
	}

	if spec.Side == types.Buy {
		totalCost := tradeValue.Add(fee)
		if v.cash.LessThan(totalCost) {
			return venueport.OrderResult{Success: false, Error: "insufficient simulated cash"}, fmt.Errorf("insufficient simulated cash")
		}
		v.cash = v.cash.Sub(totalCost)
		newShares := pos.shares.Add(spec.Size)
		if newShares.GreaterThan(decimal.Zero) {
			pos.avgCost = pos.shares.Mul(pos.avgCost).Add(tradeValue).Div(newShares)
		}
		pos.shares = newShares
	} else {
		if pos.shares.LessThan(spec.Size) {
			return venueport.OrderResult{Success: false, Error: "insufficient simulated position"}, fmt.Errorf("insufficient simulated position")
		}
		proceeds := tradeValue.Sub(fee)
		v.cash = v.cash.Add(proceeds)
		pos.shares = pos.shares.Sub(spec.Size)
	}
	pos.curPrice = fillPrice
	v.prices[spec.Triple.MarketID] = fillPrice

	v.nextID++
	orderID := fmt.Sprintf("sim-%d", v.nextID)
	result := venueport.OrderResult{
		Success: true, OrderID: orderID, Status: "filled",
		FilledSize: spec.Size, AvgFillPrice: fillPrice,
	}
	v.orders[orderID] = result
	return result, nil
}

// CancelOrder implements venueport.ExecutionPort; simulated fills are
// immediate and synchronous, so there is never anything left to cancel.
func (v *Venue) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	return false, nil
}

// GetOrderStatus implements venueport.ExecutionPort.
func (v *Venue) GetOrderStatus(ctx context.Context, orderID string) (venueport.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	result, ok := v.orders[orderID]
	if !ok {
		return venueport.OrderResult{}, fmt.Errorf("unknown simulated order %s", orderID)
	}
	return result, nil
}

// Snapshot implements venueport.PortfolioProvider.
func (v *Venue) Snapshot(ctx context.Context) (venueport.PortfolioSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var positionsValue decimal.Decimal
	positions := make([]types.Position, 0, len(v.positions))
	for triple, pos := range v.positions {
		if pos.shares.IsZero() {
			continue
		}
		value := pos.shares.Mul(pos.curPrice)
		positionsValue = positionsValue.Add(value)
		positions = append(positions, types.Position{
			Triple: triple, Shares: pos.shares, AvgPrice: pos.avgCost, CurrentPrice: pos.curPrice,
		})
	}

	return venueport.PortfolioSnapshot{
		Value:     v.cash.Add(positionsValue),
		Balance:   v.cash,
		Positions: positions,
	}, nil
}

var (
	_ venueport.MarketDataPort    = (*Venue)(nil)
	_ venueport.ExecutionPort     = (*Venue)(nil)
	_ venueport.PortfolioProvider = (*Venue)(nil)
)
