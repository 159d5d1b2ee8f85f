// Package venueport defines the abstract ports the trading core depends on
// (spec §6). Venue protocol handling (REST/WebSocket wire formats, auth,
// signing) is opaque behind these interfaces — internal/venue/polymarket
// and internal/venue/sim are the two adapters shipped in this repository.
package venueport

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/pmgateway/gateway/pkg/types"
)

// TradeCallback receives trade events from a MarketDataPort subscription.
// Consumers must tolerate duplicate deliveries and events that are not
// strictly ordered across distinct market triples.
type TradeCallback func(types.WhaleTrade)

// OrderbookCallback receives orderbook snapshots from a MarketDataPort subscription.
type OrderbookCallback func(Orderbook)

// Orderbook is a minimal bid/ask snapshot delivered to subscribers; the same
// shape is attached to a backtest StrategyContext, so this is a plain alias
// over the shared domain type rather than a parallel definition.
type Orderbook = types.OrderbookSnapshot

// PriceLevel is a single bid/ask level.
type PriceLevel = types.PriceLevel

// MarketDataPort is the abstract subscription surface for prices,
// orderbooks, and venue trade events.
type MarketDataPort interface {
	SubscribeTrades(ctx context.Context, marketID string, cb TradeCallback) error
	SubscribeOrderbook(ctx context.Context, marketID string, cb OrderbookCallback) error
	GetMarket(ctx context.Context, venue, marketID string) (types.MarketMetadata, error)
	// GetPrice returns nil when no price is currently known for the market.
	GetPrice(ctx context.Context, venue, marketID string) (*decimal.Decimal, error)
}

// OrderSpec is the venue-agnostic order placement request.
type OrderSpec struct {
	Triple        types.MarketTriple
	Side          types.Side
	Price         decimal.Decimal
	Size          decimal.Decimal
	OrderKind     types.OrderKind
	SlippageBound *decimal.Decimal
}

// OrderResult is the outcome of an ExecutionPort.PlaceOrder call.
type OrderResult struct {
	Success      bool
	OrderID      string
	Status       string
	FilledSize   decimal.Decimal
	AvgFillPrice decimal.Decimal
	Error        string
}

// ExecutionPort is the abstract order placement / cancellation / status surface.
type ExecutionPort interface {
	PlaceOrder(ctx context.Context, spec OrderSpec) (OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	GetOrderStatus(ctx context.Context, orderID string) (OrderResult, error)
}

// PortfolioSnapshot is returned by PortfolioProvider.Snapshot, invoked once
// per strategy tick by the Scheduler's StrategyContext builder.
type PortfolioSnapshot struct {
	Value     decimal.Decimal
	Balance   decimal.Decimal
	Positions []types.Position
}

// PortfolioProvider supplies the portfolio view for StrategyContext.
type PortfolioProvider interface {
	Snapshot(ctx context.Context) (PortfolioSnapshot, error)
}

// PositionQuery is the venue-native balance check the SwarmExecutor uses to
// verify sellable balances directly from chain state; it must never trust a
// locally cached position for a sell decision.
type PositionQuery interface {
	OnChainPosition(ctx context.Context, walletPublicKey, mint string) (decimal.Decimal, error)
	OnChainSolBalance(ctx context.Context, walletPublicKey string) (decimal.Decimal, error)
}
