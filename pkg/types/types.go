// Package types defines the shared data model for the trading gateway —
// trades, positions, strategy configuration, signals, and the whale/swarm
// vocabulary. It has no dependencies on internal packages so every layer
// (scheduler, backtester, whale tracker, swarm executor, venue adapters) can
// import it without cycles.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderKind enumerates how a trade's intent was expressed.
type OrderKind string

const (
	OrderKindMarket OrderKind = "market"
	OrderKindLimit  OrderKind = "limit"
	OrderKindMaker  OrderKind = "maker"
)

// TradeStatus is the lifecycle state of a Trade.
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "pending"
	TradeStatusPartial   TradeStatus = "partial"
	TradeStatusFilled    TradeStatus = "filled"
	TradeStatusCancelled TradeStatus = "cancelled"
	TradeStatusFailed    TradeStatus = "failed"
)

// SignalType is a strategy's declared intent for one evaluation.
type SignalType string

const (
	SignalBuy   SignalType = "buy"
	SignalSell  SignalType = "sell"
	SignalHold  SignalType = "hold"
	SignalClose SignalType = "close"
)

// BotState is the Scheduler's lifecycle state for one registered strategy.
type BotState string

const (
	BotStopped BotState = "stopped"
	BotRunning BotState = "running"
	BotPaused  BotState = "paused"
	BotError   BotState = "error"
)

// ————————————————————————————————————————————————————————————————————————
// Market triple
// ————————————————————————————————————————————————————————————————————————

// MarketTriple is the canonical (venue, marketId, outcome) identity used as
// the primary key for positions and for aggregating trades.
type MarketTriple struct {
	Venue    string
	MarketID string
	Outcome  string
}

// MarketMetadata is the subset of venue market data a strategy reads.
type MarketMetadata struct {
	Venue       string
	MarketID    string
	Outcome     string
	Question    string
	BestBid     decimal.Decimal
	BestAsk     decimal.Decimal
	LastPrice   decimal.Decimal
	Closed      bool
	EndDate     time.Time
	UpdatedAt   time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Trade
// ————————————————————————————————————————————————————————————————————————

// Trade is the authoritative, immutable-identity record of an order and its
// fills. A trade is created on intent placement (logTrade) and mutated only
// by the TradeLogger thereafter.
type Trade struct {
	ID       string
	Venue    string
	MarketID string
	// MarketQuestion is a human-readable snapshot of the market's question
	// text at the time the trade was logged, carried for CSV export and
	// display without a join back to live market metadata.
	MarketQuestion string
	Outcome        string

	Side      Side
	OrderKind OrderKind

	Price decimal.Decimal // intended/limit price
	Size  decimal.Decimal // intended size

	Filled decimal.Decimal // cumulative filled size
	Cost   decimal.Decimal // price * size at creation; updated on fill
	Fees   decimal.Decimal

	Status TradeStatus

	StrategyID   string
	StrategyName string
	Tags         []string

	EntryTradeID *string
	ExitTradeID  *string

	RealizedPnL    *decimal.Decimal
	RealizedPnLPct *decimal.Decimal

	CreatedAt time.Time
	FilledAt  *time.Time

	Meta map[string]any
}

// Position is a derived view over the open trade set for one market triple.
// Never persisted as the source of truth; recomputed on demand.
type Position struct {
	Triple       MarketTriple
	Shares       decimal.Decimal
	AvgPrice     decimal.Decimal
	CurrentPrice decimal.Decimal
}

// PriceLevel is a single bid/ask level in an order book.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderbookSnapshot is a point-in-time order book view: delivered live by a
// MarketDataPort subscription, or attached to a backtest StrategyContext
// when the replay includes order book data (spec §4.4 step 4).
type OrderbookSnapshot struct {
	Triple    MarketTriple
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Strategy
// ————————————————————————————————————————————————————————————————————————

// StrategyConfig is the persisted, operator-authored description of one
// registered strategy.
type StrategyConfig struct {
	ID          string
	Name        string
	Description string

	Venues       []string
	MarketFilter *string

	IntervalMs int64

	MaxPositionSize *decimal.Decimal
	MaxExposure     *decimal.Decimal
	StopLossPct     *float64
	TakeProfitPct   *float64

	Enabled bool
	DryRun  bool

	Params map[string]any
}

// BotStatus is the Scheduler's in-memory + persisted per-strategy state.
type BotStatus struct {
	ID string

	TradesCount int
	TotalPnL    decimal.Decimal
	WinRate     float64

	State BotState

	StartedAt   *time.Time
	LastCheck   *time.Time
	LastSignal  *Signal
	LastError   string
}

// Signal is a strategy's transient, per-evaluation declared intent.
type Signal struct {
	Type   SignalType
	Triple MarketTriple

	Price      *decimal.Decimal
	Size       *decimal.Decimal
	SizePct    *float64
	Confidence *float64
	Reason     string
	Meta       map[string]any
}

// StrategyContext is the read-only per-evaluation snapshot a strategy sees.
type StrategyContext struct {
	PortfolioValue decimal.Decimal
	Balance        decimal.Decimal

	Positions map[MarketTriple]Position

	// RecentTrades is capped at 100 entries, newest first, per §4.2 step 2.
	RecentTrades []Trade

	Markets map[string]MarketMetadata

	// PriceHistory is a bounded, per-market-triple rolling window of recent
	// prices (see internal/ringbuffer).
	PriceHistory map[MarketTriple][]decimal.Decimal

	// Orderbooks is only populated when the caller opts into order book
	// data: live, via MarketDataPort.SubscribeOrderbook; in a backtest, via
	// BacktestConfig.IncludeOrderbook (nearest snapshot within 60s of the
	// current tick).
	Orderbooks map[MarketTriple]OrderbookSnapshot

	Timestamp  time.Time
	IsBacktest bool
}

// ————————————————————————————————————————————————————————————————————————
// Whale tracking
// ————————————————————————————————————————————————————————————————————————

// WhaleTrade is a large trade observed on an external venue.
type WhaleTrade struct {
	Timestamp time.Time
	MarketID  string
	Outcome   string
	Side      Side
	Price     decimal.Decimal
	Size      decimal.Decimal
	USDValue  decimal.Decimal
	Maker     string
	Taker     string
	TxHash    *string
}

// WhalePosition is a large position observed on an external venue.
type WhalePosition struct {
	Address       string
	MarketID      string
	Outcome       string
	Size          decimal.Decimal
	AvgEntryPrice decimal.Decimal
	USDValue      decimal.Decimal
	UnrealizedPnL decimal.Decimal
	LastUpdated   time.Time
}

// WhaleProfile aggregates everything known about one tracked address.
//
// WinRate and AvgReturnPct are derived from this process's own observed
// position open/close pairs (see DESIGN.md "Open Questions"), not from a
// full on-chain history. SampleSize is the number of closed positions the
// derivation is based on, so callers can judge confidence.
type WhaleProfile struct {
	Address      string
	TotalValue   decimal.Decimal
	WinRate      float64
	AvgReturnPct float64
	SampleSize   int

	Positions    []WhalePosition
	RecentTrades []WhaleTrade

	FirstSeen  time.Time
	LastActive time.Time
}

// CopiedTrade records one trade the CopyTrader placed in response to a
// WhaleTrade.
type CopiedTrade struct {
	OriginalTradeRef string
	CopiedAt         time.Time
	Side             Side
	Size             decimal.Decimal
	EntryPrice       decimal.Decimal
	ExitPrice        *decimal.Decimal
	Status           string
	PnL              *decimal.Decimal
	OrderHandle      string
}

// ————————————————————————————————————————————————————————————————————————
// Swarm
// ————————————————————————————————————————————————————————————————————————

// SwarmWallet is one signing identity available to the SwarmExecutor.
type SwarmWallet struct {
	ID        string
	PublicKey string

	SolBalance    decimal.Decimal
	TokenBalances map[string]decimal.Decimal // mint -> amount

	LastTradeAt *time.Time
	Enabled     bool
}

// SwarmPosition is a derived, cross-wallet view of holdings in one mint.
// Always recomputed by querying chain state on demand before a sell.
type SwarmPosition struct {
	Mint        string
	Total       decimal.Decimal
	PerWallet   map[string]decimal.Decimal
	LastUpdated time.Time
}

// SwarmMode selects how the SwarmExecutor fans out one intent.
type SwarmMode string

const (
	SwarmParallel    SwarmMode = "parallel"
	SwarmBundle      SwarmMode = "bundle"
	SwarmMultiBundle SwarmMode = "multi_bundle"
	SwarmSequential  SwarmMode = "sequential"
)

// SwarmIntent is the single trading intent fanned out across N wallets.
type SwarmIntent struct {
	Mint              string
	Action            Side
	AmountPerWallet   decimal.Decimal
	AmountVariancePct float64
	IsPercentage      bool // true when AmountPerWallet is a % of on-chain position (sells)

	Mode          SwarmMode // zero value = use defaults by wallet count
	WalletIDs     []string  // optional explicit subset
	RateLimitMs   int64
	ConfirmTimeoutMs int64
}

// SwarmWalletResult is one wallet's outcome within a SwarmTradeResult.
type SwarmWalletResult struct {
	WalletID string
	Success  bool
	Handle   string // tx signature or bundle-relative handle
	Error    string
}

// SwarmTradeResult is the aggregated outcome of one SwarmExecutor dispatch.
type SwarmTradeResult struct {
	Mode      SwarmMode
	Wallets   []SwarmWalletResult
	BundleIDs []string

	TotalUSDSpent   decimal.Decimal
	TotalTokensMoved decimal.Decimal
	Elapsed         time.Duration
	Errors          []string
}
