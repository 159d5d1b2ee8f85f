// Maker implements the Avellaneda-Stoikov market-making algorithm as a
// types.Strategy, so the Scheduler and BacktestEngine can drive it through
// the identical evaluate/signal loop any other strategy uses.
//
// The core idea carries over unchanged from the teacher: post a bid below
// and an ask above a "reservation price" that accounts for inventory risk.
// When long, lower quotes to attract sellers; when short, raise them to
// attract buyers. What changed is the wiring around that core: the teacher
// ran one Maker per market with its own order ledger, live order book, and
// direct exchange.Client; this Maker runs an arbitrary set of MarketTriples
// behind the generic Strategy interface, reads positions and recent fills
// from types.StrategyContext instead of a private Book/Inventory replay,
// and returns types.Signal values instead of placing orders itself — the
// Scheduler (or BacktestEngine) owns order placement and risk limits.
//
// Per-triple, per-tick flow:
//  1. Resolve a mid price (StrategyContext first, falling back to a live
//     MarketDataPort quote for markets with no position/history yet).
//  2. Compute reservation price:  r = mid - q * gamma * sigma^2 * T
//  3. Compute optimal spread:     delta = gamma * sigma^2 * T + (2/gamma) * ln(1 + gamma/k)
//  4. Derive bid = r - delta/2, ask = r + delta/2, clamped to (0, 1).
//  5. Skip re-quoting a side whose price/size hasn't moved meaningfully
//     since the last tick, to avoid flooding the book with near-duplicate
//     orders every IntervalMs (the generic Signal model has no persistent
//     per-order handle a strategy can cancel-and-replace, unlike the
//     teacher's reconcileOrders against its own activeOrders ledger).
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pmgateway/gateway/internal/venueport"
	"github.com/pmgateway/gateway/pkg/types"
)

// MakerConfig tunes the Avellaneda-Stoikov algorithm.
//
//   - Gamma: risk aversion. Higher = tighter spread, less inventory risk.
//   - Sigma: estimated price volatility.
//   - K:     order arrival rate. Higher K = more aggressive quotes.
//   - T:     time horizon (same units Gamma/Sigma were calibrated in).
//   - DefaultSpreadBps: minimum spread floor in basis points.
//   - OrderSizeUSD: target notional size per order.
//   - MinOrderSize: smallest order size (in shares) worth posting.
//   - TickSize: price increment quotes are rounded to.
//
// Flow detection (toxic fill bursts widen the spread):
//   - FlowWindow, FlowToxicityThreshold, FlowCooldownPeriod, FlowMaxSpreadMultiplier.
type MakerConfig struct {
	Gamma            float64
	Sigma            float64
	K                float64
	T                float64
	DefaultSpreadBps int64
	OrderSizeUSD     float64
	MinOrderSize     float64
	TickSize         decimal.Decimal

	FlowWindow              time.Duration
	FlowToxicityThreshold   float64
	FlowCooldownPeriod      time.Duration
	FlowMaxSpreadMultiplier float64

	// RequoteTolerancePct is how far a side's price or size must move (as
	// a fraction of its previous quoted value) before it is re-signalled.
	RequoteTolerancePct float64
}

func (c MakerConfig) withDefaults() MakerConfig {
	if c.Gamma <= 0 {
		c.Gamma = 0.1
	}
	if c.Sigma <= 0 {
		c.Sigma = 0.3
	}
	if c.K <= 0 {
		c.K = 1.5
	}
	if c.T <= 0 {
		c.T = 1.0
	}
	if c.DefaultSpreadBps <= 0 {
		c.DefaultSpreadBps = 200
	}
	if c.MinOrderSize <= 0 {
		c.MinOrderSize = 5
	}
	if c.TickSize.IsZero() {
		c.TickSize = decimal.NewFromFloat(0.01)
	}
	if c.FlowWindow <= 0 {
		c.FlowWindow = 60 * time.Second
	}
	if c.FlowToxicityThreshold <= 0 {
		c.FlowToxicityThreshold = 0.6
	}
	if c.FlowCooldownPeriod <= 0 {
		c.FlowCooldownPeriod = 120 * time.Second
	}
	if c.FlowMaxSpreadMultiplier <= 0 {
		c.FlowMaxSpreadMultiplier = 3.0
	}
	if c.RequoteTolerancePct <= 0 {
		c.RequoteTolerancePct = 0.1
	}
	return c
}

// quotedSide records the last quote emitted for one side of one triple, so
// evaluateMarket can skip re-signalling a side that hasn't moved.
type quotedSide struct {
	price float64
	size  float64
}

// marketState is one triple's flow-toxicity tracker and last-quote memory.
type marketState struct {
	flowTracker *FlowTracker
	seenTrades  map[string]bool
	lastBid     *quotedSide
	lastAsk     *quotedSide
}

// Maker is a types.Strategy running Avellaneda-Stoikov quoting across an
// arbitrary set of MarketTriples.
type Maker struct {
	cfg       types.StrategyConfig
	quoting   MakerConfig
	markets   []types.MarketTriple
	inventory *Inventory

	// marketData is consulted only when neither StrategyContext.PriceHistory
	// nor StrategyContext.Markets has a price yet for a triple (i.e. live
	// mode, before any position exists). Nil in backtest use, where the
	// replay always seeds PriceHistory directly.
	marketData venueport.MarketDataPort

	logger *slog.Logger

	mu     sync.Mutex
	states map[types.MarketTriple]*marketState
}

// NewMaker builds a Maker quoting every triple in markets. marketData may
// be nil when the strategy will only ever run against a BacktestEngine.
func NewMaker(cfg types.StrategyConfig, quoting MakerConfig, markets []types.MarketTriple, marketData venueport.MarketDataPort, logger *slog.Logger) *Maker {
	maxSize := decimal.Zero
	if cfg.MaxPositionSize != nil {
		maxSize = *cfg.MaxPositionSize
	}
	return &Maker{
		cfg:        cfg,
		quoting:    quoting.withDefaults(),
		markets:    markets,
		inventory:  NewInventory(maxSize),
		marketData: marketData,
		logger:     logger.With("component", "maker", "strategy", cfg.ID),
		states:     make(map[types.MarketTriple]*marketState),
	}
}

// Config implements types.Strategy.
func (m *Maker) Config() types.StrategyConfig { return m.cfg }

func (m *Maker) state(triple types.MarketTriple) *marketState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[triple]
	if !ok {
		st = &marketState{
			flowTracker: NewFlowTracker(m.quoting.FlowWindow, m.quoting.FlowToxicityThreshold, m.quoting.FlowCooldownPeriod, m.quoting.FlowMaxSpreadMultiplier),
			seenTrades:  make(map[string]bool),
		}
		m.states[triple] = st
	}
	return st
}

// Evaluate implements types.Strategy, quoting every configured triple
// independently; a failure on one triple is logged and does not prevent
// the others from being evaluated.
func (m *Maker) Evaluate(ctx context.Context, sctx types.StrategyContext) ([]types.Signal, error) {
	var signals []types.Signal
	for _, triple := range m.markets {
		sigs, err := m.evaluateMarket(ctx, sctx, triple)
		if err != nil {
			m.logger.Error("evaluate market failed", "market", triple.MarketID, "outcome", triple.Outcome, "error", err)
			continue
		}
		signals = append(signals, sigs...)
	}
	return signals, nil
}

func (m *Maker) evaluateMarket(ctx context.Context, sctx types.StrategyContext, triple types.MarketTriple) ([]types.Signal, error) {
	mid, ok := m.midPrice(ctx, sctx, triple)
	if !ok || mid <= 0 {
		return nil, nil
	}

	st := m.state(triple)
	m.absorbFills(st, sctx.RecentTrades, triple)

	pos := sctx.Positions[triple]
	quotes, err := m.computeQuotes(mid, pos, st)
	if err != nil {
		return nil, fmt.Errorf("compute quotes: %w", err)
	}

	var signals []types.Signal
	if quotes.bid != nil && m.shouldRequote(st.lastBid, *quotes.bid) {
		bid := *quotes.bid
		st.lastBid = &bid
		signals = append(signals, bidAskSignal(types.SignalBuy, triple, bid.price, bid.size))
	}
	if quotes.ask != nil && m.shouldRequote(st.lastAsk, *quotes.ask) {
		ask := *quotes.ask
		st.lastAsk = &ask
		signals = append(signals, bidAskSignal(types.SignalSell, triple, ask.price, ask.size))
	}
	return signals, nil
}

func bidAskSignal(t types.SignalType, triple types.MarketTriple, price, size float64) types.Signal {
	p := decimal.NewFromFloat(price)
	s := decimal.NewFromFloat(size)
	return types.Signal{Type: t, Triple: triple, Price: &p, Size: &s, Reason: "avellaneda_stoikov"}
}

// midPrice prefers StrategyContext's own data (works identically in live
// and backtest) and only reaches for the live MarketDataPort when neither
// is populated yet, e.g. before this triple has ever held a position.
func (m *Maker) midPrice(ctx context.Context, sctx types.StrategyContext, triple types.MarketTriple) (float64, bool) {
	if hist := sctx.PriceHistory[triple]; len(hist) > 0 {
		p, _ := hist[len(hist)-1].Float64()
		return p, true
	}
	if meta, ok := sctx.Markets[triple.MarketID]; ok {
		if mid, ok := midFromMetadata(meta); ok {
			return mid, true
		}
	}
	if m.marketData == nil {
		return 0, false
	}
	price, err := m.marketData.GetPrice(ctx, triple.Venue, triple.MarketID)
	if err != nil || price == nil {
		return 0, false
	}
	p, _ := price.Float64()
	return p, true
}

func midFromMetadata(meta types.MarketMetadata) (float64, bool) {
	if !meta.BestBid.IsZero() && !meta.BestAsk.IsZero() {
		mid := meta.BestBid.Add(meta.BestAsk).Div(decimal.NewFromInt(2))
		f, _ := mid.Float64()
		return f, true
	}
	if !meta.LastPrice.IsZero() {
		f, _ := meta.LastPrice.Float64()
		return f, true
	}
	return 0, false
}

// absorbFills feeds newly-seen fills for this triple into the flow
// tracker, keyed by trade ID so a trade already processed on a prior tick
// (RecentTrades is a rolling window, not a delta) is never double-counted.
func (m *Maker) absorbFills(st *marketState, recent []types.Trade, triple types.MarketTriple) {
	for _, tr := range recent {
		if tr.Venue != triple.Venue || tr.MarketID != triple.MarketID || tr.Outcome != triple.Outcome {
			continue
		}
		if tr.FilledAt == nil || tr.Filled.IsZero() {
			continue
		}
		if st.seenTrades[tr.ID] {
			continue
		}
		st.seenTrades[tr.ID] = true

		price, _ := tr.Price.Float64()
		size, _ := tr.Filled.Float64()
		st.flowTracker.AddFill(Fill{
			Timestamp: *tr.FilledAt,
			Side:      tr.Side,
			Price:     price,
			Size:      size,
			TradeID:   tr.ID,
		})
	}
}

type quotePair struct {
	bid *quotedSide
	ask *quotedSide
}

// computeQuotes implements the Avellaneda-Stoikov model.
//
//	reservation_price = mid - q * gamma * sigma^2 * T
//	optimal_spread    = gamma * sigma^2 * T + (2/gamma) * ln(1 + gamma/k)
//	bid = reservation_price - optimal_spread/2
//	ask = reservation_price + optimal_spread/2
func (m *Maker) computeQuotes(mid float64, pos types.Position, st *marketState) (quotePair, error) {
	q := m.inventory.NetDelta(pos)
	gamma, sigma, k, T := m.quoting.Gamma, m.quoting.Sigma, m.quoting.K, m.quoting.T
	minSpread := float64(m.quoting.DefaultSpreadBps) / 10000.0
	tick, _ := m.quoting.TickSize.Float64()
	if tick <= 0 {
		tick = 0.01
	}

	flowMultiplier := st.flowTracker.GetSpreadMultiplier()
	minSpread *= flowMultiplier

	reservationPrice := mid - q*gamma*sigma*sigma*T

	optSpread := gamma*sigma*sigma*T + (2.0/gamma)*math.Log(1+gamma/k)
	optSpread *= flowMultiplier

	bidRaw := reservationPrice - optSpread/2
	askRaw := reservationPrice + optSpread/2

	if (askRaw - bidRaw) < minSpread {
		bidRaw = reservationPrice - minSpread/2
		askRaw = reservationPrice + minSpread/2
	}

	bidRaw = clamp(bidRaw, tick, 1-tick)
	askRaw = clamp(askRaw, tick, 1-tick)
	if bidRaw >= askRaw {
		bidRaw = askRaw - tick
	}
	if bidRaw < tick {
		bidRaw = tick
	}

	bidPrice := roundDownToTick(bidRaw, tick)
	askPrice := roundUpToTick(askRaw, tick)
	if bidPrice >= askPrice {
		askPrice = bidPrice + tick
	}

	absQ := math.Abs(q)
	sizeFactor := 1.0 - 0.5*absQ // reduce size when heavily positioned
	baseSize := m.quoting.OrderSizeUSD / mid
	bidSize := math.Max(baseSize*sizeFactor, m.quoting.MinOrderSize)
	askSize := math.Max(baseSize*sizeFactor, m.quoting.MinOrderSize)

	var out quotePair
	if bidPrice > 0 && bidPrice < 1 && bidSize >= m.quoting.MinOrderSize {
		out.bid = &quotedSide{price: bidPrice, size: bidSize}
	}
	if askPrice > 0 && askPrice < 1 && askSize >= m.quoting.MinOrderSize {
		out.ask = &quotedSide{price: askPrice, size: askSize}
	}

	m.logger.Debug("quotes computed",
		"mid", mid, "q", q, "reservation", reservationPrice,
		"bid", bidPrice, "ask", askPrice, "flow_spread_multiplier", flowMultiplier,
	)

	return out, nil
}

// shouldRequote reports whether a newly-computed side differs enough from
// the last one signalled to be worth emitting again.
func (m *Maker) shouldRequote(last *quotedSide, next quotedSide) bool {
	if last == nil || last.price <= 0 {
		return true
	}
	priceMove := math.Abs(next.price-last.price) / last.price
	sizeMove := 0.0
	if last.size > 0 {
		sizeMove = math.Abs(next.size-last.size) / last.size
	}
	return priceMove > m.quoting.RequoteTolerancePct || sizeMove > m.quoting.RequoteTolerancePct
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func roundDownToTick(v, tick float64) float64 {
	return math.Floor(v/tick) * tick
}

func roundUpToTick(v, tick float64) float64 {
	return math.Ceil(v/tick) * tick
}

var _ types.Strategy = (*Maker)(nil)
