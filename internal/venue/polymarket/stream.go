package polymarket

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	sdkws "github.com/GoPolymarket/polymarket-go-sdk/pkg/clob/ws"

	"github.com/pmgateway/gateway/internal/venueport"
	"github.com/pmgateway/gateway/pkg/types"
)

// Stream wraps the SDK's ws.Client, replacing the teacher's hand-rolled
// gorilla/websocket reconnect loop (internal/exchange/ws.go) with the SDK's
// own subscription channels (ws.Client.SubscribeOrderbook/SubscribeUserTrades,
// per other_examples/GoPolymarket-polymarket-trader's internal/app/app.go).
// The SDK owns the dial/ping/reconnect mechanics internally; this adapter's
// job is just bridging its typed channels onto venueport's callback-style
// subscriptions and whale.TradeStream's push-callback contract.
type Stream struct {
	ws     sdkws.Client
	logger *slog.Logger
}

// NewStream builds a Stream around an SDK ws.Client constructed by the caller.
func NewStream(wsClient sdkws.Client, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{ws: wsClient, logger: logger.With("component", "polymarket_stream")}
}

// SubscribeOrderbook implements venueport.MarketDataPort.
func (s *Stream) SubscribeOrderbook(ctx context.Context, marketID string, cb venueport.OrderbookCallback) error {
	ch, err := s.ws.SubscribeOrderbook(ctx, []string{marketID})
	if err != nil {
		return fmt.Errorf("subscribe orderbook: %w", err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				cb(convertOrderbookEvent(ev))
			}
		}
	}()
	return nil
}

// SubscribeTrades implements venueport.MarketDataPort using the user-trades
// channel. It is also reused directly as a whale.TradeStream: see Stream().
func (s *Stream) SubscribeTrades(ctx context.Context, marketID string, cb venueport.TradeCallback) error {
	ch, err := s.ws.SubscribeUserTrades(ctx, []string{marketID})
	if err != nil {
		return fmt.Errorf("subscribe trades: %w", err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				cb(convertTradeEvent(ev))
			}
		}
	}()
	return nil
}

// Stream implements whale.TradeStream: a global trade feed across all
// tracked markets, used by internal/whale.Tracker to observe large trades
// irrespective of which specific market the strategy layer cares about.
// marketIDs is configured at construction via WithMarkets, since the CLOB
// WS requires an explicit asset/market list rather than a firehose.
func (s *Stream) StreamMarkets(ctx context.Context, marketIDs []string, onTrade func(types.WhaleTrade)) error {
	ch, err := s.ws.SubscribeUserTrades(ctx, marketIDs)
	if err != nil {
		return fmt.Errorf("subscribe whale trade stream: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return fmt.Errorf("trade stream closed")
			}
			onTrade(convertTradeEvent(ev))
		}
	}
}

// WhaleStream adapts Stream to internal/whale.TradeStream's fixed-signature
// contract (Stream(ctx, onTrade) error) by closing over the configured
// market list the tracker should watch.
type WhaleStream struct {
	stream    *Stream
	marketIDs []string
}

// NewWhaleStream builds a whale.TradeStream over the given markets.
func NewWhaleStream(stream *Stream, marketIDs []string) *WhaleStream {
	return &WhaleStream{stream: stream, marketIDs: marketIDs}
}

// Stream implements internal/whale.TradeStream.
func (w *WhaleStream) Stream(ctx context.Context, onTrade func(types.WhaleTrade)) error {
	return w.stream.StreamMarkets(ctx, w.marketIDs, onTrade)
}

func convertOrderbookEvent(ev sdkws.OrderbookEvent) venueport.Orderbook {
	return venueport.Orderbook{
		Triple:    types.MarketTriple{Venue: "polymarket", MarketID: ev.Market, Outcome: ev.AssetID},
		Bids:      convertLevels(ev.Bids),
		Asks:      convertLevels(ev.Asks),
		Timestamp: time.Now(),
	}
}

func convertLevels(levels []sdkws.PriceLevel) []venueport.PriceLevel {
	out := make([]venueport.PriceLevel, 0, len(levels))
	for _, l := range levels {
		price, _ := decimal.NewFromString(l.Price)
		size, _ := decimal.NewFromString(l.Size)
		out = append(out, venueport.PriceLevel{Price: price, Size: size})
	}
	return out
}

func convertTradeEvent(ev sdkws.TradeEvent) types.WhaleTrade {
	price, _ := decimal.NewFromString(ev.Price)
	size, _ := decimal.NewFromString(ev.Size)
	return types.WhaleTrade{
		Maker:     ev.Owner,
		MarketID:  ev.Market,
		Outcome:   ev.AssetID,
		Side:      sideFromString(ev.Side),
		Price:     price,
		Size:      size,
		Timestamp: time.Now(),
	}
}

func sideFromString(s string) types.Side {
	if s == "SELL" {
		return types.Sell
	}
	return types.Buy
}
