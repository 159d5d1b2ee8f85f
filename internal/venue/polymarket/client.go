// Package polymarket adapts the Polymarket CLOB to the gateway's
// venue-agnostic ports (internal/venueport). Where the teacher
// (0xtitan6-polymarket-mm) hand-rolled REST calls and EIP-712/HMAC signing
// against resty directly (internal/exchange/{client,auth}.go), this package
// delegates order construction, signing, and placement to
// github.com/GoPolymarket/polymarket-go-sdk's clob.Client/OrderBuilder and
// auth.Signer, following the call shape demonstrated in
// other_examples/GoPolymarket-polymarket-trader's internal/app/app.go
// (clob.NewOrderBuilder(...).TokenID(...).Side(...).Price(...).AmountUSDC(...).
// OrderType(...), BuildSignableWithContext/BuildMarketWithContext, then
// CreateOrderFromSignable). This replaces the teacher's hand-rolled
// PriceToAmounts big.Int scaling entirely: the SDK owns the on-chain
// amount encoding.
package polymarket

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	sdkclob "github.com/GoPolymarket/polymarket-go-sdk/pkg/clob"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob/clobtypes"

	"github.com/pmgateway/gateway/internal/gatewayerr"
	"github.com/pmgateway/gateway/internal/venueport"
	"github.com/pmgateway/gateway/pkg/types"
)

// ClientConfig configures the CLOB REST client.
type ClientConfig struct {
	BaseURL string
	DryRun  bool
}

// Client implements venueport.ExecutionPort against the Polymarket CLOB,
// plus the market-metadata/order-book reads venueport.MarketDataPort needs
// outside of live WS subscriptions.
type Client struct {
	clob   sdkclob.Client
	auth   *Auth
	dryRun bool
	logger *slog.Logger

	markets *marketRegistry
}

// NewClient builds a Client around an SDK clob.Client constructed by the
// caller (internal/config wires BaseURL/credentials at startup), paired with
// this package's Auth for signing.
func NewClient(clobClient sdkclob.Client, auth *Auth, cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		clob:    clobClient,
		auth:    auth,
		dryRun:  cfg.DryRun,
		logger:  logger.With("component", "polymarket_client"),
		markets: newMarketRegistry(),
	}
}

// PlaceOrder implements venueport.ExecutionPort.
func (c *Client) PlaceOrder(ctx context.Context, spec venueport.OrderSpec) (venueport.OrderResult, error) {
	tokenID, err := c.markets.tokenID(spec.Triple)
	if err != nil {
		return venueport.OrderResult{}, gatewayerr.New(gatewayerr.Invalid, "polymarket.PlaceOrder", err)
	}

	side := clobSide(spec.Side)
	price, _ := spec.Price.Float64()
	size, _ := spec.Size.Float64()

	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order", "token", tokenID, "side", side, "price", price, "size", size)
		return venueport.OrderResult{Success: true, OrderID: "dry-run", Status: "live", FilledSize: spec.Size, AvgFillPrice: spec.Price}, nil
	}

	builder := sdkclob.NewOrderBuilder(c.clob, c.auth.Signer()).
		TokenID(tokenID).
		Side(side)

	var resp clobtypes.OrderResponse
	switch spec.OrderKind {
	case types.OrderKindMarket:
		amountUSDC := price * size
		signable, buildErr := builder.AmountUSDC(amountUSDC).OrderType(clobtypes.OrderTypeFAK).BuildMarketWithContext(ctx)
		if buildErr != nil {
			return venueport.OrderResult{}, gatewayerr.New(gatewayerr.VenueError, "polymarket.PlaceOrder", buildErr)
		}
		resp, err = c.clob.CreateOrderFromSignable(ctx, signable)
	default:
		signable, buildErr := builder.Price(price).AmountUSDC(price * size).OrderType(clobtypes.OrderTypeGTC).BuildSignableWithContext(ctx)
		if buildErr != nil {
			return venueport.OrderResult{}, gatewayerr.New(gatewayerr.VenueError, "polymarket.PlaceOrder", buildErr)
		}
		resp, err = c.clob.CreateOrderFromSignable(ctx, signable)
	}
	if err != nil {
		return venueport.OrderResult{Success: false, Error: err.Error()}, gatewayerr.New(gatewayerr.VenueError, "polymarket.PlaceOrder", err)
	}

	filled, _ := decimal.NewFromString(resp.SizeMatched)
	avgPrice, _ := decimal.NewFromString(resp.Price)
	return venueport.OrderResult{
		Success:      true,
		OrderID:      resp.ID,
		Status:       resp.Status,
		FilledSize:   filled,
		AvgFillPrice: avgPrice,
	}, nil
}

// CancelOrder implements venueport.ExecutionPort.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if c.dryRun {
		return true, nil
	}
	resp, err := c.clob.CancelOrders(ctx, &clobtypes.CancelOrdersRequest{OrderIDs: []string{orderID}})
	if err != nil {
		return false, gatewayerr.New(gatewayerr.VenueError, "polymarket.CancelOrder", err)
	}
	for _, id := range resp.Canceled {
		if id == orderID {
			return true, nil
		}
	}
	return false, nil
}

// GetOrderStatus implements venueport.ExecutionPort by re-fetching the open
// order from the CLOB; the SDK exposes this as part of clob.Client per the
// same call family used for order placement (clobtypes request/response
// pairs), so no separate polling client is needed.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (venueport.OrderResult, error) {
	order, err := c.clob.Order(ctx, &clobtypes.OrderRequest{OrderID: orderID})
	if err != nil {
		return venueport.OrderResult{}, gatewayerr.New(gatewayerr.NotFound, "polymarket.GetOrderStatus", err)
	}
	filled, _ := decimal.NewFromString(order.SizeMatched)
	avgPrice, _ := decimal.NewFromString(order.Price)
	return venueport.OrderResult{
		Success:      true,
		OrderID:      order.ID,
		Status:       order.Status,
		FilledSize:   filled,
		AvgFillPrice: avgPrice,
	}, nil
}

// GetMarket implements venueport.MarketDataPort's metadata lookup, caching
// the CLOB token IDs PlaceOrder needs to resolve a MarketTriple.
func (c *Client) GetMarket(ctx context.Context, venue, marketID string) (types.MarketMetadata, error) {
	resp, err := c.clob.Markets(ctx, &clobtypes.MarketsRequest{ConditionID: marketID})
	if err != nil {
		return types.MarketMetadata{}, gatewayerr.New(gatewayerr.VenueError, "polymarket.GetMarket", err)
	}
	if len(resp.Markets) == 0 {
		return types.MarketMetadata{}, gatewayerr.New(gatewayerr.NotFound, "polymarket.GetMarket", fmt.Errorf("market %s not found", marketID))
	}
	m := resp.Markets[0]
	c.markets.register(marketID, m)

	bestBid, _ := decimal.NewFromString(m.BestBid)
	bestAsk, _ := decimal.NewFromString(m.BestAsk)
	lastPrice, _ := decimal.NewFromString(m.LastTradePrice)
	return types.MarketMetadata{
		Venue: venue, MarketID: marketID, Question: m.Question,
		BestBid: bestBid, BestAsk: bestAsk, LastPrice: lastPrice, Closed: m.Closed,
	}, nil
}

func clobSide(s types.Side) string {
	if s == types.Sell {
		return "SELL"
	}
	return "BUY"
}
