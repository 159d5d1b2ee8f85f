package polymarket

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/pmgateway/gateway/internal/venueport"
)

// Venue composes Client (REST order placement + market metadata) and Stream
// (WS subscriptions) into the single venueport.MarketDataPort +
// venueport.ExecutionPort the Scheduler is wired against; Client and Stream
// stay separate types because they wrap two distinct SDK clients
// (clob.Client vs ws.Client) with independent lifecycles.
type Venue struct {
	*Client
	*Stream
}

// NewVenue combines a Client and Stream into one MarketDataPort/ExecutionPort.
func NewVenue(client *Client, stream *Stream) *Venue {
	return &Venue{Client: client, Stream: stream}
}

// GetPrice implements venueport.MarketDataPort using the CLOB's last
// known best-bid/best-ask midpoint from GetMarket, since the SDK's
// market-metadata response (clobtypes.Market) is the cheapest source of a
// point price without opening a book subscription.
func (v *Venue) GetPrice(ctx context.Context, venue, marketID string) (*decimal.Decimal, error) {
	meta, err := v.Client.GetMarket(ctx, venue, marketID)
	if err != nil {
		return nil, fmt.Errorf("get price: %w", err)
	}
	if meta.LastPrice.IsZero() && meta.BestBid.IsZero() && meta.BestAsk.IsZero() {
		return nil, nil
	}
	if !meta.LastPrice.IsZero() {
		return &meta.LastPrice, nil
	}
	mid := meta.BestBid.Add(meta.BestAsk).Div(decimal.NewFromInt(2))
	return &mid, nil
}

var _ venueport.MarketDataPort = (*Venue)(nil)
var _ venueport.ExecutionPort = (*Client)(nil)
