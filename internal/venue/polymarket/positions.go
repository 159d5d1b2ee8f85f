package polymarket

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	sdkdata "github.com/GoPolymarket/polymarket-go-sdk/pkg/data"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/data/datatypes"

	"github.com/pmgateway/gateway/internal/gatewayerr"
	"github.com/pmgateway/gateway/internal/venueport"
	"github.com/pmgateway/gateway/pkg/types"
)

// PositionFetcher implements internal/whale.PositionFetcher and
// internal/venueport.PortfolioProvider by polling the Polymarket Data API
// (github.com/GoPolymarket/polymarket-go-sdk/pkg/data), the same dataClient
// the teacher-adjacent trader app wires into its portfolio.Tracker
// (other_examples/GoPolymarket-polymarket-trader's internal/app/app.go:
// portfolio.NewTracker(dataClient, signer.Address(), interval)). This
// package polls directly rather than adopting that repo's own interval
// wrapper, since internal/whale already owns its own poll-loop scheduling
// (spec §4.5) and a second independent ticker would race it.
type PositionFetcher struct {
	data sdkdata.Client
}

// NewPositionFetcher builds a PositionFetcher around an SDK data.Client.
func NewPositionFetcher(dataClient sdkdata.Client) *PositionFetcher {
	return &PositionFetcher{data: dataClient}
}

// FetchPositions implements internal/whale.PositionFetcher.
func (f *PositionFetcher) FetchPositions(ctx context.Context, addresses []string) ([]types.WhalePosition, error) {
	var out []types.WhalePosition
	for _, addr := range addresses {
		resp, err := f.data.Positions(ctx, &datatypes.PositionsRequest{User: addr})
		if err != nil {
			return nil, fmt.Errorf("fetch positions for %s: %w", addr, err)
		}
		for _, p := range resp.Positions {
			size, _ := decimal.NewFromString(p.Size)
			avgPrice, _ := decimal.NewFromString(p.AvgPrice)
			value, _ := decimal.NewFromString(p.CurrentValue)
			pnl, _ := decimal.NewFromString(p.CashPnL)
			out = append(out, types.WhalePosition{
				Address:       addr,
				MarketID:      p.ConditionID,
				Outcome:       p.Outcome,
				Size:          size,
				AvgEntryPrice: avgPrice,
				USDValue:      value,
				UnrealizedPnL: pnl,
			})
		}
	}
	return out, nil
}

// OnChainPosition implements venueport.PositionQuery for the swarm
// executor's Solana-side wallets; Polymarket itself has no Solana
// positions, so this venue's PositionQuery is only ever consulted for
// copy-trading's own exit bookkeeping, never by internal/swarm.
func (f *PositionFetcher) OnChainPosition(ctx context.Context, walletPublicKey, mint string) (decimal.Decimal, error) {
	return decimal.Zero, gatewayerr.New(gatewayerr.Invalid, "polymarket.OnChainPosition", fmt.Errorf("polymarket venue does not support on-chain Solana position checks"))
}

// OnChainSolBalance implements venueport.PositionQuery for symmetry with
// OnChainPosition; see its comment.
func (f *PositionFetcher) OnChainSolBalance(ctx context.Context, walletPublicKey string) (decimal.Decimal, error) {
	return decimal.Zero, gatewayerr.New(gatewayerr.Invalid, "polymarket.OnChainSolBalance", fmt.Errorf("polymarket venue does not support on-chain Solana balance checks"))
}

// Portfolio implements venueport.PortfolioProvider over the Data API,
// for a single configured wallet address.
type Portfolio struct {
	data    sdkdata.Client
	address string
}

// NewPortfolio builds a Portfolio for the given wallet address.
func NewPortfolio(dataClient sdkdata.Client, address string) *Portfolio {
	return &Portfolio{data: dataClient, address: address}
}

// Snapshot implements venueport.PortfolioProvider.
func (p *Portfolio) Snapshot(ctx context.Context) (venueport.PortfolioSnapshot, error) {
	resp, err := p.data.Positions(ctx, &datatypes.PositionsRequest{User: p.address})
	if err != nil {
		return venueport.PortfolioSnapshot{}, gatewayerr.New(gatewayerr.VenueError, "polymarket.Snapshot", err)
	}

	var total decimal.Decimal
	positions := make([]types.Position, 0, len(resp.Positions))
	for _, pos := range resp.Positions {
		shares, _ := decimal.NewFromString(pos.Size)
		avgPrice, _ := decimal.NewFromString(pos.AvgPrice)
		curPrice, _ := decimal.NewFromString(pos.CurrentPrice)
		value, _ := decimal.NewFromString(pos.CurrentValue)
		total = total.Add(value)
		positions = append(positions, types.Position{
			Triple:       types.MarketTriple{Venue: "polymarket", MarketID: pos.ConditionID, Outcome: pos.Outcome},
			Shares:       shares,
			AvgPrice:     avgPrice,
			CurrentPrice: curPrice,
		})
	}

	balanceResp, err := p.data.Balance(ctx, &datatypes.BalanceRequest{User: p.address})
	var balance decimal.Decimal
	if err == nil {
		balance, _ = decimal.NewFromString(balanceResp.Balance)
	}

	return venueport.PortfolioSnapshot{
		Value:     total.Add(balance),
		Balance:   balance,
		Positions: positions,
	}, nil
}
