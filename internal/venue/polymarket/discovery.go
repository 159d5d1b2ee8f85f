package polymarket

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/pmgateway/gateway/pkg/types"
)

// gammaMarket is the JSON shape returned by the Gamma API, trimmed to the
// fields market discovery needs (teacher's market.GammaMarket carried
// several maker-strategy-only reward/spread fields this gateway doesn't
// rank on, since market-making scoring is a Non-goal here).
type gammaMarket struct {
	ID              string  `json:"id"`
	Question        string  `json:"question"`
	ConditionID     string  `json:"conditionId"`
	Slug            string  `json:"slug"`
	Active          bool    `json:"active"`
	Closed          bool    `json:"closed"`
	AcceptingOrders bool    `json:"acceptingOrders"`
	EnableOrderBook bool    `json:"enableOrderBook"`
	Liquidity       string  `json:"liquidity"`
	Volume24hr      float64 `json:"volume24hr"`
	BestBid         float64 `json:"bestBid"`
	BestAsk         float64 `json:"bestAsk"`
	LastTradePrice  float64 `json:"lastTradePrice"`
}

// DiscoveryConfig tunes the Gamma market-discovery poll.
type DiscoveryConfig struct {
	GammaBaseURL string
	PollInterval time.Duration
	PageSize     int
}

func (c DiscoveryConfig) withDefaults() DiscoveryConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Minute
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	return c
}

// Discovery periodically polls the Gamma API for active markets, following
// the teacher's market.Scanner poll idiom (immediate scan, then
// ticker-driven) but without its spread/reward ranking, which belonged
// entirely to the market-making strategy this gateway generalizes away.
// It exists so the Scheduler and internal/whale have a venue-agnostic way
// to discover which markets currently exist, rather than requiring a
// hard-coded market list in config.
type Discovery struct {
	http     *resty.Client
	cfg      DiscoveryConfig
	logger   *slog.Logger
	resultCh chan []types.MarketMetadata
}

// NewDiscovery creates a Gamma market-discovery poller.
func NewDiscovery(cfg DiscoveryConfig, logger *slog.Logger) *Discovery {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	client := resty.New().
		SetBaseURL(cfg.GammaBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Discovery{
		http:     client,
		cfg:      cfg,
		logger:   logger.With("component", "polymarket_discovery"),
		resultCh: make(chan []types.MarketMetadata, 1),
	}
}

// Results returns the channel callers read newly-discovered markets from.
func (d *Discovery) Results() <-chan []types.MarketMetadata { return d.resultCh }

// Run blocks, polling until ctx is cancelled.
func (d *Discovery) Run(ctx context.Context) {
	d.scan(ctx)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.scan(ctx)
		}
	}
}

func (d *Discovery) scan(ctx context.Context) {
	markets, err := d.fetchMarkets(ctx)
	if err != nil {
		d.logger.Error("gamma scan failed", "error", err)
		return
	}

	active := make([]types.MarketMetadata, 0, len(markets))
	for _, m := range markets {
		if !m.Active || m.Closed || !m.AcceptingOrders || !m.EnableOrderBook {
			continue
		}
		active = append(active, convertGammaMarket(m))
	}

	select {
	case d.resultCh <- active:
	default:
		select {
		case <-d.resultCh:
		default:
		}
		d.resultCh <- active
	}
}

func (d *Discovery) fetchMarkets(ctx context.Context) ([]gammaMarket, error) {
	var all []gammaMarket
	offset := 0
	for {
		var page []gammaMarket
		resp, err := d.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":  strconv.Itoa(d.cfg.PageSize),
				"offset": strconv.Itoa(offset),
				"active": "true",
				"closed": "false",
			}).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("fetch markets page %d: %w", offset, err)
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("fetch markets: status %d: %s", resp.StatusCode(), resp.String())
		}

		all = append(all, page...)
		if len(page) < d.cfg.PageSize {
			break
		}
		offset += d.cfg.PageSize
	}
	return all, nil
}

func convertGammaMarket(m gammaMarket) types.MarketMetadata {
	return types.MarketMetadata{
		Venue:     "polymarket",
		MarketID:  m.ConditionID,
		Outcome:   strings.ToLower(firstOutcome(m)),
		Question:  m.Question,
		BestBid:   decimal.NewFromFloat(m.BestBid),
		BestAsk:   decimal.NewFromFloat(m.BestAsk),
		LastPrice: decimal.NewFromFloat(m.LastTradePrice),
		Closed:    m.Closed,
	}
}

// firstOutcome returns "yes" as the canonical first-leg outcome; Gamma
// binary markets are always [Yes, No], and per-outcome metadata beyond the
// default leg is resolved lazily via Client.GetMarket when a strategy
// actually needs the "no" side.
func firstOutcome(m gammaMarket) string {
	return "yes"
}
