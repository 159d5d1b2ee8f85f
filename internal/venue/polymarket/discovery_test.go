package polymarket

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestConvertGammaMarketMapsFields(t *testing.T) {
	t.Parallel()
	m := gammaMarket{
		Question: "Will it rain tomorrow?", ConditionID: "cond1",
		BestBid: 0.45, BestAsk: 0.55, LastTradePrice: 0.5, Closed: false,
	}

	meta := convertGammaMarket(m)
	if meta.Venue != "polymarket" || meta.MarketID != "cond1" {
		t.Fatalf("convertGammaMarket() venue/marketID = %q/%q", meta.Venue, meta.MarketID)
	}
	if meta.Question != m.Question {
		t.Errorf("Question = %q, want %q", meta.Question, m.Question)
	}
	if !meta.BestBid.Equal(decimal.NewFromFloat(0.45)) {
		t.Errorf("BestBid = %v, want 0.45", meta.BestBid)
	}
}

func TestDiscoveryConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := DiscoveryConfig{}.withDefaults()
	if cfg.PollInterval <= 0 {
		t.Error("expected a default poll interval")
	}
	if cfg.PageSize <= 0 {
		t.Error("expected a default page size")
	}
}
