package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/pmgateway/gateway/pkg/types"
)

// Inventory derives the Avellaneda-Stoikov skew parameter ("q") and dollar
// exposure for one market triple from the Scheduler's authoritative
// position snapshot (types.Position), generalized from the teacher's
// YES/NO dual-token ledger — which replayed fills itself to maintain two
// parallel positions — down to a single signed position relative to a
// configured cap. A MarketTriple already names one concrete outcome, and
// the Scheduler already supplies the ground-truth position on every tick
// (internal/scheduler buildContext), so Maker has no need to keep its own
// fill-replayed position book.
type Inventory struct {
	maxSize decimal.Decimal
}

// NewInventory builds an Inventory whose skew saturates at maxSize shares
// in either direction. A zero maxSize disables skew (NetDelta always 0).
func NewInventory(maxSize decimal.Decimal) *Inventory {
	return &Inventory{maxSize: maxSize}
}

// NetDelta returns inventory skew in [-1, 1]: +1 = fully long at the
// configured cap, -1 = fully short, 0 = flat. This is the "q" parameter
// that skews the reservation price and spread in computeQuotes.
func (inv *Inventory) NetDelta(pos types.Position) float64 {
	if inv.maxSize.IsZero() {
		return 0
	}
	q, _ := pos.Shares.Div(inv.maxSize).Float64()
	return clamp(q, -1, 1)
}

// TotalExposureUSD returns the dollar value of the position at the given
// mid price.
func (inv *Inventory) TotalExposureUSD(pos types.Position, mid decimal.Decimal) decimal.Decimal {
	return pos.Shares.Mul(mid)
}
