package polymarket

import (
	"fmt"
	"sync"

	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob/clobtypes"

	"github.com/pmgateway/gateway/pkg/types"
)

// marketRegistry caches the condition-ID -> per-outcome CLOB token-ID
// mapping GetMarket discovers, since PlaceOrder's venueport.OrderSpec
// identifies a market by MarketTriple (venue/marketID/outcome), not by the
// CLOB's own asset_id/token_id vocabulary.
type marketRegistry struct {
	mu    sync.RWMutex
	byKey map[string]string // "marketID|outcome" -> tokenID
}

func newMarketRegistry() *marketRegistry {
	return &marketRegistry{byKey: make(map[string]string)}
}

func (r *marketRegistry) register(marketID string, m clobtypes.Market) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tok := range m.Tokens {
		r.byKey[registryKey(marketID, tok.Outcome)] = tok.TokenID
	}
}

func (r *marketRegistry) tokenID(triple types.MarketTriple) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[registryKey(triple.MarketID, triple.Outcome)]
	if !ok {
		return "", fmt.Errorf("no known CLOB token for market %s outcome %s (call GetMarket first)", triple.MarketID, triple.Outcome)
	}
	return id, nil
}

func registryKey(marketID, outcome string) string {
	return marketID + "|" + outcome
}
