package backtest

import (
	"math/rand/v2"
	"sort"

	"github.com/shopspring/decimal"
)

// MonteCarloResult is the output of MonteCarlo (§4.4 "Monte Carlo").
type MonteCarloResult struct {
	P5                     decimal.Decimal
	P25                    decimal.Decimal
	P50                    decimal.Decimal
	P75                    decimal.Decimal
	P95                    decimal.Decimal
	ProbabilityOfProfit    float64
	ProbabilityOfMajorLoss float64
	ExpectedValue          decimal.Decimal
}

// MonteCarlo resamples result.Metrics.DailyReturns with replacement to
// produce `simulations` compounded equity paths of the same length as the
// original daily-return series, seeded by seed for reproducibility. With no
// daily returns it returns the zero value rather than failing.
func MonteCarlo(result Result, simulations int, seed uint64) MonteCarloResult {
	returns := result.Metrics.DailyReturns
	if len(returns) == 0 || simulations <= 0 {
		return MonteCarloResult{}
	}

	initialEquity := result.Metrics.FinalEquity
	if curve := result.Metrics.EquityCurve; len(curve) > 0 {
		initialEquity = curve[0].Value
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))

	finals := make([]float64, simulations)
	for s := 0; s < simulations; s++ {
		equity, _ := initialEquity.Float64()
		for i := 0; i < len(returns); i++ {
			r := returns[rng.IntN(len(returns))]
			equity *= 1 + r
		}
		finals[s] = equity
	}
	sort.Float64s(finals)

	initialF, _ := initialEquity.Float64()
	profitable := 0
	majorLoss := 0
	sum := 0.0
	for _, f := range finals {
		sum += f
		if f > initialF {
			profitable++
		}
		if f < initialF*0.7 {
			majorLoss++
		}
	}

	return MonteCarloResult{
		P5:                     decimal.NewFromFloat(percentile(finals, 5)),
		P25:                    decimal.NewFromFloat(percentile(finals, 25)),
		P50:                    decimal.NewFromFloat(percentile(finals, 50)),
		P75:                    decimal.NewFromFloat(percentile(finals, 75)),
		P95:                    decimal.NewFromFloat(percentile(finals, 95)),
		ProbabilityOfProfit:    float64(profitable) / float64(simulations),
		ProbabilityOfMajorLoss: float64(majorLoss) / float64(simulations),
		ExpectedValue:          decimal.NewFromFloat(sum/float64(simulations) - initialF),
	}
}

// percentile reads a pre-sorted slice at the given percentile (0-100),
// using linear interpolation between the two bracketing samples.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
