// Package risk implements the RiskGate (spec §4.3): the sizing, clamping,
// and exposure checks the scheduler applies to every signal immediately
// before execution, plus a portfolio-wide exposure/kill-switch monitor.
//
// The portfolio monitor is grounded on the teacher's internal/risk.Manager:
// the same report-channel/kill-channel goroutine pattern, generalized from
// a per-market-maker-quote exposure cap to the gateway's global exposure
// and active-market-count limits (config.RiskConfig). The per-signal
// Evaluate method is new: the teacher's market-maker never needed to size
// a signal against a percentage of portfolio value or clamp to a strategy's
// own maxPositionSize, since its quoting size was config-fixed.
package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pmgateway/gateway/internal/config"
	"github.com/pmgateway/gateway/pkg/types"
)

// PositionReport is sent by the scheduler once per strategy tick so the
// portfolio monitor can track aggregate exposure.
type PositionReport struct {
	Triple      types.MarketTriple
	ExposureUSD decimal.Decimal
	Timestamp   time.Time
}

// KillSignal tells the scheduler to halt trading. A nil Triple means halt
// globally; a non-nil Triple means halt only that market.
type KillSignal struct {
	Triple *types.MarketTriple
	Reason string
}

// Decision is the RiskGate's verdict on a signal.
type Decision struct {
	Allowed bool
	Signal  types.Signal // size/price-resolved copy, valid only when Allowed
	DryRun  bool
	Clamped bool
	Reason  string // skip reason when !Allowed; "clamped" annotation otherwise
}

// Gate enforces both the per-signal RiskGate checks (Evaluate) and the
// portfolio-wide exposure/kill-switch monitor (Report/Run/KillCh).
type Gate struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu               sync.RWMutex
	exposures        map[types.MarketTriple]decimal.Decimal
	totalExposure    decimal.Decimal
	killSwitchActive bool
	killSwitchUntil  time.Time

	reportCh chan PositionReport
	killCh   chan KillSignal
}

// NewGate creates a RiskGate.
func NewGate(cfg config.RiskConfig, logger *slog.Logger) *Gate {
	return &Gate{
		cfg:       cfg,
		logger:    logger.With("component", "risk"),
		exposures: make(map[types.MarketTriple]decimal.Decimal),
		reportCh:  make(chan PositionReport, 100),
		killCh:    make(chan KillSignal, 10),
	}
}

// Run starts the portfolio monitor loop. A periodic tick clears the kill
// switch's cooldown even when no reports arrive.
func (g *Gate) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case report := <-g.reportCh:
			g.processReport(report)
		case <-ticker.C:
			g.clearExpiredKillSwitch()
		}
	}
}

// Report submits a position report (non-blocking).
func (g *Gate) Report(report PositionReport) {
	select {
	case g.reportCh <- report:
	default:
		g.logger.Warn("risk report channel full, dropping report", "market", report.Triple.MarketID)
	}
}

// KillCh returns the channel the scheduler reads kill signals from.
func (g *Gate) KillCh() <-chan KillSignal {
	return g.killCh
}

// RemoveMarket cleans up state for a stopped bot slot.
func (g *Gate) RemoveMarket(triple types.MarketTriple) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.exposures, triple)
	g.recomputeTotalLocked()
}

// IsKillSwitchActive reports whether the kill switch is currently engaged,
// clearing it first if the cooldown has elapsed.
func (g *Gate) IsKillSwitchActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.killSwitchActive {
		return false
	}
	if time.Now().After(g.killSwitchUntil) {
		g.killSwitchActive = false
		g.logger.Info("kill switch cooldown expired")
		return false
	}
	return true
}

func (g *Gate) processReport(report PositionReport) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.exposures[report.Triple] = report.ExposureUSD
	g.recomputeTotalLocked()

	maxGlobal := decimal.NewFromFloat(g.cfg.MaxGlobalExposure)
	if g.totalExposure.GreaterThan(maxGlobal) {
		g.emitKillLocked(nil, "global exposure limit breached")
	}
	if g.cfg.MaxMarketsActive > 0 && len(g.exposures) > g.cfg.MaxMarketsActive {
		g.emitKillLocked(nil, "max active markets exceeded")
	}
}

func (g *Gate) recomputeTotalLocked() {
	g.totalExposure = decimal.Zero
	for _, exp := range g.exposures {
		g.totalExposure = g.totalExposure.Add(exp)
	}
}

func (g *Gate) clearExpiredKillSwitch() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.killSwitchActive && time.Now().After(g.killSwitchUntil) {
		g.killSwitchActive = false
		g.logger.Info("kill switch cooldown expired")
	}
}

// emitKillLocked activates the kill switch and sends a KillSignal, dropping
// a stale queued signal if the channel is full so the latest reason wins.
func (g *Gate) emitKillLocked(triple *types.MarketTriple, reason string) {
	g.killSwitchActive = true
	g.killSwitchUntil = time.Now().Add(g.cfg.CooldownAfterKill)

	var marketID string
	if triple != nil {
		marketID = triple.MarketID
	}
	g.logger.Error("KILL SWITCH", "market", marketID, "reason", reason, "cooldown_until", g.killSwitchUntil)

	sig := KillSignal{Triple: triple, Reason: reason}
	select {
	case g.killCh <- sig:
	default:
		select {
		case <-g.killCh:
		default:
		}
		g.killCh <- sig
	}
}

// Snapshot is a point-in-time read of the portfolio monitor's state, used
// by internal/api to render the dashboard's risk panel.
type Snapshot struct {
	GlobalExposure       decimal.Decimal
	MaxGlobalExposure    float64
	ExposurePct          float64
	KillSwitchActive     bool
	KillSwitchUntil      time.Time
	MaxMarketsActive     int
	CurrentMarketsActive int
}

// Snapshot returns the current exposure and kill-switch state.
func (g *Gate) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	maxGlobal := g.cfg.MaxGlobalExposure
	var pct float64
	if maxGlobal > 0 {
		total, _ := g.totalExposure.Float64()
		pct = total / maxGlobal * 100
	}

	return Snapshot{
		GlobalExposure:       g.totalExposure,
		MaxGlobalExposure:    maxGlobal,
		ExposurePct:          pct,
		KillSwitchActive:     g.killSwitchActive,
		KillSwitchUntil:      g.killSwitchUntil,
		MaxMarketsActive:     g.cfg.MaxMarketsActive,
		CurrentMarketsActive: len(g.exposures),
	}
}

// Evaluate applies the per-signal RiskGate checks (spec §4.3): size
// resolution (fixed or percentage-of-portfolio), clamping to the
// strategy's maxPositionSize, and the strategy's own maxExposure cap. It
// also reports whether the portfolio kill switch currently blocks trading.
func (g *Gate) Evaluate(cfg types.StrategyConfig, sctx types.StrategyContext, signal types.Signal, lastKnownPrice *decimal.Decimal) Decision {
	if g.IsKillSwitchActive() {
		return Decision{Reason: "kill_switch_active"}
	}

	sig := signal

	var size decimal.Decimal
	switch {
	case sig.Size != nil:
		size = *sig.Size
	case sig.SizePct != nil:
		if sctx.PortfolioValue.IsZero() {
			return Decision{Reason: "no_portfolio_value"}
		}
		size = sctx.PortfolioValue.Mul(decimal.NewFromFloat(*sig.SizePct))
	default:
		return Decision{Reason: "no_size_specified"}
	}

	clamped := false
	if cfg.MaxPositionSize != nil && size.GreaterThan(*cfg.MaxPositionSize) {
		size = *cfg.MaxPositionSize
		clamped = true
	}

	price := decimal.Zero
	switch {
	case sig.Price != nil:
		price = *sig.Price
	case lastKnownPrice != nil:
		price = *lastKnownPrice
	}

	if cfg.MaxExposure != nil {
		current := decimal.Zero
		for _, pos := range sctx.Positions {
			current = current.Add(pos.Shares.Mul(pos.CurrentPrice))
		}
		prospective := current.Add(size.Mul(price))
		if prospective.GreaterThan(*cfg.MaxExposure) {
			return Decision{Reason: "exposure_exceeded"}
		}
	}

	sig.Size = &size
	sig.Price = &price
	if clamped {
		if sig.Reason == "" {
			sig.Reason = "clamped"
		} else {
			sig.Reason = sig.Reason + "; clamped"
		}
	}

	return Decision{
		Allowed: true,
		Signal:  sig,
		DryRun:  cfg.DryRun,
		Clamped: clamped,
		Reason:  sig.Reason,
	}
}
