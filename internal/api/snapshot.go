package api

import (
	"context"
	"time"

	"github.com/pmgateway/gateway/internal/config"
	"github.com/pmgateway/gateway/internal/risk"
	"github.com/pmgateway/gateway/internal/scheduler"
	"github.com/pmgateway/gateway/internal/store"
	"github.com/pmgateway/gateway/pkg/types"
)

// BotLister is the subset of *scheduler.Scheduler the dashboard needs.
// A narrow interface rather than the concrete type so tests can fake it.
type BotLister interface {
	AllStatuses() []types.BotStatus
	StrategyConfig(id string) (types.StrategyConfig, bool)
}

// RiskReporter is the subset of *risk.Gate the dashboard needs.
type RiskReporter interface {
	Snapshot() risk.Snapshot
}

var (
	_ BotLister    = (*scheduler.Scheduler)(nil)
	_ RiskReporter = (*risk.Gate)(nil)
)

// BuildSnapshot aggregates the Scheduler's bot roster, the RiskGate's
// portfolio view, the Store's aggregate trade stats, and a redacted config
// summary into one dashboard payload.
func BuildSnapshot(ctx context.Context, bots BotLister, riskGate RiskReporter, st *store.Store, cfg config.Config) GatewaySnapshot {
	statuses := bots.AllStatuses()
	summaries := make([]BotSummary, 0, len(statuses))
	for _, bs := range statuses {
		strategyCfg, _ := bots.StrategyConfig(bs.ID)
		summaries = append(summaries, toBotSummary(bs, strategyCfg))
	}

	riskSnap := riskGate.Snapshot()

	stats, err := st.GetStats(ctx, store.TradeFilter{})
	if err != nil {
		stats = store.Stats{}
	}

	return GatewaySnapshot{
		Timestamp: time.Now(),
		Bots:      summaries,
		Risk:      toRiskSummary(riskSnap),
		Stats:     stats,
		Config:    NewConfigSummary(cfg),
	}
}

func toBotSummary(bs types.BotStatus, strategyCfg types.StrategyConfig) BotSummary {
	return BotSummary{
		ID:          bs.ID,
		Name:        strategyCfg.Name,
		Venues:      strategyCfg.Venues,
		Enabled:     strategyCfg.Enabled,
		DryRun:      strategyCfg.DryRun,
		State:       bs.State,
		TradesCount: bs.TradesCount,
		TotalPnL:    decimalToFloat(bs.TotalPnL),
		WinRate:     bs.WinRate,
		StartedAt:   bs.StartedAt,
		LastCheck:   bs.LastCheck,
		LastSignal:  bs.LastSignal,
		LastError:   bs.LastError,
	}
}

func toRiskSummary(snap risk.Snapshot) RiskSummary {
	return RiskSummary{
		GlobalExposure:       decimalToFloat(snap.GlobalExposure),
		MaxGlobalExposure:    snap.MaxGlobalExposure,
		ExposurePct:          snap.ExposurePct,
		KillSwitchActive:     snap.KillSwitchActive,
		KillSwitchUntil:      snap.KillSwitchUntil,
		MaxMarketsActive:     snap.MaxMarketsActive,
		CurrentMarketsActive: snap.CurrentMarketsActive,
	}
}
