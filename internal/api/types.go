package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/pmgateway/gateway/internal/config"
	"github.com/pmgateway/gateway/internal/store"
	"github.com/pmgateway/gateway/pkg/types"
)

// GatewaySnapshot represents the complete dashboard state: every
// registered strategy's bot status, the portfolio-wide risk picture, trade
// performance stats, and a redacted configuration summary. Generalized
// from the teacher's single-market-maker DashboardSnapshot (which mixed
// book/quote/position fields for one hard-coded strategy) into a view over
// the Scheduler's arbitrary bot roster.
type GatewaySnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	Bots []BotSummary `json:"bots"`

	Risk RiskSummary `json:"risk"`

	Stats store.Stats `json:"stats"`

	Config ConfigSummary `json:"config"`
}

// BotSummary is the dashboard's per-strategy row, combining the Scheduler's
// types.BotStatus with the registered types.StrategyConfig.
type BotSummary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Venues      []string `json:"venues"`
	Enabled     bool     `json:"enabled"`
	DryRun      bool     `json:"dry_run"`

	State       types.BotState `json:"state"`
	TradesCount int            `json:"trades_count"`
	TotalPnL    float64        `json:"total_pnl"`
	WinRate     float64        `json:"win_rate"`

	StartedAt  *time.Time   `json:"started_at,omitempty"`
	LastCheck  *time.Time   `json:"last_check,omitempty"`
	LastSignal *types.Signal `json:"last_signal,omitempty"`
	LastError  string       `json:"last_error,omitempty"`
}

// RiskSummary mirrors risk.Snapshot for JSON transport.
type RiskSummary struct {
	GlobalExposure       float64   `json:"global_exposure"`
	MaxGlobalExposure    float64   `json:"max_global_exposure"`
	ExposurePct          float64   `json:"exposure_pct"`
	KillSwitchActive     bool      `json:"kill_switch_active"`
	KillSwitchUntil      time.Time `json:"kill_switch_until,omitempty"`
	MaxMarketsActive     int       `json:"max_markets_active"`
	CurrentMarketsActive int       `json:"current_markets_active"`
}

// ConfigSummary is a redacted view of config.Config: no keys, secrets, or
// credentials, only the operational knobs an operator wants to see on the
// dashboard.
type ConfigSummary struct {
	DryRun bool `json:"dry_run"`

	MaxGlobalExposure float64 `json:"max_global_exposure"`
	MaxMarketsActive  int     `json:"max_markets_active"`
	CooldownAfterKill string  `json:"cooldown_after_kill"`

	DataDir string `json:"data_dir"`
	DBFile  string `json:"db_file"`
}

// NewConfigSummary builds a ConfigSummary from config.Config, dropping the
// wallet/venue credential fields entirely.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		DryRun:            cfg.DryRun,
		MaxGlobalExposure: cfg.Risk.MaxGlobalExposure,
		MaxMarketsActive:  cfg.Risk.MaxMarketsActive,
		CooldownAfterKill: cfg.Risk.CooldownAfterKill.String(),
		DataDir:           cfg.Store.DataDir,
		DBFile:            cfg.Store.DBFile,
	}
}

func decimalToFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
