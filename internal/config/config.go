// Package config defines all configuration for the trading gateway.
// Config is loaded from a YAML file (default: configs/gateway.yaml) with
// sensitive fields overridable via GATEWAY_* environment variables, in the
// same style as the teacher's internal/config package.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Wallet     WalletConfig     `mapstructure:"wallet"`
	Venues     VenuesConfig     `mapstructure:"venues"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Store      StoreConfig      `mapstructure:"store"`
	Whale      WhaleConfig      `mapstructure:"whale"`
	CopyTrader CopyTraderConfig `mapstructure:"copy_trader"`
	Swarm      SwarmConfig      `mapstructure:"swarm"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard"`
}

// WalletConfig holds the Ethereum wallet used for signing Polymarket orders.
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// VenuesConfig holds per-venue connection settings. Polymarket is the only
// venue adapter shipped in this repository; additional venues register
// under additional keys without touching the core.
type VenuesConfig struct {
	Polymarket PolymarketVenueConfig `mapstructure:"polymarket"`
}

type PolymarketVenueConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	WSUserURL    string `mapstructure:"ws_user_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// RiskConfig sets the RiskGate's per-signal and portfolio-wide limits
// (§4.3). Per-strategy limits live on StrategyConfig; these are the
// process-wide backstops.
type RiskConfig struct {
	MaxGlobalExposure float64       `mapstructure:"max_global_exposure"`
	MaxMarketsActive  int           `mapstructure:"max_markets_active"`
	CooldownAfterKill time.Duration `mapstructure:"cooldown_after_kill"`
}

// StoreConfig sets where the TradeStore's sqlite database lives.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
	DBFile  string `mapstructure:"db_file"`
}

// WhaleConfig tunes the WhaleTracker's ingestion and thresholds (§4.5).
type WhaleConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	MinTradeSize     float64       `mapstructure:"min_trade_size"`
	MinPositionSize  float64       `mapstructure:"min_position_size"`
	TrackedAddresses []string      `mapstructure:"tracked_addresses"`
	RecentTradesCap  int           `mapstructure:"recent_trades_cap"`
}

// CopyTraderConfig tunes the CopyTrader's sizing and filters (§4.6).
type CopyTraderConfig struct {
	FollowSet           []string      `mapstructure:"follow_set"`
	ExcludedMarkets      []string      `mapstructure:"excluded_markets"`
	SizingMode           string        `mapstructure:"sizing_mode"` // fixed|proportional|percentage
	FixedSize            float64       `mapstructure:"fixed_size"`
	ProportionMultiplier float64       `mapstructure:"proportion_multiplier"`
	PortfolioPercentage  float64       `mapstructure:"portfolio_percentage"`
	MaxPositionSize      float64       `mapstructure:"max_position_size"`
	MinTradeSize         float64       `mapstructure:"min_trade_size"`
	CopyDelay            time.Duration `mapstructure:"copy_delay"`
	MaxSlippagePct       float64       `mapstructure:"max_slippage_pct"`
}

// SwarmConfig tunes the SwarmExecutor's defaults (§4.7).
type SwarmConfig struct {
	BundleEnabled     bool          `mapstructure:"bundle_enabled"`
	BundleRelayURL    string        `mapstructure:"bundle_relay_url"`
	RPCEndpoint       string        `mapstructure:"rpc_endpoint"`
	MinSolBalance     float64       `mapstructure:"min_sol_balance"`
	RateLimit         time.Duration `mapstructure:"rate_limit"`
	ConfirmTimeout    time.Duration `mapstructure:"confirm_timeout"`
	AmountVariancePct float64       `mapstructure:"amount_variance_pct"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the operator HTTP/WebSocket front door.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: GATEWAY_PRIVATE_KEY, GATEWAY_API_KEY,
// GATEWAY_API_SECRET, GATEWAY_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("GATEWAY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("GATEWAY_API_KEY"); key != "" {
		cfg.Venues.Polymarket.ApiKey = key
	}
	if secret := os.Getenv("GATEWAY_API_SECRET"); secret != "" {
		cfg.Venues.Polymarket.Secret = secret
	}
	if pass := os.Getenv("GATEWAY_PASSPHRASE"); pass != "" {
		cfg.Venues.Polymarket.Passphrase = pass
	}
	if v := os.Getenv("GATEWAY_DRY_RUN"); v == "true" || v == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set GATEWAY_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.Venues.Polymarket.CLOBBaseURL == "" {
		return fmt.Errorf("venues.polymarket.clob_base_url is required")
	}
	if c.Risk.MaxGlobalExposure <= 0 {
		return fmt.Errorf("risk.max_global_exposure must be > 0")
	}
	if c.Risk.MaxMarketsActive <= 0 {
		return fmt.Errorf("risk.max_markets_active must be > 0")
	}
	if c.Store.DBFile == "" {
		return fmt.Errorf("store.db_file is required")
	}
	switch c.CopyTrader.SizingMode {
	case "", "fixed", "proportional", "percentage":
	default:
		return fmt.Errorf("copy_trader.sizing_mode must be one of: fixed, proportional, percentage")
	}
	return nil
}
