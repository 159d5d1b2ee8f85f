package types

import "context"

// Strategy is the pluggable decision unit the Scheduler and BacktestEngine
// both drive through the identical evaluate loop (spec §4.2/§4.4): only
// the collaborators behind StrategyContext differ between live and replay.
type Strategy interface {
	Config() StrategyConfig
	Evaluate(ctx context.Context, sctx StrategyContext) ([]Signal, error)
}

// StrategyInitializer is implemented by strategies that need one-time setup
// when a bot transitions stopped→running. The scheduler calls Init exactly
// once per startBot, mirroring the teacher's optional New()-time waretup
// step in strategy.Maker, generalized into an explicit optional interface
// since not every strategy needs it.
type StrategyInitializer interface {
	Init(ctx context.Context) error
}

// StrategyCleaner is implemented by strategies that hold resources needing
// an explicit teardown on stopBot (e.g. closing a venue subscription).
type StrategyCleaner interface {
	Cleanup() error
}
