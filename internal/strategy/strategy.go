// Package strategy implements the signal generator (spec §4.3): momentum
// and retest entry strategies evaluated per scanned candidate.
package strategy

import (
	"go.uber.org/zap"

	"github.com/atlas-breakout/engine/pkg/config"
	"github.com/atlas-breakout/engine/pkg/types"
)

// Diagnostics receives one record per evaluated condition so near-miss
// analysis can compute median threshold adjustments (spec §4.3).
type Diagnostics interface {
	RecordSignalCondition(symbol, stage, condition string, value, threshold any, passed bool)
}

// Strategy evaluates one scan result and returns at most one signal.
type Strategy interface {
	Kind() types.StrategyKind
	Generate(sr *types.ScanResult, preset *config.TradingPreset) (*types.Signal, error)
}

// Registry is a factory map of available strategies, mirroring the
// teacher's StrategyRegistry pattern in internal/strategy/strategy.go.
type Registry struct {
	logger     *zap.Logger
	strategies map[types.StrategyKind]Strategy
}

// NewRegistry builds a registry with the momentum and retest strategies
// registered, wired to the given diagnostics sink.
func NewRegistry(logger *zap.Logger, diag Diagnostics) *Registry {
	r := &Registry{logger: logger, strategies: make(map[types.StrategyKind]Strategy)}
	r.Register(NewMomentum(diag))
	r.Register(NewRetest(diag))
	return r
}

// Register adds or replaces a strategy implementation.
func (r *Registry) Register(s Strategy) { r.strategies[s.Kind()] = s }

// Get returns the registered strategy for a kind, or nil.
func (r *Registry) Get(kind types.StrategyKind) Strategy { return r.strategies[kind] }

// Generate selects the preset's primary strategy and falls back to the
// other if the primary yields no signal (spec §4.3 "strategy selection").
func (r *Registry) Generate(sr *types.ScanResult, preset *config.TradingPreset) (*types.Signal, error) {
	primary := types.StrategyMomentum
	fallback := types.StrategyRetest
	if preset.StrategyPriority == config.PriorityRetest {
		primary, fallback = fallback, primary
	}

	if s := r.Get(primary); s != nil {
		sig, err := s.Generate(sr, preset)
		if err != nil {
			return nil, err
		}
		if sig != nil {
			return sig, nil
		}
	}
	if s := r.Get(fallback); s != nil {
		return s.Generate(sr, preset)
	}
	return nil, nil
}
