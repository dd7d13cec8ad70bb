// Package risk implements the portfolio-level gates and kill switch from
// spec §4.4. Sizing (the R-model) lives in internal/sizing, called after a
// signal clears every gate here.
package risk

import (
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-breakout/engine/pkg/config"
	"github.com/atlas-breakout/engine/pkg/errs"
	"github.com/atlas-breakout/engine/pkg/types"
)

// CorrelationSource reports the correlation between two symbols, used by
// the correlation-cap gate.
type CorrelationSource interface {
	Correlation(symbolA, symbolB string) decimal.Decimal
}

// Manager evaluates signals against portfolio-level gates in the fixed,
// short-circuiting order spec §4.4 requires.
//
// The kill-switch flag is a single atomic boolean with an atomically stored
// reason string (spec §5 "shared-resource policy"): it is latched — only
// Reset() clears it, never a timer.
type Manager struct {
	logger *zap.Logger
	mu     sync.RWMutex
	corr   CorrelationSource

	killSwitchActive atomic.Bool
	killSwitchReason atomic.Value // string

	cfg     *config.TradingPreset
	metrics types.RiskMetrics
}

// New constructs a risk Manager.
func New(logger *zap.Logger, corr CorrelationSource) *Manager {
	m := &Manager{logger: logger, corr: corr}
	m.killSwitchReason.Store("")
	return m
}

// UpdateMetrics replaces the account-level snapshot the gates read (called
// once per cycle by the orchestrator with a fresh portfolio snapshot).
func (m *Manager) UpdateMetrics(rm types.RiskMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = rm
	m.evaluateKillSwitchConditions(rm)
}

// evaluateKillSwitchConditions latches the switch if any breach condition
// holds (spec §4.4 "Kill-switch semantics"); it never un-latches here.
func (m *Manager) evaluateKillSwitchConditions(rm types.RiskMetrics) {
	cfg := m.cfg
	if cfg == nil {
		return
	}
	switch {
	case rm.CurrentDrawdownR.GreaterThanOrEqual(cfg.Risk.KillSwitchLossLimit):
		m.latch("cumulative_drawdown_pct_exceeded")
	case rm.DailyPnLR.LessThanOrEqual(cfg.Risk.DailyRiskLimit.Neg()):
		m.latch("daily_risk_limit_exceeded")
	case rm.ConsecutiveLosses >= cfg.Risk.MaxConsecutiveLosses:
		m.latch("max_consecutive_losses_exceeded")
	}
}

func (m *Manager) latch(reason string) {
	if m.killSwitchActive.CompareAndSwap(false, true) {
		m.killSwitchReason.Store(reason)
		m.logger.Warn("kill switch activated", zap.String("reason", reason))
	}
}

// Reset clears the kill switch. Only an explicit manual command may call
// this (spec §4.4 "Activation is latched; only a manual reset command
// clears it").
func (m *Manager) Reset() {
	m.killSwitchActive.Store(false)
	m.killSwitchReason.Store("")
	m.logger.Info("kill switch manually reset")
}

func (m *Manager) KillSwitchActive() bool { return m.killSwitchActive.Load() }

// Metrics returns the account-level snapshot gates currently evaluate
// against, so other stages (e.g. sizing's soft-risk-reduction triggers) can
// read the same live numbers instead of a stale or zeroed copy.
func (m *Manager) Metrics() types.RiskMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

func (m *Manager) KillSwitchReason() string {
	if v, ok := m.killSwitchReason.Load().(string); ok {
		return v
	}
	return ""
}

// SetPreset installs the active preset the gates evaluate against.
func (m *Manager) SetPreset(p *config.TradingPreset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = p
}

// Evaluate runs the fixed gate order from spec §4.4 and returns the first
// violation, or nil if every gate passes.
func (m *Manager) Evaluate(sig *types.Signal, openPositions []types.Position) *errs.Error {
	m.mu.RLock()
	cfg := m.cfg
	rm := m.metrics
	m.mu.RUnlock()

	if cfg == nil {
		return errs.New(errs.KindConfigInvalid, "risk.Evaluate", "no preset installed")
	}

	// 1. Kill switch.
	if m.KillSwitchActive() {
		return errs.RiskDenied("kill_switch_active").WithSymbol(sig.Symbol)
	}

	// 2. Daily risk limit.
	if rm.DailyPnLR.LessThanOrEqual(cfg.Risk.DailyRiskLimit.Neg()) {
		return errs.RiskDenied("daily_risk_limit_exceeded").WithSymbol(sig.Symbol)
	}

	// 3. Concurrent positions.
	if rm.OpenPositions >= cfg.Risk.MaxConcurrentPositions {
		return errs.RiskDenied("max_concurrent_positions_exceeded").WithSymbol(sig.Symbol)
	}

	// 4. Consecutive losses.
	if rm.ConsecutiveLosses >= cfg.Risk.MaxConsecutiveLosses {
		m.latch("max_consecutive_losses_exceeded")
		return errs.RiskDenied("kill_switch_active").WithSymbol(sig.Symbol)
	}

	// 5. Correlation cap.
	if m.corr != nil {
		for _, pos := range openPositions {
			c := m.corr.Correlation(pos.Symbol, sig.Symbol)
			if c.Abs().GreaterThan(cfg.Risk.CorrelationLimit) {
				return errs.RiskDenied("correlation_limit_exceeded").WithSymbol(sig.Symbol)
			}
		}
	}

	return nil
}
