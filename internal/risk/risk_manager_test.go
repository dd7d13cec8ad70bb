// Package risk_test provides tests for the risk manager's gate order and
// kill-switch latching.
package risk_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-breakout/engine/internal/risk"
	"github.com/atlas-breakout/engine/pkg/config"
	"github.com/atlas-breakout/engine/pkg/errs"
	"github.com/atlas-breakout/engine/pkg/types"
)

func testPreset() *config.TradingPreset {
	return &config.TradingPreset{
		Name: "test",
		Risk: config.RiskConfig{
			RiskPerTrade:           decimal.NewFromFloat(0.01),
			MaxConcurrentPositions: 3,
			DailyRiskLimit:         decimal.NewFromFloat(0.03),
			KillSwitchLossLimit:    decimal.NewFromFloat(0.1),
			CorrelationLimit:       decimal.NewFromFloat(0.7),
			MaxConsecutiveLosses:   5,
		},
	}
}

func testSignal(symbol string) *types.Signal {
	return &types.Signal{
		Symbol:   symbol,
		Side:     types.PositionSideLong,
		Strategy: types.StrategyMomentum,
		Entry:    decimal.NewFromInt(100),
		StopLoss: decimal.NewFromInt(95),
	}
}

func TestEvaluatePassesWhenWithinLimits(t *testing.T) {
	m := risk.New(zap.NewNop(), nil)
	m.SetPreset(testPreset())
	m.UpdateMetrics(types.RiskMetrics{
		ConsecutiveLosses: 0,
		OpenPositions:     1,
		DailyPnLR:         decimal.Zero,
	})

	if err := m.Evaluate(testSignal("BTC/USDT"), nil); err != nil {
		t.Fatalf("expected approval, got %v", err)
	}
}

func TestEvaluateRejectsWhenKillSwitchActive(t *testing.T) {
	m := risk.New(zap.NewNop(), nil)
	m.SetPreset(testPreset())
	m.UpdateMetrics(types.RiskMetrics{
		DailyPnLR: decimal.NewFromFloat(-0.05), // breaches daily_risk_limit, latches
	})

	if !m.KillSwitchActive() {
		t.Fatal("expected kill switch to be latched after daily risk breach")
	}

	err := m.Evaluate(testSignal("BTC/USDT"), nil)
	if err == nil || !errs.Is(err, errs.KindRiskDenied) {
		t.Fatalf("expected RiskDenied, got %v", err)
	}
}

func TestResetClearsLatch(t *testing.T) {
	m := risk.New(zap.NewNop(), nil)
	m.SetPreset(testPreset())
	m.UpdateMetrics(types.RiskMetrics{DailyPnLR: decimal.NewFromFloat(-0.05)})

	if !m.KillSwitchActive() {
		t.Fatal("expected kill switch active before reset")
	}

	m.Reset()
	if m.KillSwitchActive() {
		t.Fatal("expected kill switch cleared after manual reset")
	}
}

func TestEvaluateRejectsOnConsecutiveLossesAndLatches(t *testing.T) {
	m := risk.New(zap.NewNop(), nil)
	m.SetPreset(testPreset())
	m.UpdateMetrics(types.RiskMetrics{ConsecutiveLosses: 5})

	err := m.Evaluate(testSignal("ETH/USDT"), nil)
	if err == nil || !errs.Is(err, errs.KindRiskDenied) {
		t.Fatalf("expected RiskDenied, got %v", err)
	}
	if !m.KillSwitchActive() {
		t.Fatal("expected kill switch to latch on max consecutive losses")
	}
}

type fakeCorrelation struct{ value decimal.Decimal }

func (f fakeCorrelation) Correlation(string, string) decimal.Decimal { return f.value }

func TestEvaluateRejectsOnCorrelationCap(t *testing.T) {
	m := risk.New(zap.NewNop(), fakeCorrelation{value: decimal.NewFromFloat(0.9)})
	m.SetPreset(testPreset())
	m.UpdateMetrics(types.RiskMetrics{})

	open := []types.Position{{Symbol: "ETH/USDT"}}
	err := m.Evaluate(testSignal("BTC/USDT"), open)
	if err == nil || !errs.Is(err, errs.KindRiskDenied) {
		t.Fatalf("expected RiskDenied for correlation cap, got %v", err)
	}
}
