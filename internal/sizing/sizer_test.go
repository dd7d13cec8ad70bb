// Package sizing_test provides tests for the R-model position sizer.
package sizing_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-breakout/engine/internal/sizing"
	"github.com/atlas-breakout/engine/pkg/config"
	"github.com/atlas-breakout/engine/pkg/errs"
	"github.com/atlas-breakout/engine/pkg/types"
)

func testPreset() *config.TradingPreset {
	return &config.TradingPreset{
		Risk: config.RiskConfig{
			RiskPerTrade:           decimal.NewFromFloat(0.015),
			MaxConcurrentPositions: 3,
			KillSwitchLossLimit:    decimal.NewFromFloat(0.1),
		},
		ExecutionConfig: config.ExecutionConfig{
			MaxDepthFraction: decimal.NewFromFloat(0.1),
		},
	}
}

func testMarket() types.MarketSpec {
	return types.MarketSpec{
		Symbol:     "BTC/USDT",
		AmountStep: decimal.NewFromFloat(0.001),
		PriceTick:  decimal.NewFromFloat(0.1),
		MinQty:     decimal.NewFromFloat(0.001),
	}
}

// TestSizeBasic mirrors spec scenario S1: 100000 equity, 1.5% risk, $100
// stop distance -> 1500/100 = 15 BTC nominal, within a 10% depth bound.
func TestSizeBasic(t *testing.T) {
	s := sizing.New(zap.NewNop())
	req := sizing.Request{
		Signal: &types.Signal{
			Symbol:   "BTC/USDT",
			Entry:    decimal.NewFromInt(50000),
			StopLoss: decimal.NewFromInt(49900),
		},
		AccountEquity:  decimal.NewFromInt(100000),
		AvailableDepth: decimal.NewFromInt(200),
		Market:         testMarket(),
	}

	result, err := s.Size(req, testPreset())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := decimal.NewFromInt(15)
	if !result.Qty.Equal(want) {
		t.Fatalf("qty = %s, want %s", result.Qty, want)
	}
}

func TestSizeMarksTWAPUnderBindingDepthClamp(t *testing.T) {
	s := sizing.New(zap.NewNop())
	req := sizing.Request{
		Signal: &types.Signal{
			Symbol:   "BTC/USDT",
			Entry:    decimal.NewFromInt(50000),
			StopLoss: decimal.NewFromInt(49900),
		},
		AccountEquity:  decimal.NewFromInt(100000),
		AvailableDepth: decimal.NewFromInt(50), // depth cap 5, raw qty 15 > 1.5x5
		Market:         testMarket(),
	}

	result, err := s.Size(req, testPreset())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.TWAP {
		t.Fatal("expected order to be marked for TWAP under a binding depth clamp")
	}
	if result.LimitingFactor != "depth_constraint" {
		t.Fatalf("limiting_factor = %s, want depth_constraint", result.LimitingFactor)
	}
}

func TestSizeRejectsBelowMinQty(t *testing.T) {
	s := sizing.New(zap.NewNop())
	market := testMarket()
	market.MinQty = decimal.NewFromInt(100)

	req := sizing.Request{
		Signal: &types.Signal{
			Symbol:   "BTC/USDT",
			Entry:    decimal.NewFromInt(50000),
			StopLoss: decimal.NewFromInt(49900),
		},
		AccountEquity:  decimal.NewFromInt(100000),
		AvailableDepth: decimal.NewFromInt(200),
		Market:         market,
	}

	_, err := s.Size(req, testPreset())
	if err == nil || !errs.Is(err, errs.KindRiskDenied) {
		t.Fatalf("expected RiskDenied below_min_qty, got %v", err)
	}
}

func TestSizeAppliesSoftRiskReductionAtMaxConcurrentPositions(t *testing.T) {
	s := sizing.New(zap.NewNop())
	req := sizing.Request{
		Signal: &types.Signal{
			Symbol:   "BTC/USDT",
			Entry:    decimal.NewFromInt(50000),
			StopLoss: decimal.NewFromInt(49900),
		},
		AccountEquity:  decimal.NewFromInt(100000),
		AvailableDepth: decimal.NewFromInt(200),
		Market:         testMarket(),
		OpenPositions:  3, // == MaxConcurrentPositions
	}

	result, err := s.Size(req, testPreset())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, a := range result.Adjustments {
		if a == "soft_risk_reduction_0.5x" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected soft_risk_reduction_0.5x adjustment, got %v", result.Adjustments)
	}
}
