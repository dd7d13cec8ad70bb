// Package execution_test provides tests for the execution manager's
// routing, fill accounting, and in-flight discipline.
package execution_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-breakout/engine/internal/exchange/paper"
	"github.com/atlas-breakout/engine/internal/execution"
	"github.com/atlas-breakout/engine/pkg/config"
	"github.com/atlas-breakout/engine/pkg/types"
)

func testPreset() *config.TradingPreset {
	return &config.TradingPreset{
		ExecutionConfig: config.ExecutionConfig{
			EnableTWAP:          true,
			MaxDepthFraction:    decimal.NewFromFloat(0.1),
			TWAPMinSlices:       2,
			TWAPMaxSlices:       5,
			TWAPIntervalSeconds: 0,
			DeadmanTimeoutMs:    5000,
			TakerFeeBps:         decimal.NewFromFloat(7.5),
			MakerFeeBps:         decimal.NewFromFloat(2.5),
		},
	}
}

func testAdapter() *paper.Adapter {
	a := paper.New(zap.NewNop(), paper.Config{
		StartingBalanceUSD: decimal.NewFromInt(100000),
		SlippageA:          decimal.NewFromFloat(0.5),
		SlippageB:          decimal.NewFromFloat(1.0),
		TakerFeeBps:        decimal.NewFromFloat(7.5),
		MakerFeeBps:        decimal.NewFromFloat(2.5),
	})
	a.SetMarket("BTC/USDT", decimal.NewFromInt(50000), decimal.NewFromInt(5), decimal.NewFromInt(20))
	return a
}

func TestExecuteSingleSliceFillsCompletely(t *testing.T) {
	adapter := testAdapter()
	mgr := execution.New(zap.NewNop(), adapter, testPreset())

	so := execution.SizedOrder{
		Symbol: "BTC/USDT",
		Side:   types.OrderSideBuy,
		Intent: types.OrderIntentEntry,
		Qty:    decimal.NewFromFloat(1),
	}
	snap := execution.MarketSnapshot{Mid: decimal.NewFromInt(50000), DepthAtSide: decimal.NewFromInt(100)}

	parent, err := mgr.Execute(context.Background(), "pos-1", so, snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parent.Status != types.OrderStatusFilled {
		t.Fatalf("status = %s, want filled", parent.Status)
	}
	if !parent.FilledQty.Equal(so.Qty) {
		t.Fatalf("filled qty = %s, want %s", parent.FilledQty, so.Qty)
	}
	if len(parent.Children) != 1 {
		t.Fatalf("expected a single child order, got %d", len(parent.Children))
	}
}

func TestExecuteReleasesInFlightLockAfterCompletion(t *testing.T) {
	adapter := testAdapter()
	mgr := execution.New(zap.NewNop(), adapter, testPreset())

	so := execution.SizedOrder{
		Symbol: "BTC/USDT",
		Side:   types.OrderSideBuy,
		Intent: types.OrderIntentEntry,
		Qty:    decimal.NewFromFloat(1),
	}
	snap := execution.MarketSnapshot{Mid: decimal.NewFromInt(50000), DepthAtSide: decimal.NewFromInt(100)}

	// Simulate an in-flight order for the same (position, intent) key by
	// directly driving two concurrent Execute calls is racy to assert on;
	// instead verify sequential calls both succeed once the lock releases.
	if _, err := mgr.Execute(context.Background(), "pos-2", so, snap); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if _, err := mgr.Execute(context.Background(), "pos-2", so, snap); err != nil {
		t.Fatalf("second execute after release: %v", err)
	}
}

func TestExecuteSlicesUnderBindingDepth(t *testing.T) {
	adapter := testAdapter()
	mgr := execution.New(zap.NewNop(), adapter, testPreset())

	so := execution.SizedOrder{
		Symbol: "BTC/USDT",
		Side:   types.OrderSideBuy,
		Intent: types.OrderIntentEntry,
		Qty:    decimal.NewFromFloat(5),
		TWAP:   true,
	}
	snap := execution.MarketSnapshot{Mid: decimal.NewFromInt(50000), DepthAtSide: decimal.NewFromInt(10)}

	parent, err := mgr.Execute(context.Background(), "pos-3", so, snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parent.Children) < 2 {
		t.Fatalf("expected TWAP to produce multiple child orders, got %d", len(parent.Children))
	}
	if !parent.FilledQty.Equal(so.Qty) {
		t.Fatalf("filled qty = %s, want %s", parent.FilledQty, so.Qty)
	}
}
